package sshconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/treykane/remote-viewer/internal/model"
)

// Target is a resolved connection target.
type Target struct {
	Identity     model.ConnectionIdentity
	IdentityFile string
	// Alias is set when the target came from the config file.
	Alias string
}

// Resolver answers alias lookups from one ssh config file.
type Resolver struct {
	cfg *ssh_config.Config
}

// LoadResolver decodes path. A missing file yields a resolver that knows no
// aliases.
func LoadResolver(path string) (*Resolver, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Resolver{}, nil
		}
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()
	return NewResolver(f)
}

// NewResolver decodes an ssh config from r.
func NewResolver(r io.Reader) (*Resolver, error) {
	cfg, err := ssh_config.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config: %w", err)
	}
	return &Resolver{cfg: cfg}, nil
}

func (r *Resolver) get(alias, key string) string {
	if r == nil || r.cfg == nil {
		return ""
	}
	v, err := r.cfg.Get(alias, key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

// Resolve turns a target into an identity. It accepts "user@host:port" with
// optional parts; a bare host is also looked up as an alias, and explicit
// user or port override the alias settings.
func (r *Resolver) Resolve(target string) (Target, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Target{}, fmt.Errorf("target is empty")
	}
	userPart, hostPart := "", target
	if i := strings.LastIndex(target, "@"); i >= 0 {
		userPart, hostPart = target[:i], target[i+1:]
	}
	host, port := hostPart, 0
	if i := strings.LastIndex(hostPart, ":"); i >= 0 && !strings.Contains(hostPart[:i], ":") {
		p, err := strconv.Atoi(hostPart[i+1:])
		if err != nil {
			return Target{}, fmt.Errorf("invalid port in %q", target)
		}
		host, port = hostPart[:i], p
	}
	if host == "" {
		return Target{}, fmt.Errorf("host is empty in %q", target)
	}

	t := Target{Identity: model.ConnectionIdentity{Host: host, Port: port, Username: userPart}}
	hostName, cfgUser, cfgPort := r.get(host, "HostName"), r.get(host, "User"), r.get(host, "Port")
	identity := r.get(host, "IdentityFile")
	if hostName != "" || cfgUser != "" || cfgPort != "" || identity != "" {
		t.Alias = host
	}
	if hostName != "" {
		t.Identity.Host = hostName
	}
	if t.Identity.Username == "" {
		t.Identity.Username = cfgUser
	}
	if t.Identity.Port == 0 {
		if p, err := strconv.Atoi(cfgPort); err == nil {
			t.Identity.Port = p
		}
	}
	if identity != "" {
		t.IdentityFile = expandHome(identity)
	}
	if t.Identity.Username == "" {
		if u, err := user.Current(); err == nil {
			t.Identity.Username = u.Username
		}
	}
	t.Identity = t.Identity.Normalize()
	if err := t.Identity.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}
