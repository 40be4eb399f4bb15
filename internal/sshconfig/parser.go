// Package sshconfig reads and extends ~/.ssh/config so targets can be given
// by alias.
package sshconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/treykane/remote-viewer/internal/model"
)

// Host is one concrete alias with its effective settings.
type Host struct {
	Alias        string `json:"alias"`
	HostName     string `json:"hostname"`
	User         string `json:"user,omitempty"`
	Port         int    `json:"port"`
	IdentityFile string `json:"identity_file,omitempty"`
	ProxyJump    string `json:"proxy_jump,omitempty"`
}

type ParseResult struct {
	Hosts    []Host
	Warnings []string
}

// DefaultPath is ~/.ssh/config.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// ParseDefault lists the aliases of ~/.ssh/config.
func ParseDefault() (ParseResult, error) {
	path, err := DefaultPath()
	if err != nil {
		return ParseResult{}, err
	}
	return ParseFile(path)
}

// ParseFile lists the concrete aliases declared in path with the settings the
// resolver would use for them. Aliases declared only in included files are
// not listed.
func ParseFile(path string) (ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ParseResult{Warnings: []string{fmt.Sprintf("config file not found: %s", path)}}, nil
		}
		return ParseResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	res := ParseResult{Warnings: lint(path, data)}
	cfg, err := ssh_config.Decode(bytes.NewReader(data))
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", path, err))
		return res, nil
	}

	r := &Resolver{cfg: cfg}
	seen := map[string]bool{}
	for _, h := range cfg.Hosts {
		for _, p := range h.Patterns {
			alias := strings.TrimPrefix(p.String(), "!")
			if alias == "" || seen[alias] || strings.ContainsAny(alias, "*?") || !h.Matches(alias) {
				continue
			}
			seen[alias] = true
			res.Hosts = append(res.Hosts, r.host(alias))
		}
	}
	sort.Slice(res.Hosts, func(i, j int) bool { return res.Hosts[i].Alias < res.Hosts[j].Alias })
	return res, nil
}

func (r *Resolver) host(alias string) Host {
	h := Host{
		Alias:     alias,
		HostName:  r.get(alias, "HostName"),
		User:      r.get(alias, "User"),
		Port:      model.DefaultSSHPort,
		ProxyJump: r.get(alias, "ProxyJump"),
	}
	if h.HostName == "" {
		h.HostName = alias
	}
	if p, err := strconv.Atoi(r.get(alias, "Port")); err == nil {
		h.Port = p
	}
	if identity := r.get(alias, "IdentityFile"); identity != "" {
		h.IdentityFile = expandHome(identity)
	}
	return h
}

// lint reports directives that carry no value.
func lint(path string, data []byte) []string {
	var out []string
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == '\t' || r == '=' })
		if len(fields) < 2 {
			out = append(out, fmt.Sprintf("%s:%d directive without a value: %s", path, i+1, line))
		}
	}
	return out
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
