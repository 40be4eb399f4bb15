package sshconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/treykane/remote-viewer/internal/model"
)

// AppendHost appends a Host block to the ssh config at path. The block goes
// last, so earlier patterns that match the alias still win.
func AppendHost(path string, h Host) error {
	if err := ValidateAlias(path, h.Alias); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create ssh dir: %w", err)
	}
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read ssh config: %w", err)
	}
	var prefix string
	if len(existing) > 0 {
		prefix = "\n"
		if !strings.HasSuffix(string(existing), "\n") {
			prefix = "\n\n"
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open ssh config for append: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(prefix + FormatHostBlock(h)); err != nil {
		return fmt.Errorf("write host block: %w", err)
	}
	return nil
}

// FormatHostBlock renders h as a Host block. Empty and default values are
// left out.
func FormatHostBlock(h Host) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Host %s\n", h.Alias)
	if h.HostName != "" && h.HostName != h.Alias {
		fmt.Fprintf(&b, "  HostName %s\n", h.HostName)
	}
	if h.User != "" {
		fmt.Fprintf(&b, "  User %s\n", h.User)
	}
	if h.Port != 0 && h.Port != model.DefaultSSHPort {
		fmt.Fprintf(&b, "  Port %d\n", h.Port)
	}
	if h.IdentityFile != "" {
		fmt.Fprintf(&b, "  IdentityFile %s\n", h.IdentityFile)
	}
	if h.ProxyJump != "" {
		fmt.Fprintf(&b, "  ProxyJump %s\n", h.ProxyJump)
	}
	return b.String()
}

// ValidateAlias rejects aliases that ssh would read as patterns and aliases
// already defined in the config at path.
func ValidateAlias(path, alias string) error {
	if strings.TrimSpace(alias) == "" {
		return fmt.Errorf("alias cannot be empty")
	}
	if strings.ContainsAny(alias, " \t*?!,") {
		return fmt.Errorf("alias cannot contain spaces, commas or wildcard characters")
	}
	res, err := ParseFile(path)
	if err != nil {
		// An unreadable config has no conflicting aliases.
		return nil
	}
	for _, h := range res.Hosts {
		if strings.EqualFold(h.Alias, alias) {
			return fmt.Errorf("alias %q already exists in %s", alias, path)
		}
	}
	return nil
}
