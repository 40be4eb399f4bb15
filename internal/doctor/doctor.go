// Package doctor runs local diagnostics: transport prerequisites, trust
// file health, config warnings and the security audit.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/hostkeys"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/security"
	"github.com/treykane/remote-viewer/internal/sshconfig"
	"github.com/treykane/remote-viewer/internal/transport/openssh"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes local diagnostics for remote-viewer operations.
func Run() (Report, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return Report{}, err
	}
	var issues []Issue

	issues = append(issues, backendIssues(cfg)...)

	if os.Getenv("SSH_AUTH_SOCK") == "" {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "ssh-agent",
			Target:         "SSH_AUTH_SOCK",
			Message:        "no ssh-agent socket in the environment",
			Recommendation: "start ssh-agent or use key/password authentication",
		})
	}

	if path, err := appconfig.KnownHostsPath(cfg); err == nil {
		if _, err := hostkeys.New(path).List(); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "known-hosts",
				Target:         path,
				Message:        fmt.Sprintf("trust file unreadable: %v", err),
				Recommendation: "fix or remove the file; hosts will need to be confirmed again",
			})
		}
	}

	res, err := sshconfig.ParseDefault()
	if err == nil {
		for _, w := range res.Warnings {
			if strings.HasPrefix(w, "config file not found") {
				continue
			}
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "config-warning",
				Target:         "~/.ssh/config",
				Message:        w,
				Recommendation: "fix malformed/unsupported SSH config directives",
			})
		}
	}

	if all, err := profiles.LoadAll(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "profiles",
			Target:         "profiles.yaml",
			Message:        err.Error(),
			Recommendation: "fix or remove profiles.yaml",
		})
	} else {
		issues = append(issues, duplicatePortIssues(all)...)
	}

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// backendIssues reports missing OpenSSH tools. They are fatal only when no
// other backend is configured.
func backendIssues(cfg appconfig.Config) []Issue {
	usesOpenSSH, onlyOpenSSH := false, true
	for _, b := range cfg.Backends {
		if b == appconfig.BackendOpenSSH {
			usesOpenSSH = true
		} else {
			onlyOpenSSH = false
		}
	}
	if !usesOpenSSH {
		return nil
	}
	sev, rec := SeverityLow, "connections fall back to the built-in client"
	if onlyOpenSSH {
		sev, rec = SeverityHigh, "install the OpenSSH client or add sshlib to backends"
	}
	var issues []Issue
	if err := openssh.EnsureSSHBinary(cfg.SSHBinary); err != nil {
		issues = append(issues, Issue{Severity: sev, Check: "ssh-binary", Target: "PATH", Message: err.Error(), Recommendation: rec})
	}
	if _, err := exec.LookPath("ssh-keyscan"); err != nil {
		issues = append(issues, Issue{Severity: sev, Check: "ssh-keyscan", Target: "PATH", Message: "ssh-keyscan binary not found in PATH", Recommendation: rec})
	}
	return issues
}

func duplicatePortIssues(all []profiles.Profile) []Issue {
	seen := map[int][]string{}
	for _, p := range all {
		if p.LocalPort > 0 {
			seen[p.LocalPort] = append(seen[p.LocalPort], p.Name)
		}
	}
	var issues []Issue
	for port, names := range seen {
		if len(names) < 2 {
			continue
		}
		sort.Strings(names)
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-port",
			Target:         fmt.Sprintf("127.0.0.1:%d", port),
			Message:        fmt.Sprintf("local port is configured by %d profiles: %s", len(names), strings.Join(names, ", ")),
			Recommendation: "use unique local ports per profile or leave them unset to pick a free port",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
