package security

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/sshconfig"
	"github.com/treykane/remote-viewer/internal/viewer"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the local remote-viewer and OpenSSH file posture.
func RunLocalAudit() (AuditReport, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	if !loopbackListen(cfg.ListenAddr) {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        fmt.Sprintf("API listens on non-loopback address %s", cfg.ListenAddr),
			Recommendation: "set listen_addr to 127.0.0.1:<port>",
		})
	}
	if !cfg.Security.RedactErrors {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        "error messages sent to clients are not redacted",
			Recommendation: "set security.redact_errors to true",
		})
	}

	home, err := os.UserHomeDir()
	if err == nil {
		checkPathPerm(&findings, filepath.Join(home, ".ssh"), 0o700, false)
		checkPathPerm(&findings, filepath.Join(home, ".ssh", "config"), 0o600, true)
	}

	cfgDir, err := appconfig.ConfigDir()
	if err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		for _, name := range []string{"config.yaml", "runtime.json", "events.jsonl", "profiles.yaml", "history.json"} {
			checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
		}
	}
	if kh, err := appconfig.KnownHostsPath(cfg); err == nil {
		checkPathPerm(&findings, kh, 0o600, true)
	}

	if rt, err := appconfig.RuntimeFilePath(); err == nil {
		stale, err := viewer.Stale(rt)
		if err != nil {
			findings = append(findings, Finding{
				Severity:       SeverityLow,
				Target:         rt,
				Message:        fmt.Sprintf("unable to read runtime sessions: %v", err),
				Recommendation: "remove the file if the service is not running",
			})
		}
		for _, s := range stale {
			findings = append(findings, Finding{
				Severity:       SeverityMedium,
				Target:         fmt.Sprintf("%s@%s:%d", s.Username, s.Host, s.SSHPort),
				Message:        fmt.Sprintf("viewer session %s (pid %d, port %d) was left behind by a stopped service", s.ID, s.RemotePID, s.RemotePort),
				Recommendation: fmt.Sprintf("check the host and kill the process, or remove %s", s.RemoteLogPath),
			})
		}
	}

	res, err := sshconfig.ParseDefault()
	if err == nil {
		seen := map[string]struct{}{}
		for _, h := range res.Hosts {
			if strings.TrimSpace(h.IdentityFile) == "" {
				continue
			}
			identity := h.IdentityFile
			if strings.HasPrefix(identity, "~/") && home != "" {
				identity = filepath.Join(home, identity[2:])
			}
			if _, ok := seen[identity]; ok {
				continue
			}
			seen[identity] = struct{}{}
			checkPathPerm(&findings, identity, 0o600, true)
		}
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

func loopbackListen(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode > max {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
