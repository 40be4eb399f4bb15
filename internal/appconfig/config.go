// Package appconfig manages application configuration and runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appDirName = "remote-viewer"

// Backend names accepted in the backends list.
const (
	BackendOpenSSH = "openssh"
	BackendLibrary = "sshlib"
)

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SecurityConfig controls trust storage and connection throttling.
type SecurityConfig struct {
	KnownHostsFile       string `yaml:"known_hosts_file,omitempty"`
	ConnectRatePerMinute int    `yaml:"connect_rate_per_minute"`
	RedactErrors         bool   `yaml:"redact_errors"`
}

// TimeoutConfig holds per-step deadlines in seconds.
type TimeoutConfig struct {
	ConnectSeconds int `yaml:"connect_seconds"`
	ProbeSeconds   int `yaml:"probe_seconds"`
	SpawnSeconds   int `yaml:"spawn_seconds"`
	TunnelSeconds  int `yaml:"tunnel_seconds"`
}

// ViewerConfig describes how the remote viewer is launched.
type ViewerConfig struct {
	// Package is imported to detect whether an environment can run the viewer.
	Package string `yaml:"package"`
	// Command is appended to "<python> -m"; {root}, {host} and {port} are substituted.
	Command string `yaml:"command"`
	LogDir  string `yaml:"log_dir"`
}

type HealthConfig struct {
	IntervalSeconds        int `yaml:"interval_seconds"`
	FailedRetentionSeconds int `yaml:"failed_retention_seconds"`
	Parallelism            int `yaml:"parallelism"`
}

// Config holds application-level configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	Backends   []string       `yaml:"backends"`
	SSHBinary  string         `yaml:"ssh_binary"`
	Log        LogConfig      `yaml:"log"`
	Security   SecurityConfig `yaml:"security"`
	Timeouts   TimeoutConfig  `yaml:"timeouts"`
	Viewer     ViewerConfig   `yaml:"viewer"`
	Health     HealthConfig   `yaml:"health"`
	UI         UIConfig       `yaml:"ui"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ListenAddr: "127.0.0.1:8787",
		Backends:   []string{BackendOpenSSH, BackendLibrary},
		SSHBinary:  "ssh",
		Log:        LogConfig{Level: "info"},
		Security: SecurityConfig{
			ConnectRatePerMinute: 5,
			RedactErrors:         true,
		},
		Timeouts: TimeoutConfig{
			ConnectSeconds: 30,
			ProbeSeconds:   30,
			SpawnSeconds:   30,
			TunnelSeconds:  15,
		},
		Viewer: ViewerConfig{
			Package: "runicorn",
			Command: "runicorn viewer --remote-mode --storage {root} --host {host} --port {port} --log-level ERROR",
			LogDir:  "/tmp",
		},
		Health: HealthConfig{
			IntervalSeconds:        10,
			FailedRetentionSeconds: 600,
			Parallelism:            4,
		},
		UI: UIConfig{RefreshSeconds: 3},
	}
}

// normalize replaces unset or invalid values with defaults.
func (c *Config) normalize() {
	d := Default()
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = d.ListenAddr
	}
	var backends []string
	for _, b := range c.Backends {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == BackendOpenSSH || b == BackendLibrary {
			backends = append(backends, b)
		}
	}
	if len(backends) == 0 {
		backends = d.Backends
	}
	c.Backends = backends
	if strings.TrimSpace(c.SSHBinary) == "" {
		c.SSHBinary = d.SSHBinary
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Security.ConnectRatePerMinute <= 0 {
		c.Security.ConnectRatePerMinute = d.Security.ConnectRatePerMinute
	}
	positive(&c.Timeouts.ConnectSeconds, d.Timeouts.ConnectSeconds)
	positive(&c.Timeouts.ProbeSeconds, d.Timeouts.ProbeSeconds)
	positive(&c.Timeouts.SpawnSeconds, d.Timeouts.SpawnSeconds)
	positive(&c.Timeouts.TunnelSeconds, d.Timeouts.TunnelSeconds)
	if strings.TrimSpace(c.Viewer.Package) == "" {
		c.Viewer.Package = d.Viewer.Package
	}
	if strings.TrimSpace(c.Viewer.Command) == "" {
		c.Viewer.Command = d.Viewer.Command
	}
	if strings.TrimSpace(c.Viewer.LogDir) == "" {
		c.Viewer.LogDir = d.Viewer.LogDir
	}
	positive(&c.Health.IntervalSeconds, d.Health.IntervalSeconds)
	positive(&c.Health.FailedRetentionSeconds, d.Health.FailedRetentionSeconds)
	positive(&c.Health.Parallelism, d.Health.Parallelism)
	positive(&c.UI.RefreshSeconds, d.UI.RefreshSeconds)
}

func positive(v *int, fallback int) {
	if *v <= 0 {
		*v = fallback
	}
}

func (t TimeoutConfig) Connect() time.Duration { return seconds(t.ConnectSeconds) }
func (t TimeoutConfig) Probe() time.Duration   { return seconds(t.ProbeSeconds) }
func (t TimeoutConfig) Spawn() time.Duration   { return seconds(t.SpawnSeconds) }
func (t TimeoutConfig) Tunnel() time.Duration  { return seconds(t.TunnelSeconds) }

func (h HealthConfig) Interval() time.Duration        { return seconds(h.IntervalSeconds) }
func (h HealthConfig) FailedRetention() time.Duration { return seconds(h.FailedRetentionSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ConfigDir returns the application config directory path.
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config/remote-viewer.
func ConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDirName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, ".config", appDirName), nil
}

// RuntimeFilePath returns the full path to runtime.json.
func RuntimeFilePath() (string, error) {
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "runtime.json"), nil
}

// KnownHostsPath returns the trust file used for host key verification.
func KnownHostsPath(cfg Config) (string, error) {
	if p := strings.TrimSpace(cfg.Security.KnownHostsFile); p != "" {
		return expandHome(p)
	}
	d, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, "known_hosts"), nil
}

func expandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, p[2:]), nil
}

// Load reads config.yaml from the config directory.
// If the file doesn't exist, creates it with defaults.
func Load() (Config, error) {
	d, err := ConfigDir()
	if err != nil {
		return Config{}, err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return Config{}, err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Save writes config to config.yaml.
func Save(cfg Config) error {
	d, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(d, 0o700); err != nil {
		return err
	}
	path := filepath.Join(d, "config.yaml")
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
