package model

import (
	"fmt"
	"strings"
	"time"
)

// DefaultSSHPort is used when an identity carries no port.
const DefaultSSHPort = 22

// ConnectionIdentity is the logical key of a pooled SSH connection.
type ConnectionIdentity struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
}

// Normalize trims the fields and fills in the default port.
func (c ConnectionIdentity) Normalize() ConnectionIdentity {
	c.Host = strings.TrimSpace(c.Host)
	c.Username = strings.TrimSpace(c.Username)
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	return c
}

// Key renders the identity as user@host:port.
func (c ConnectionIdentity) Key() string {
	c = c.Normalize()
	return fmt.Sprintf("%s@%s:%d", c.Username, c.Host, c.Port)
}

func (c ConnectionIdentity) Validate() error {
	c = c.Normalize()
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("username is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// ParseIdentityKey is the inverse of Key.
func ParseIdentityKey(key string) (ConnectionIdentity, error) {
	at := strings.LastIndex(key, "@")
	colon := strings.LastIndex(key, ":")
	if at <= 0 || colon < at {
		return ConnectionIdentity{}, fmt.Errorf("invalid connection id %q (want user@host:port)", key)
	}
	var port int
	if _, err := fmt.Sscanf(key[colon+1:], "%d", &port); err != nil {
		return ConnectionIdentity{}, fmt.Errorf("invalid port in connection id %q", key)
	}
	id := ConnectionIdentity{Username: key[:at], Host: key[at+1 : colon], Port: port}
	return id, id.Validate()
}

type AuthMethod string

const (
	AuthAgent             AuthMethod = "agent"
	AuthPrivateKeyContent AuthMethod = "private-key-content"
	AuthPrivateKeyPath    AuthMethod = "private-key-path"
	AuthPassword          AuthMethod = "password"
)

// Auth carries credentials for one connect attempt. It is never persisted.
type Auth struct {
	Password       string `json:"-"`
	PrivateKey     string `json:"-"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     string `json:"-"`
	UseAgent       bool   `json:"use_agent,omitempty"`
}

// Method reports the credential kind in order of precedence.
func (a Auth) Method() AuthMethod {
	switch {
	case a.PrivateKey != "":
		return AuthPrivateKeyContent
	case a.PrivateKeyPath != "":
		return AuthPrivateKeyPath
	case a.Password != "":
		return AuthPassword
	default:
		return AuthAgent
	}
}

type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnFailed       ConnState = "failed"
)

// ConnectionInfo is the externally visible view of a pooled connection.
type ConnectionInfo struct {
	Key          string     `json:"key"`
	Host         string     `json:"host"`
	Port         int        `json:"port"`
	Username     string     `json:"username"`
	Connected    bool       `json:"connected"`
	State        ConnState  `json:"state"`
	Backend      string     `json:"backend,omitempty"`
	AuthMethod   AuthMethod `json:"auth_method,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	LastActivity time.Time  `json:"last_activity"`
	Sessions     int        `json:"sessions"`
}

// HostKeyRecord is one trusted server key.
type HostKeyRecord struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	KeyType           string `json:"key_type"`
	PublicKey         string `json:"public_key"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
}

type HostKeyReason string

const (
	HostKeyReasonUnknown HostKeyReason = "unknown"
	HostKeyReasonChanged HostKeyReason = "changed"
)

// HostKeyProblem describes a key that needs explicit confirmation.
type HostKeyProblem struct {
	Host                      string        `json:"host"`
	Port                      int           `json:"port"`
	KnownHostsHost            string        `json:"known_hosts_host"`
	KeyType                   string        `json:"key_type"`
	FingerprintSHA256         string        `json:"fingerprint_sha256"`
	PublicKey                 string        `json:"public_key"`
	Reason                    HostKeyReason `json:"reason"`
	ExpectedFingerprintSHA256 string        `json:"expected_fingerprint_sha256,omitempty"`
	ExpectedPublicKey         string        `json:"expected_public_key,omitempty"`
}

// Record converts the problem into the record that accepting it would store.
func (p HostKeyProblem) Record() HostKeyRecord {
	return HostKeyRecord{
		Host:              p.Host,
		Port:              p.Port,
		KeyType:           p.KeyType,
		PublicKey:         p.PublicKey,
		FingerprintSHA256: p.FingerprintSHA256,
	}
}

type EnvKind string

const (
	EnvConda  EnvKind = "conda"
	EnvVenv   EnvKind = "venv"
	EnvSystem EnvKind = "system"
)

// RemoteEnvironment is a discovered interpreter on the remote host.
type RemoteEnvironment struct {
	Name            string  `json:"name"`
	Kind            EnvKind `json:"type"`
	InterpreterPath string  `json:"python_path"`
	PythonVersion   string  `json:"python_version,omitempty"`
	PackageVersion  string  `json:"package_version,omitempty"`
	IsDefault       bool    `json:"is_default"`
}

// HasPackage reports whether the viewer package imported cleanly.
func (e RemoteEnvironment) HasPackage() bool {
	return e.PackageVersion != ""
}

type SessionStatus string

const (
	SessionInit       SessionStatus = "INIT"
	SessionConnecting SessionStatus = "CONNECTING"
	SessionProbing    SessionStatus = "PROBING"
	SessionSpawning   SessionStatus = "SPAWNING"
	SessionTunneling  SessionStatus = "TUNNELING"
	SessionRunning    SessionStatus = "RUNNING"
	SessionStopping   SessionStatus = "STOPPING"
	SessionStopped    SessionStatus = "STOPPED"
	SessionFailed     SessionStatus = "FAILED"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// ViewerSession is one launched remote viewer and its forwarded port.
type ViewerSession struct {
	ID              string             `json:"sessionId"`
	Connection      ConnectionIdentity `json:"-"`
	Host            string             `json:"host"`
	SSHPort         int                `json:"sshPort"`
	Username        string             `json:"username"`
	Environment     string             `json:"condaEnv,omitempty"`
	Interpreter     string             `json:"pythonPath,omitempty"`
	RemoteRoot      string             `json:"remoteRoot"`
	RemotePID       int                `json:"remotePid,omitempty"`
	RemotePort      int                `json:"remotePort"`
	LocalPort       int                `json:"localPort"`
	TunnelID        string             `json:"tunnelId,omitempty"`
	RemoteLogPath   string             `json:"remoteLogPath,omitempty"`
	Status          SessionStatus      `json:"status"`
	StartedAt       time.Time          `json:"-"`
	StartedAtMS     int64              `json:"startedAt"`
	LastHealthCheck time.Time          `json:"lastHealthCheck,omitempty"`
	UptimeSeconds   int64              `json:"uptimeSeconds"`
	IsActive        bool               `json:"isActive"`
	URL             string             `json:"url,omitempty"`
	LastError       string             `json:"lastError,omitempty"`
}

type TunnelState string

const (
	TunnelDown     TunnelState = "down"
	TunnelStarting TunnelState = "starting"
	TunnelUp       TunnelState = "up"
	TunnelError    TunnelState = "error"
	TunnelStopping TunnelState = "stopping"
)

type TunnelRuntime struct {
	ID            string      `json:"id"`
	ConnectionKey string      `json:"connection"`
	Local         string      `json:"local"`
	Remote        string      `json:"remote"`
	LocalPort     int         `json:"local_port"`
	RemotePort    int         `json:"remote_port"`
	State         TunnelState `json:"state"`
	StartedAt     time.Time   `json:"-"`
	UptimeSec     int64       `json:"uptime_seconds"`
	LatencyMS     int64       `json:"latency_ms"`
	LastError     string      `json:"last_error,omitempty"`
}
