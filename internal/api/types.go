package api

import (
	"github.com/treykane/remote-viewer/internal/model"
)

// hostKeyConfirmation is the code returned for both unknown and changed keys.
const hostKeyConfirmation = "HOST_KEY_CONFIRMATION_REQUIRED"

// Credentials are accepted by connect and viewer start. They are used for
// one handshake and never stored.
type Credentials struct {
	Password       string `json:"password,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
	Passphrase     string `json:"passphrase,omitempty"`
	UseAgent       bool   `json:"use_agent,omitempty"`
}

func (c Credentials) auth() model.Auth {
	return model.Auth{
		Password:       c.Password,
		PrivateKey:     c.PrivateKey,
		PrivateKeyPath: c.PrivateKeyPath,
		Passphrase:     c.Passphrase,
		UseAgent:       c.UseAgent,
	}
}

// CredentialsFrom copies auth into the wire form.
func CredentialsFrom(a model.Auth) Credentials {
	return Credentials{
		Password:       a.Password,
		PrivateKey:     a.PrivateKey,
		PrivateKeyPath: a.PrivateKeyPath,
		Passphrase:     a.Passphrase,
		UseAgent:       a.UseAgent,
	}
}

type ConnectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Credentials
}

func (r ConnectRequest) identity() model.ConnectionIdentity {
	return model.ConnectionIdentity{Host: r.Host, Port: r.Port, Username: r.Username}.Normalize()
}

type ConnectResponse struct {
	ConnectionID string `json:"connection_id"`
	Backend      string `json:"backend,omitempty"`
}

type DisconnectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

type RemoveHostKeyRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StartViewerRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	RemoteRoot string `json:"remote_root"`
	LocalPort  int    `json:"local_port,omitempty"`
	RemotePort int    `json:"remote_port,omitempty"`
	// Environment is an environment name or an absolute interpreter path.
	Environment string `json:"conda_env,omitempty"`
	Credentials
}

type StopViewerRequest struct {
	SessionID string `json:"session_id"`
}

type okResponse struct {
	OK      bool `json:"ok"`
	Removed bool `json:"removed,omitempty"`
}

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Code    string                `json:"code"`
	Message string                `json:"message"`
	HostKey *model.HostKeyProblem `json:"host_key,omitempty"`
	Stderr  string                `json:"stderr,omitempty"`
}
