// Package faults defines the error taxonomy shared by the remote access layer.
//
// Every error that crosses a package boundary is a *Error with a Kind. Callers
// branch on the kind with KindOf or Is; host key failures additionally carry
// the presented key so a client can ask the user to confirm it.
package faults

import (
	"errors"
	"fmt"

	"github.com/treykane/remote-viewer/internal/model"
)

type Kind string

const (
	Internal           Kind = "INTERNAL"
	Authentication     Kind = "AUTHENTICATION_FAILED"
	HostKeyUnknown     Kind = "HOST_KEY_UNKNOWN"
	HostKeyChanged     Kind = "HOST_KEY_CHANGED"
	ConnectionTimeout  Kind = "CONNECTION_TIMEOUT"
	Unreachable        Kind = "HOST_UNREACHABLE"
	RateLimited        Kind = "RATE_LIMITED"
	RemoteSpawn        Kind = "REMOTE_SPAWN_FAILED"
	Tunnel             Kind = "TUNNEL_FAILED"
	NotFound           Kind = "NOT_FOUND"
	Conflict           Kind = "CONFLICT"
	BackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	Canceled           Kind = "CANCELED"
	InvalidArgument    Kind = "INVALID_ARGUMENT"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error

	// HostKey is set for HostKeyUnknown and HostKeyChanged.
	HostKey *model.HostKeyProblem
	// Stderr holds remote diagnostics for RemoteSpawn.
	Stderr string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsHostKey reports whether err requires a host key confirmation.
func IsHostKey(err error) bool {
	k := KindOf(err)
	return k == HostKeyUnknown || k == HostKeyChanged
}

// HostKeyProblemOf extracts the payload of a host key failure.
func HostKeyProblemOf(err error) (model.HostKeyProblem, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.HostKey != nil {
		return *fe.HostKey, true
	}
	return model.HostKeyProblem{}, false
}

// HostKeyError builds the error for an unknown or changed key.
func HostKeyError(p model.HostKeyProblem) *Error {
	kind := HostKeyUnknown
	msg := fmt.Sprintf("host key for %s is not trusted (%s)", p.KnownHostsHost, p.FingerprintSHA256)
	if p.Reason == model.HostKeyReasonChanged {
		kind = HostKeyChanged
		msg = fmt.Sprintf("host key for %s changed: expected %s, got %s", p.KnownHostsHost, p.ExpectedFingerprintSHA256, p.FingerprintSHA256)
	}
	return &Error{Kind: kind, Op: "verify host key", Msg: msg, HostKey: &p}
}
