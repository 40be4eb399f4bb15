package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/security"
)

var statusByKind = map[faults.Kind]int{
	faults.Authentication:     http.StatusUnauthorized,
	faults.HostKeyUnknown:     http.StatusConflict,
	faults.HostKeyChanged:     http.StatusConflict,
	faults.ConnectionTimeout:  http.StatusGatewayTimeout,
	faults.Unreachable:        http.StatusBadGateway,
	faults.RateLimited:        http.StatusTooManyRequests,
	faults.RemoteSpawn:        http.StatusBadGateway,
	faults.Tunnel:             http.StatusBadGateway,
	faults.NotFound:           http.StatusNotFound,
	faults.Conflict:           http.StatusConflict,
	faults.BackendUnavailable: http.StatusServiceUnavailable,
	faults.Canceled:           http.StatusConflict,
	faults.InvalidArgument:    http.StatusBadRequest,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind faults.Kind) int {
	if s, ok := statusByKind[kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	kind := faults.KindOf(err)
	redact := s.app.Config.Security.RedactErrors
	body := ErrorBody{Code: string(kind), Message: security.UserMessage(err, redact)}
	if p, ok := faults.HostKeyProblemOf(err); ok {
		body.Code = hostKeyConfirmation
		body.HostKey = &p
	}
	var fe *faults.Error
	if errors.As(err, &fe) && fe.Stderr != "" {
		body.Stderr = fe.Stderr
		if redact {
			body.Stderr = security.RedactMessage(fe.Stderr)
		}
	}
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", security.DebugMessage(err))
	} else {
		slog.Debug("request rejected", "path", c.FullPath(), "code", body.Code, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func badRequest(format string, args ...any) error {
	return faults.New(faults.InvalidArgument, "decode request", format, args...)
}

// decodeError turns an error body back into a classified fault.
func decodeError(status int, body ErrorBody) error {
	kind := faults.Kind(body.Code)
	if body.Code == hostKeyConfirmation {
		kind = faults.HostKeyUnknown
		if body.HostKey != nil && body.HostKey.Reason == model.HostKeyReasonChanged {
			kind = faults.HostKeyChanged
		}
	}
	if kind == "" {
		kind = faults.Internal
		if body.Message == "" {
			body.Message = http.StatusText(status)
		}
	}
	return &faults.Error{Kind: kind, Msg: body.Message, HostKey: body.HostKey, Stderr: body.Stderr}
}
