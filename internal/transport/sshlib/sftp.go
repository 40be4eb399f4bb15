package sshlib

import (
	"github.com/pkg/sftp"

	"github.com/treykane/remote-viewer/internal/faults"
)

type sftpClient = sftp.Client

// SFTP returns the lazily opened SFTP subsystem client of the connection.
// It is shared and closed together with the handle.
func (h *handle) SFTP() (*sftp.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, faults.New(faults.Unreachable, "sftp", "connection closed")
	}
	if h.sftp != nil {
		return h.sftp, nil
	}
	c, err := sftp.NewClient(h.client)
	if err != nil {
		return nil, faults.Wrap(faults.Unreachable, "start sftp subsystem", err)
	}
	h.sftp = c
	return c, nil
}
