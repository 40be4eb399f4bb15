package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/history"
	"github.com/treykane/remote-viewer/internal/transport/openssh"
)

// newShellCmd opens an interactive OpenSSH session in a pseudo-terminal. It
// checks the host against the same trust file as managed connections.
func newShellCmd() *cobra.Command {
	var identity string
	cmd := &cobra.Command{
		Use:   "shell <target>",
		Short: "Open an interactive SSH shell on a remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			if err := openssh.EnsureSSHBinary(cfg.SSHBinary); err != nil {
				return err
			}
			t, _, err := resolveTarget(args[0])
			if err != nil {
				return err
			}
			khPath, err := appconfig.KnownHostsPath(cfg)
			if err != nil {
				return err
			}
			if identity == "" {
				identity = t.IdentityFile
			}
			sh := openssh.ShellCommand(cfg.SSHBinary, t.Identity, identity, khPath)
			if err := openssh.RunInteractive(cmd.Context(), sh); err != nil {
				return err
			}
			if err := history.Touch(t.Identity.Key()); err != nil {
				slog.Debug("record last use failed", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "private key file")
	return cmd
}
