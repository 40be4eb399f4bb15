// Package cli provides the command-line interface for remote-viewer.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/security"
	"github.com/treykane/remote-viewer/internal/sshconfig"
	"github.com/treykane/remote-viewer/internal/ui"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	server string
}

// client targets --server, or the configured listen address.
func (o *globalOptions) client() (*api.Client, appconfig.Config, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, cfg, err
	}
	addr := o.server
	if addr == "" {
		addr = cfg.ListenAddr
	}
	return api.NewClient(addr, nil), cfg, nil
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "remote-viewer",
		Short:         "Launch experiment viewers on remote hosts and reach them over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			return ui.Run(cmd.Context(), c, cfg)
		},
	}
	root.PersistentFlags().StringVar(&opts.server, "server", "", "API address (default: listen_addr from config.yaml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newConnectCmd(opts), newDisconnectCmd(opts), newSessionsCmd(opts))
	root.AddCommand(newEnvsCmd(opts), newLsCmd(opts))
	root.AddCommand(newViewerCmd(opts))
	root.AddCommand(newHostKeysCmd())
	root.AddCommand(newProfilesCmd())
	root.AddCommand(newShellCmd())
	root.AddCommand(newDoctorCmd(), newAuditCmd())
	return root
}

// Execute runs the command tree and prints a user-facing error.
func Execute(ctx context.Context) int {
	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", security.UserMessage(err, false))
		return 1
	}
	return 0
}

// setupLogging installs the process-wide slog handler.
func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// resolveTarget accepts a profile name, an ssh config alias or
// user@host:port. The profile is returned when the name matched one.
func resolveTarget(arg string) (sshconfig.Target, *profiles.Profile, error) {
	if p, err := profiles.Get(arg); err == nil {
		return sshconfig.Target{Identity: p.Identity(), IdentityFile: p.PrivateKeyPath, Alias: p.Name}, &p, nil
	} else if !faults.Is(err, faults.NotFound) {
		return sshconfig.Target{}, nil, err
	}
	path, err := sshconfig.DefaultPath()
	if err != nil {
		return sshconfig.Target{}, nil, err
	}
	r, err := sshconfig.LoadResolver(path)
	if err != nil {
		return sshconfig.Target{}, nil, err
	}
	t, err := r.Resolve(arg)
	if err != nil {
		return sshconfig.Target{}, nil, faults.Wrap(faults.InvalidArgument, "resolve target", err)
	}
	return t, nil, nil
}

type authFlags struct {
	identity   string
	password   bool
	passphrase bool
	agent      bool
	acceptKey  bool
}

func addAuthFlags(cmd *cobra.Command, f *authFlags) {
	cmd.Flags().StringVarP(&f.identity, "identity", "i", "", "private key file")
	cmd.Flags().BoolVar(&f.password, "password", false, "prompt for a password")
	cmd.Flags().BoolVar(&f.passphrase, "passphrase", false, "prompt for the private key passphrase")
	cmd.Flags().BoolVar(&f.agent, "agent", false, "authenticate with ssh-agent")
	cmd.Flags().BoolVar(&f.acceptKey, "accept-host-key", false, "trust an unknown host key without asking")
}

// auth builds the credentials for target. Without explicit flags the key
// from the profile or ssh config is used, then the agent.
func (f authFlags) auth(t sshconfig.Target) (model.Auth, error) {
	if f.password {
		pw, err := promptSecret(fmt.Sprintf("Password for %s: ", t.Identity.Key()))
		if err != nil {
			return model.Auth{}, err
		}
		return model.Auth{Password: pw}, nil
	}
	a := model.Auth{PrivateKeyPath: f.identity, UseAgent: f.agent}
	if a.PrivateKeyPath == "" && !f.agent {
		a.PrivateKeyPath = t.IdentityFile
	}
	if f.passphrase {
		pp, err := promptSecret("Key passphrase: ")
		if err != nil {
			return model.Auth{}, err
		}
		a.Passphrase = pp
	}
	if a.PrivateKeyPath == "" {
		a.UseAgent = true
	}
	return a, nil
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", faults.New(faults.InvalidArgument, "prompt", "a terminal is required to read secrets")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return string(b), nil
}

// confirm asks a yes/no question on the terminal. Without a terminal the
// answer is no.
func confirm(prompt string) bool {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// describeHostKey prints what the user is asked to trust.
func describeHostKey(w io.Writer, p model.HostKeyProblem) {
	if p.Reason == model.HostKeyReasonChanged {
		fmt.Fprintf(w, "WARNING: the host key for %s has CHANGED.\n", p.KnownHostsHost)
		fmt.Fprintf(w, "  trusted:   %s\n", p.ExpectedFingerprintSHA256)
		fmt.Fprintf(w, "  presented: %s %s\n", p.KeyType, p.FingerprintSHA256)
		fmt.Fprintln(w, "Someone could be intercepting the connection, or the host was reinstalled.")
		return
	}
	fmt.Fprintf(w, "The authenticity of host %s can't be established.\n", p.KnownHostsHost)
	fmt.Fprintf(w, "  %s key fingerprint is %s\n", p.KeyType, p.FingerprintSHA256)
}

// withHostKeyConfirmation runs fn and, when it fails on an untrusted host
// key, asks the user to trust it and runs fn again.
func withHostKeyConfirmation(ctx context.Context, c *api.Client, accept bool, fn func() error) error {
	err := fn()
	p, ok := faults.HostKeyProblemOf(err)
	if !ok {
		return err
	}
	describeHostKey(os.Stderr, p)
	if !accept && !confirm("Trust this key and continue? [y/N] ") {
		return err
	}
	if aerr := c.AcceptHostKey(ctx, p.Record()); aerr != nil {
		return aerr
	}
	fmt.Fprintf(os.Stderr, "Trusted %s for %s.\n", p.FingerprintSHA256, p.KnownHostsHost)
	return fn()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
