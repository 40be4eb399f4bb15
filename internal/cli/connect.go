package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/util"
)

// connectTarget resolves arg and makes sure the server holds a connection
// for it. It returns the connection id and the backend name.
func connectTarget(ctx context.Context, c *api.Client, arg string, af authFlags) (string, string, error) {
	t, _, err := resolveTarget(arg)
	if err != nil {
		return "", "", err
	}
	auth, err := af.auth(t)
	if err != nil {
		return "", "", err
	}
	req := api.ConnectRequest{
		Host:        t.Identity.Host,
		Port:        t.Identity.Port,
		Username:    t.Identity.Username,
		Credentials: api.CredentialsFrom(auth),
	}
	var resp api.ConnectResponse
	err = withHostKeyConfirmation(ctx, c, af.acceptKey, func() error {
		var cerr error
		resp, cerr = c.Connect(ctx, req)
		return cerr
	})
	return resp.ConnectionID, resp.Backend, err
}

func newConnectCmd(opts *globalOptions) *cobra.Command {
	var af authFlags
	cmd := &cobra.Command{
		Use:   "connect <target>",
		Short: "Open a pooled SSH connection on the server",
		Long:  "Target is a saved profile name, an alias from ~/.ssh/config or user@host:port.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			id, backend, err := connectTarget(cmd.Context(), c, args[0], af)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "connected %s via %s\n", id, util.EmptyDash(backend))
			return nil
		},
	}
	addAuthFlags(cmd, &af)
	return cmd
}

func newDisconnectCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <target>",
		Short: "Stop the viewers on a connection and close it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			t, _, err := resolveTarget(args[0])
			if err != nil {
				return err
			}
			if err := c.Disconnect(cmd.Context(), t.Identity); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", t.Identity.Key())
			return nil
		},
	}
}

func newSessionsCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List pooled SSH connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			conns, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, conns)
			}
			fmt.Fprintf(out, "%-32s %-12s %-10s %-18s %-8s %s\n", "CONNECTION", "STATE", "BACKEND", "AUTH", "VIEWERS", "AGE")
			for _, ci := range conns {
				age := "-"
				if !ci.CreatedAt.IsZero() {
					age = time.Since(ci.CreatedAt).Round(time.Second).String()
				}
				fmt.Fprintf(out, "%-32s %-12s %-10s %-18s %-8d %s\n", ci.Key, ci.State, util.EmptyDash(ci.Backend), util.EmptyDash(string(ci.AuthMethod)), ci.Sessions, age)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEnvsCmd(opts *globalOptions) *cobra.Command {
	var (
		af      authFlags
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "envs <target>",
		Short: "List Python environments on a remote host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, cfg, err := opts.client()
			if err != nil {
				return err
			}
			id, _, err := connectTarget(cmd.Context(), c, args[0], af)
			if err != nil {
				return err
			}
			envs, err := c.Environments(cmd.Context(), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, envs)
			}
			fmt.Fprintf(out, "%-3s %-20s %-7s %-8s %-10s %s\n", "", "NAME", "TYPE", "PYTHON", cfg.Viewer.Package, "INTERPRETER")
			for _, e := range envs {
				mark := ""
				if e.IsDefault {
					mark = "*"
				}
				fmt.Fprintf(out, "%-3s %-20s %-7s %-8s %-10s %s\n", mark, e.Name, e.Kind, util.EmptyDash(e.PythonVersion), util.EmptyDash(e.PackageVersion), e.InterpreterPath)
			}
			return nil
		},
	}
	addAuthFlags(cmd, &af)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newLsCmd(opts *globalOptions) *cobra.Command {
	var (
		af      authFlags
		all     bool
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "ls <target> [path]",
		Short: "List a remote directory (default: the remote home)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			id, _, err := connectTarget(cmd.Context(), c, args[0], af)
			if err != nil {
				return err
			}
			dir := ""
			if len(args) == 2 {
				dir = args[1]
			}
			listing, err := c.ListDir(cmd.Context(), id, dir, all)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, listing)
			}
			fmt.Fprintln(out, listing.Path+":")
			for _, e := range listing.Entries {
				name := e.Name
				if e.IsDir {
					name += "/"
				}
				fmt.Fprintf(out, "  %-40s %10d  %s\n", name, e.Size, e.ModTime.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	addAuthFlags(cmd, &af)
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include hidden entries")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
