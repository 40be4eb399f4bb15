package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/history"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/sshconfig"
	"github.com/treykane/remote-viewer/internal/util"
)

func newProfilesCmd() *cobra.Command {
	root := &cobra.Command{Use: "profiles", Short: "Manage saved connection profiles"}

	var (
		jsonOut bool
		recent  bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List saved profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, err := profiles.LoadAll()
			if err != nil {
				return err
			}
			if recent {
				lastUsed, err := history.LastUsed()
				if err != nil {
					return err
				}
				all = history.SortRecent(all, func(p profiles.Profile) string { return p.Identity().Key() }, lastUsed)
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, all)
			}
			fmt.Fprintf(out, "%-16s %-28s %-24s %-16s %-6s\n", "NAME", "CONNECTION", "ROOT", "ENV", "LOCAL")
			for _, p := range all {
				local := "-"
				if p.LocalPort > 0 {
					local = fmt.Sprint(p.LocalPort)
				}
				fmt.Fprintf(out, "%-16s %-28s %-24s %-16s %-6s\n", p.Name, p.Identity().Key(), util.EmptyDash(p.RemoteRoot), util.EmptyDash(p.Environment), local)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	list.Flags().BoolVar(&recent, "recent", false, "most recently used first")

	var (
		p         profiles.Profile
		sshConfig bool
	)
	save := &cobra.Command{
		Use:   "save <name> <target>",
		Short: "Save or replace a profile",
		Long:  "Target is an alias from ~/.ssh/config or user@host:port. Secrets are never stored.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _, err := resolveTarget(args[1])
			if err != nil {
				return err
			}
			p.Name = args[0]
			p.Host, p.Port, p.Username = t.Identity.Host, t.Identity.Port, t.Identity.Username
			if p.PrivateKeyPath == "" && !p.UseAgent {
				p.PrivateKeyPath = t.IdentityFile
			}
			var path string
			if sshConfig {
				if path, err = sshconfig.DefaultPath(); err != nil {
					return err
				}
				if err := sshconfig.ValidateAlias(path, p.Name); err != nil {
					return faults.Wrap(faults.Conflict, "export profile", err)
				}
			}
			if err := profiles.Save(p); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved profile %s (%s)\n", p.Name, p.Identity().Key())
			if !sshConfig {
				return nil
			}
			id := p.Identity().Normalize()
			h := sshconfig.Host{Alias: p.Name, HostName: id.Host, User: id.Username, Port: id.Port, IdentityFile: p.PrivateKeyPath}
			if err := sshconfig.AppendHost(path, h); err != nil {
				return faults.Wrap(faults.Conflict, "export profile", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added Host %s to %s\n", p.Name, path)
			return nil
		},
	}
	save.Flags().StringVarP(&p.PrivateKeyPath, "identity", "i", "", "private key file")
	save.Flags().BoolVar(&p.UseAgent, "agent", false, "authenticate with ssh-agent")
	save.Flags().StringVar(&p.RemoteRoot, "root", "", "default remote storage root")
	save.Flags().StringVar(&p.Environment, "env", "", "default environment name or interpreter path")
	save.Flags().IntVar(&p.LocalPort, "local-port", 0, "preferred local port")
	save.Flags().BoolVar(&sshConfig, "ssh-config", false, "also add a Host entry for the profile to ~/.ssh/config")

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := profiles.Delete(args[0]); err != nil {
				if faults.Is(err, faults.NotFound) {
					return fmt.Errorf("no profile named %q", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted profile %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(list, save, del)
	return root
}
