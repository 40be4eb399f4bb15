package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/util"
)

func newViewerCmd(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{Use: "viewer", Short: "Start, stop and inspect remote viewers"}
	root.AddCommand(
		newViewerStartCmd(opts),
		newViewerStopCmd(opts),
		newViewerStatusCmd(opts),
		newViewerListCmd(opts),
		newViewerTunnelsCmd(opts),
		newViewerEventsCmd(),
	)
	return root
}

func newViewerStartCmd(opts *globalOptions) *cobra.Command {
	var (
		af         authFlags
		root       string
		env        string
		localPort  int
		remotePort int
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "start <target>",
		Short: "Launch a viewer on the remote host and forward it to a local port",
		Long: "Target is a saved profile name, an alias from ~/.ssh/config or user@host:port.\n" +
			"A profile supplies the remote root, environment and local port unless overridden.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			t, prof, err := resolveTarget(args[0])
			if err != nil {
				return err
			}
			if prof != nil {
				root = util.DefaultString(root, prof.RemoteRoot)
				env = util.DefaultString(env, prof.Environment)
				if localPort == 0 {
					localPort = prof.LocalPort
				}
			}
			auth, err := af.auth(t)
			if err != nil {
				return err
			}
			req := api.StartViewerRequest{
				Host:        t.Identity.Host,
				Port:        t.Identity.Port,
				Username:    t.Identity.Username,
				RemoteRoot:  root,
				Environment: env,
				LocalPort:   localPort,
				RemotePort:  remotePort,
				Credentials: api.CredentialsFrom(auth),
			}
			var s model.ViewerSession
			err = withHostKeyConfirmation(cmd.Context(), c, af.acceptKey, func() error {
				var serr error
				s, serr = c.StartViewer(cmd.Context(), req)
				return serr
			})
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), s)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "viewer %s running at %s (remote pid %d, port %d)\n", s.ID, s.URL, s.RemotePID, s.RemotePort)
			return nil
		},
	}
	addAuthFlags(cmd, &af)
	cmd.Flags().StringVar(&root, "root", "", "remote storage root served by the viewer")
	cmd.Flags().StringVar(&env, "env", "", "environment name or absolute interpreter path (default: probed)")
	cmd.Flags().IntVar(&localPort, "local-port", 0, "local port (default: free port)")
	cmd.Flags().IntVar(&remotePort, "remote-port", 0, "remote port (default: free port on the host)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newViewerStopCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop a viewer and close its tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			if err := c.StopViewer(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %s\n", args[0])
			return nil
		},
	}
}

func newViewerStatusCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show one viewer session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			s, err := c.ViewerStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, s)
			}
			fmt.Fprintf(out, "Session:     %s\n", s.ID)
			fmt.Fprintf(out, "Status:      %s\n", s.Status)
			fmt.Fprintf(out, "Connection:  %s@%s:%d\n", s.Username, s.Host, s.SSHPort)
			fmt.Fprintf(out, "URL:         %s\n", util.EmptyDash(s.URL))
			fmt.Fprintf(out, "Root:        %s\n", s.RemoteRoot)
			fmt.Fprintf(out, "Interpreter: %s\n", util.EmptyDash(s.Interpreter))
			fmt.Fprintf(out, "Remote:      pid %d port %d\n", s.RemotePID, s.RemotePort)
			fmt.Fprintf(out, "Uptime:      %s\n", time.Duration(s.UptimeSeconds)*time.Second)
			if s.RemoteLogPath != "" {
				fmt.Fprintf(out, "Remote log:  %s\n", s.RemoteLogPath)
			}
			if s.LastError != "" {
				fmt.Fprintf(out, "Last error:  %s\n", s.LastError)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newViewerListCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List viewer sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			sessions, err := c.ViewerSessions(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), sessions)
			}
			writeSessionTable(cmd.OutOrStdout(), sessions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newViewerTunnelsCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "tunnels",
		Short: "List the local forwards behind viewer sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := opts.client()
			if err != nil {
				return err
			}
			tunnels, err := c.ViewerTunnels(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				if tunnels == nil {
					tunnels = []model.TunnelRuntime{}
				}
				return printJSON(cmd.OutOrStdout(), tunnels)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-28s %-22s %-22s %-10s %-8s %s\n", "CONNECTION", "LOCAL", "REMOTE", "STATE", "UPTIME", "LATENCY")
			for _, t := range tunnels {
				uptime := (time.Duration(t.UptimeSec) * time.Second).String()
				latency := "-"
				if t.State == model.TunnelUp {
					latency = fmt.Sprintf("%dms", t.LatencyMS)
				}
				fmt.Fprintf(w, "%-28s %-22s %-22s %-10s %-8s %s\n", util.Truncate(t.ConnectionKey, 28), t.Local, t.Remote, t.State, uptime, latency)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func writeSessionTable(w io.Writer, sessions []model.ViewerSession) {
	fmt.Fprintf(w, "%-38s %-28s %-10s %-24s %-8s %s\n", "SESSION", "CONNECTION", "STATUS", "URL", "UPTIME", "ROOT")
	for _, s := range sessions {
		conn := fmt.Sprintf("%s@%s:%d", s.Username, s.Host, s.SSHPort)
		uptime := (time.Duration(s.UptimeSeconds) * time.Second).String()
		fmt.Fprintf(w, "%-38s %-28s %-10s %-24s %-8s %s\n", s.ID, util.Truncate(conn, 28), s.Status, util.EmptyDash(s.URL), uptime, s.RemoteRoot)
	}
}

// newViewerEventsCmd reads the local journal directly so history is
// available while the server is down.
func newViewerEventsCmd() *cobra.Command {
	var (
		q       events.Query
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show viewer lifecycle events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := events.NewStore().Read(q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if evts == nil {
					evts = []events.Event{}
				}
				return printJSON(out, evts)
			}
			fmt.Fprintf(out, "%-20s %-18s %-38s %-10s %s\n", "TIME", "EVENT", "SESSION", "STATUS", "MESSAGE")
			for _, e := range evts {
				fmt.Fprintf(out, "%-20s %-18s %-38s %-10s %s\n", e.Timestamp.Local().Format(time.DateTime), e.EventType, util.EmptyDash(e.SessionID), util.EmptyDash(string(e.Status)), e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&q.SessionID, "session", "", "filter by session id")
	cmd.Flags().StringVar(&q.Connection, "connection", "", "filter by connection (user@host:port)")
	cmd.Flags().StringVar(&q.EventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&q.Limit, "limit", 50, "show at most this many recent events (0 = all)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this duration")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}
