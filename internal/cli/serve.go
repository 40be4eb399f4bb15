package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/app"
	"github.com/treykane/remote-viewer/internal/appconfig"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the session supervisor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.ListenAddr = addr
			}
			setupLogging(cfg.Log.Level)
			gin.SetMode(gin.ReleaseMode)

			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return api.NewServer(a).ListenAndServe(gctx) })
			g.Go(func() error { return a.Run(gctx) })
			runErr := g.Wait()

			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			a.Close(closeCtx)
			return runErr
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (default: listen_addr from config.yaml)")
	return cmd
}
