package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comercium/deployctl/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the deploy status and trigger API",
	Long: `Serve exposes an HTTP API over the deploy pipeline: health and
readiness probes, the last run's result, an endpoint that triggers a deploy,
a websocket stream of stage progress, and Prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveAddr != "" {
			app.cfg.Server.Addr = serveAddr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(app.env, app.cfg, app.workDir, app.log, app.console)
		if err := srv.Run(ctx); err != nil {
			return err
		}

		// Give in-flight requests a grace period once the signal arrives.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from deploy.yaml)")
}
