package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comercium/deployctl/internal/cli"
	"github.com/comercium/deployctl/internal/doctor"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the deployment environment",
	Long: `Doctor inspects everything a deploy depends on: required environment
variables, database connectivity, Cloudinary, OAuth and payment credentials,
the dependency manifest and the static directories. Secrets are masked in the
report. The exit code is non-zero when a required check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		checks := doctor.New(app.env, app.cfg, app.workDir, app.log).Run(ctx)
		doctor.Render(app.console, checks)

		if doctor.Failed(checks) {
			return &cli.ExitError{Code: 1, Message: "environment checks failed"}
		}
		return nil
	},
}
