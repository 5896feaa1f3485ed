package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comercium/deployctl/internal/cli"
	"github.com/comercium/deployctl/internal/config"
	"github.com/comercium/deployctl/internal/pipeline"
	"github.com/comercium/deployctl/internal/stages"
)

var (
	runProfile string
	runOnly    []string
	runSkip    []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the deploy pipeline",
	Long: `Run executes the deploy stages of a profile in order, stopping at the
first fatal failure. With no flags it runs the default profile, which is what
the Render build command invokes.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		profile := runProfile
		if profile == "" {
			profile = app.cfg.DefaultProfile
		}

		names, err := app.cfg.ResolveProfile(profile)
		if err != nil {
			return err
		}
		names, err = config.FilterStages(names, runOnly, runSkip)
		if err != nil {
			return err
		}
		steps, err := stages.ForNames(names)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rc := pipeline.NewRunContext(app.env, app.cfg, profile, app.workDir, app.log, app.console, nil)
		defer rc.Close()

		result, err := pipeline.NewRunner(steps).Run(ctx, rc)
		if err != nil {
			code := 1
			if result != nil {
				code = result.ExitCode
			}
			// The runner already reported the failure on the console; only
			// the exit code needs to travel up.
			return &cli.ExitError{Code: code, Message: err.Error()}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runProfile, "profile", "p", "", "deploy profile to run (default from deploy.yaml)")
	runCmd.Flags().StringSliceVar(&runOnly, "only", nil, "run only these stages of the profile")
	runCmd.Flags().StringSliceVar(&runSkip, "skip", nil, "skip these stages of the profile")
}
