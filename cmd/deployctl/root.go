package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/comercium/deployctl/internal/cli"
	"github.com/comercium/deployctl/internal/config"
	"github.com/comercium/deployctl/internal/database"
	"github.com/comercium/deployctl/pkg/logger"
)

var (
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string
	noColor   bool

	// app holds the wired shared dependencies; populated by PersistentPreRunE.
	app *appContext
)

// appContext bundles what every subcommand needs: the decoded environment,
// the deploy.yaml configuration, logging and console output.
type appContext struct {
	env     *config.Env
	cfg     *config.Config
	log     *logger.Logger
	console *cli.Console
	workDir string
}

var rootCmd = &cobra.Command{
	Use:   "deployctl",
	Short: "Deployment bootstrapper and ops toolkit for the Comercium marketplace",
	Long: `deployctl prepares a Comercium deployment the way the release scripts
used to: cleaning caches, installing Python dependencies, migrating the
database, provisioning the site and superuser, and collecting static assets.
One script per variant becomes one pipeline with named profiles.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to deploy.yaml (default ./deploy.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "load this .env file before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if !needsApp(cmd) {
			return nil
		}
		var err error
		app, err = buildAppContext()
		return err
	}

	rootCmd.AddCommand(runCmd, serveCmd, maintainCmd, doctorCmd, createTestUserCmd, versionCmd)
}

// needsApp reports whether a command requires the wired app context. version
// and the cobra-generated helpers must keep working in a broken environment.
func needsApp(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "help", cobra.ShellCompRequestCmd, cobra.ShellCompNoDescRequestCmd:
		return false
	}
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "completion" {
			return false
		}
	}
	return true
}

func buildAppContext() (*appContext, error) {
	var (
		env *config.Env
		err error
	)
	if envFile != "" {
		env, err = config.LoadEnvFile(envFile)
	} else {
		env, err = config.LoadEnv()
	}
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	// Flags win over environment values.
	level := env.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	format := env.LogFormat
	if logFormat != "" {
		format = logFormat
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("determine working directory: %w", err)
	}

	return &appContext{
		env: env,
		cfg: cfg,
		log: logger.New(logger.Options{
			Level:     level,
			Format:    format,
			FilePath:  env.LogFile,
			Component: "deployctl",
		}),
		console: cli.NewColorConsole(os.Stdout, !noColor),
		workDir: workDir,
	}, nil
}

// openDatabase connects to the application database for the one-shot
// commands that talk to it directly.
func (a *appContext) openDatabase(ctx context.Context) (*database.DB, error) {
	target, err := database.Resolve(a.env.DatabaseURL, a.env.SQLitePath, a.env.SQLiteTimeout)
	if err != nil {
		return nil, err
	}
	target = target.RebaseSQLite(a.workDir)
	return database.Open(ctx, target)
}

// Execute runs the root command and exits with the failing command's code.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	// ExitError means the command already reported the failure on the
	// console; only the code matters here.
	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
