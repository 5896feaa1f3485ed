package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/comercium/deployctl/internal/maintenance"
)

var (
	maintainTask   string
	maintainDays   int
	maintainDryRun bool
	maintainDelete bool
)

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run or schedule data maintenance jobs",
	Long: `Maintain runs the housekeeping jobs the application used to carry as
management commands: expiring abandoned carts and repairing orders that were
left without items.`,
}

var maintainRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one maintenance pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := maintainOptions()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := app.openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		svc := maintenance.New(db, app.log)
		report := &maintenance.Report{DryRun: opts.DryRun}

		switch maintainTask {
		case "carts":
			report.StaleCarts, report.DeletedCarts, err = svc.CleanCarts(ctx,
				time.Duration(opts.CartDays)*24*time.Hour, opts.DryRun)
		case "orders":
			report.EmptyOrders, report.DeletedOrders, err = svc.FixEmptyOrders(ctx,
				opts.DeleteEmptyOrders, opts.DryRun)
		case "all":
			report, err = svc.Run(ctx, opts)
		default:
			return fmt.Errorf("unknown task %q (want carts, orders or all)", maintainTask)
		}
		if err != nil {
			return err
		}

		app.console.Success(report.String())
		return nil
	},
}

var maintainScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run maintenance on the configured cron schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := maintainOptions()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := app.openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		svc := maintenance.New(db, app.log)
		job := func() {
			// Each pass gets its own deadline so a wedged database cannot
			// hold the schedule hostage.
			jobCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			report, err := svc.Run(jobCtx, opts)
			if err != nil {
				app.log.Error("maintenance pass failed", "error", err.Error())
				return
			}
			app.console.Info(report.String())
		}

		sched, err := maintenance.NewScheduler(app.cfg.Maintenance.Schedule, job, app.log)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()

		app.console.Printf("maintenance scheduled (%s), press Ctrl+C to stop", app.cfg.Maintenance.Schedule)
		<-ctx.Done()
		return nil
	},
}

// maintainOptions merges deploy.yaml defaults with the command flags.
func maintainOptions() (maintenance.Options, error) {
	days := maintainDays
	if days == 0 {
		days = app.cfg.Maintenance.CartDays
	}
	if days < 1 {
		return maintenance.Options{}, fmt.Errorf("cart age must be at least 1 day, got %d", days)
	}
	return maintenance.Options{
		CartDays:          days,
		DeleteEmptyOrders: maintainDelete || app.cfg.Maintenance.DeleteEmptyOrders,
		DryRun:            maintainDryRun,
	}, nil
}

func init() {
	maintainCmd.PersistentFlags().StringVar(&maintainTask, "task", "all", "which job to run: carts, orders or all")
	maintainCmd.PersistentFlags().IntVar(&maintainDays, "days", 0, "expire carts untouched for this many days (default from deploy.yaml)")
	maintainCmd.PersistentFlags().BoolVar(&maintainDryRun, "dry-run", false, "report what would be removed without deleting")
	maintainCmd.PersistentFlags().BoolVar(&maintainDelete, "delete", false, "delete empty orders instead of only reporting them")

	maintainCmd.AddCommand(maintainRunCmd, maintainScheduleCmd)
}
