package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/comercium/deployctl/internal/django"
)

var (
	testUserName     string
	testUserEmail    string
	testUserPassword string
)

var createTestUserCmd = &cobra.Command{
	Use:   "create-test-user",
	Short: "Recreate the development test account",
	Long: `Create-test-user drops and recreates the development login, including
the verified allauth email row, so logging in by email works without a
verification round trip. Never run this against production.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if app.env.Production() {
			return fmt.Errorf("refusing to create a test user on a production deployment")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := app.openDatabase(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		spec := django.UserSpec{
			Username: testUserName,
			Email:    testUserEmail,
			Password: testUserPassword,
		}
		if err := django.RecreateUser(ctx, db, spec); err != nil {
			return err
		}

		app.console.Success(fmt.Sprintf("test user ready: %s / %s (login at /accounts/login/)", spec.Username, spec.Email))
		return nil
	},
}

func init() {
	createTestUserCmd.Flags().StringVar(&testUserName, "username", "testuser", "account username")
	createTestUserCmd.Flags().StringVar(&testUserEmail, "email", "test@example.com", "account email, recorded verified")
	createTestUserCmd.Flags().StringVar(&testUserPassword, "password", "test123", "account password")
}
