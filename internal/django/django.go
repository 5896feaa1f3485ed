// Package django manipulates the Comercium application's own tables the way
// its management commands would: auth_user, django_site and allauth's
// account_emailaddress. All statements are written with ? placeholders and
// rebound for the active driver, so they run against both PostgreSQL and the
// SQLite development database.
package django

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/comercium/deployctl/internal/database"
)

// UserSpec describes an account to provision.
type UserSpec struct {
	Username  string
	Email     string
	Password  string
	Staff     bool
	Superuser bool
}

// EnsureUser creates the account if no user with the same username exists.
// Existing users are left untouched, matching the idempotent behavior of the
// provisioning management commands. Returns true when a row was inserted.
func EnsureUser(ctx context.Context, db *database.DB, spec UserSpec) (bool, error) {
	if spec.Username == "" {
		return false, fmt.Errorf("username is required")
	}
	if spec.Password == "" {
		return false, fmt.Errorf("password is required")
	}

	encoded, err := MakePassword(spec.Password)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}

	res, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO auth_user
			(password, last_login, is_superuser, username, first_name, last_name, email, is_staff, is_active, date_joined)
		VALUES (?, NULL, ?, ?, '', '', ?, ?, ?, ?)
		ON CONFLICT (username) DO NOTHING`),
		encoded, spec.Superuser, spec.Username, spec.Email, spec.Staff, true, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert auth_user %s: %w", spec.Username, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// UserID looks up an auth_user id by username.
func UserID(ctx context.Context, db *database.DB, username string) (int64, error) {
	var id int64
	err := db.GetContext(ctx, &id, db.Rebind(`SELECT id FROM auth_user WHERE username = ?`), username)
	if err != nil {
		return 0, fmt.Errorf("lookup user %s: %w", username, err)
	}
	return id, nil
}

// DeleteUser removes the account and its allauth email rows in one
// transaction. Returns false when no such user exists.
func DeleteUser(ctx context.Context, db *database.DB, username string) (bool, error) {
	var id int64
	err := db.GetContext(ctx, &id, db.Rebind(`SELECT id FROM auth_user WHERE username = ?`), username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup user %s: %w", username, err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete of %s: %w", username, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM account_emailaddress WHERE user_id = ?`), id); err != nil {
		return false, fmt.Errorf("delete email addresses of %s: %w", username, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM auth_user WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("delete user %s: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete of %s: %w", username, err)
	}
	return true, nil
}

// RecreateUser drops any existing account with the spec's username and
// provisions it fresh with a verified primary email, the way the test-user
// management command resets the development login.
func RecreateUser(ctx context.Context, db *database.DB, spec UserSpec) error {
	if _, err := DeleteUser(ctx, db, spec.Username); err != nil {
		return err
	}
	if _, err := EnsureUser(ctx, db, spec); err != nil {
		return err
	}
	id, err := UserID(ctx, db, spec.Username)
	if err != nil {
		return err
	}
	return EnsureEmailAddress(ctx, db, id, spec.Email)
}

// EnsureEmailAddress records a verified primary address in allauth's
// account_emailaddress table, so login by email works without a verification
// round trip. Existing rows are left untouched.
func EnsureEmailAddress(ctx context.Context, db *database.DB, userID int64, email string) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO account_emailaddress (email, verified, "primary", user_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		email, true, true, userID)
	if err != nil {
		return fmt.Errorf("insert account_emailaddress for user %d: %w", userID, err)
	}
	return nil
}

// EnsureSite upserts the django_site row the application serves under.
// SITE_ID is fixed to 1 in settings, so the row is addressed by primary key.
// Returns true when the row was created rather than updated.
func EnsureSite(ctx context.Context, db *database.DB, id int64, domain, name string) (bool, error) {
	var exists bool
	err := db.GetContext(ctx, &exists, db.Rebind(`SELECT EXISTS (SELECT 1 FROM django_site WHERE id = ?)`), id)
	if err != nil {
		return false, fmt.Errorf("check django_site %d: %w", id, err)
	}

	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO django_site (id, domain, name)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET domain = excluded.domain, name = excluded.name`),
		id, domain, name)
	if err != nil {
		return false, fmt.Errorf("upsert django_site %d: %w", id, err)
	}
	return !exists, nil
}

// Site reads the current django_site row.
func Site(ctx context.Context, db *database.DB, id int64) (domain, name string, err error) {
	row := db.QueryRowContext(ctx, db.Rebind(`SELECT domain, name FROM django_site WHERE id = ?`), id)
	if err := row.Scan(&domain, &name); err != nil {
		return "", "", fmt.Errorf("read django_site %d: %w", id, err)
	}
	return domain, name, nil
}
