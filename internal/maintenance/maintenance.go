// Package maintenance implements the recurring housekeeping jobs that used
// to live in Django management commands: expiring abandoned carts and
// cleaning up orders that never got items or a payment attached.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/comercium/deployctl/internal/database"
	"github.com/comercium/deployctl/internal/metrics"
	"github.com/comercium/deployctl/pkg/logger"
)

// Options selects which jobs run and how destructive they are.
type Options struct {
	// CartDays expires carts untouched for this many days.
	CartDays int
	// DeleteEmptyOrders removes broken orders instead of only reporting them.
	DeleteEmptyOrders bool
	// DryRun reports what would be removed without touching anything.
	DryRun bool
}

// Report summarizes one maintenance pass.
type Report struct {
	StaleCarts    int
	DeletedCarts  int
	EmptyOrders   int
	DeletedOrders int
	DryRun        bool
}

func (r *Report) String() string {
	if r.DryRun {
		return fmt.Sprintf("dry run: %d stale carts, %d empty orders", r.StaleCarts, r.EmptyOrders)
	}
	return fmt.Sprintf("%d/%d stale carts removed, %d/%d empty orders removed",
		r.DeletedCarts, r.StaleCarts, r.DeletedOrders, r.EmptyOrders)
}

// Service runs maintenance jobs against the application database.
type Service struct {
	db  *database.DB
	log *logger.Logger
}

func New(db *database.DB, log *logger.Logger) *Service {
	return &Service{db: db, log: log.Component("maintenance")}
}

// Run executes a full maintenance pass.
func (s *Service) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}

	found, deleted, err := s.CleanCarts(ctx, time.Duration(opts.CartDays)*24*time.Hour, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("clean carts: %w", err)
	}
	report.StaleCarts, report.DeletedCarts = found, deleted

	found, deleted, err = s.FixEmptyOrders(ctx, opts.DeleteEmptyOrders, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("fix empty orders: %w", err)
	}
	report.EmptyOrders, report.DeletedOrders = found, deleted

	metrics.RecordMaintenance(report.DeletedCarts, report.DeletedOrders)
	s.log.Info("maintenance pass finished",
		"stale_carts", report.StaleCarts,
		"deleted_carts", report.DeletedCarts,
		"empty_orders", report.EmptyOrders,
		"deleted_orders", report.DeletedOrders,
		"dry_run", report.DryRun)
	return report, nil
}

// CleanCarts removes carts untouched for longer than olderThan, items first.
// Carts still referenced by an active session expire the same way; the shop
// recreates them on demand.
func (s *Service) CleanCarts(ctx context.Context, olderThan time.Duration, dryRun bool) (found, deleted int, err error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	var ids []int64
	err = s.db.SelectContext(ctx, &ids,
		s.db.Rebind(`SELECT id FROM mercado_cart WHERE updated_at < ?`), cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("find stale carts: %w", err)
	}
	if len(ids) == 0 || dryRun {
		return len(ids), 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return len(ids), 0, err
	}
	defer tx.Rollback()

	query, args, err := sqlx.In(`DELETE FROM mercado_cartitem WHERE cart_id IN (?)`, ids)
	if err != nil {
		return len(ids), 0, err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
		return len(ids), 0, fmt.Errorf("delete cart items: %w", err)
	}

	query, args, err = sqlx.In(`DELETE FROM mercado_cart WHERE id IN (?)`, ids)
	if err != nil {
		return len(ids), 0, err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return len(ids), 0, fmt.Errorf("delete carts: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return len(ids), 0, err
	}

	n, _ := res.RowsAffected()
	s.log.Info("stale carts removed", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	return len(ids), int(n), nil
}

// FixEmptyOrders finds orders with no items and no payment, the leftovers of
// interrupted checkouts. With del they are removed, otherwise only counted.
func (s *Service) FixEmptyOrders(ctx context.Context, del, dryRun bool) (found, deleted int, err error) {
	var ids []int64
	err = s.db.SelectContext(ctx, &ids, `
		SELECT o.id
		FROM mercado_order o
		LEFT JOIN mercado_orderitem i ON i.order_id = o.id
		WHERE i.id IS NULL AND o.payment_id IS NULL`)
	if err != nil {
		return 0, 0, fmt.Errorf("find empty orders: %w", err)
	}
	if len(ids) == 0 || dryRun || !del {
		if len(ids) > 0 && !del && !dryRun {
			s.log.Warn("empty orders found, pass --delete to remove them", "count", len(ids))
		}
		return len(ids), 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM mercado_order WHERE id IN (?)`, ids)
	if err != nil {
		return len(ids), 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return len(ids), 0, fmt.Errorf("delete empty orders: %w", err)
	}

	n, _ := res.RowsAffected()
	s.log.Info("empty orders removed", "count", n)
	return len(ids), int(n), nil
}
