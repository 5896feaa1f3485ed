package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comercium/deployctl/internal/database"
	"github.com/comercium/deployctl/internal/metrics"
	"github.com/comercium/deployctl/pkg/logger"
	"github.com/comercium/deployctl/pkg/testutil"
)

func TestCleanCartsRemovesOnlyStale(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedCart(t, db, 45*24*time.Hour, 2)
	fresh := testutil.SeedCart(t, db, 2*24*time.Hour, 1)

	svc := New(db, logger.Nop())
	found, deleted, err := svc.CleanCarts(context.Background(), 30*24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Equal(t, 1, deleted)

	assert.Equal(t, 1, testutil.CountRows(t, db, "mercado_cart"))
	assert.Equal(t, 1, testutil.CountRows(t, db, "mercado_cartitem"), "stale cart's items go with it")

	var remaining int64
	require.NoError(t, db.Get(&remaining, "SELECT id FROM mercado_cart"))
	assert.Equal(t, fresh, remaining)
}

func TestCleanCartsDryRun(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedCart(t, db, 45*24*time.Hour, 2)

	svc := New(db, logger.Nop())
	found, deleted, err := svc.CleanCarts(context.Background(), 30*24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 1, testutil.CountRows(t, db, "mercado_cart"))
}

func TestCleanCartsNothingStale(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedCart(t, db, time.Hour, 0)

	svc := New(db, logger.Nop())
	found, deleted, err := svc.CleanCarts(context.Background(), 30*24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, 0, found)
	assert.Equal(t, 0, deleted)
}

func TestFixEmptyOrdersReportsWithoutDelete(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedOrder(t, db, 0, "", 0)       // empty, no payment
	testutil.SeedOrder(t, db, 50, "", 2)      // has items
	testutil.SeedOrder(t, db, 75, "pay_1", 0) // paid, items pending fulfilment

	svc := New(db, logger.Nop())
	found, deleted, err := svc.FixEmptyOrders(context.Background(), false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.Equal(t, 0, deleted)
	assert.Equal(t, 3, testutil.CountRows(t, db, "mercado_order"))
}

func TestFixEmptyOrdersDeletes(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedOrder(t, db, 0, "", 0)
	testutil.SeedOrder(t, db, 0, "", 0)
	keep := testutil.SeedOrder(t, db, 50, "", 2)

	svc := New(db, logger.Nop())
	found, deleted, err := svc.FixEmptyOrders(context.Background(), true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, found)
	assert.Equal(t, 2, deleted)

	var remaining int64
	require.NoError(t, db.Get(&remaining, "SELECT id FROM mercado_order"))
	assert.Equal(t, keep, remaining)
}

func TestRunProducesReport(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedCart(t, db, 60*24*time.Hour, 1)
	testutil.SeedOrder(t, db, 0, "", 0)

	svc := New(db, logger.Nop())
	report, err := svc.Run(context.Background(), Options{CartDays: 30, DeleteEmptyOrders: true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.StaleCarts)
	assert.Equal(t, 1, report.DeletedCarts)
	assert.Equal(t, 1, report.EmptyOrders)
	assert.Equal(t, 1, report.DeletedOrders)
	assert.False(t, report.DryRun)
	assert.Equal(t, "1/1 stale carts removed, 1/1 empty orders removed", report.String())
}

func TestRunRecordsRemovalMetrics(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedCart(t, db, 60*24*time.Hour, 1)
	testutil.SeedOrder(t, db, 0, "", 0)

	cartsBefore := removedCounter(t, "carts")
	ordersBefore := removedCounter(t, "orders")

	svc := New(db, logger.Nop())
	_, err := svc.Run(context.Background(), Options{CartDays: 30, DeleteEmptyOrders: true})
	require.NoError(t, err)

	assert.Equal(t, cartsBefore+1, removedCounter(t, "carts"))
	assert.Equal(t, ordersBefore+1, removedCounter(t, "orders"))
}

// removedCounter reads deployctl_maintenance_removed_total for one kind from
// the shared registry.
func removedCounter(t *testing.T, kind string) float64 {
	t.Helper()

	families, err := metrics.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "deployctl_maintenance_removed_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "kind" && l.GetValue() == kind {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRunDryRunTouchesNothing(t *testing.T) {
	db := testutil.OpenTestDB(t)
	testutil.SeedCart(t, db, 60*24*time.Hour, 1)
	testutil.SeedOrder(t, db, 0, "", 0)

	svc := New(db, logger.Nop())
	report, err := svc.Run(context.Background(), Options{CartDays: 30, DeleteEmptyOrders: true, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, "dry run: 1 stale carts, 1 empty orders", report.String())
	assert.Equal(t, 1, testutil.CountRows(t, db, "mercado_cart"))
	assert.Equal(t, 1, testutil.CountRows(t, db, "mercado_order"))
}

// newMockService wires the service to a sqlmock handle for error paths that
// a real SQLite database cannot produce on demand.
func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	db := &database.DB{DB: sqlx.NewDb(raw, "sqlmock")}
	return New(db, logger.Nop()), mock
}

func TestCleanCartsRollsBackWhenItemDeleteFails(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM mercado_cart WHERE updated_at < ?`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(2))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM mercado_cartitem WHERE cart_id IN (?, ?)`)).
		WillReturnError(fmt.Errorf("disk I/O error"))
	mock.ExpectRollback()

	_, _, err := svc.CleanCarts(context.Background(), 30*24*time.Hour, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete cart items")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanCartsRollsBackWhenCartDeleteFails(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM mercado_cart WHERE updated_at < ?`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM mercado_cartitem WHERE cart_id IN (?)`)).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM mercado_cart WHERE id IN (?)`)).
		WillReturnError(fmt.Errorf("database is locked"))
	mock.ExpectRollback()

	_, _, err := svc.CleanCarts(context.Background(), 30*24*time.Hour, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete carts")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFixEmptyOrdersQueryError(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery("SELECT o.id").WillReturnError(fmt.Errorf("no such table: mercado_order"))

	_, _, err := svc.FixEmptyOrders(context.Background(), true, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find empty orders")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewSchedulerRejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("not a cron spec", func() {}, logger.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse schedule")
}

func TestSchedulerRunsJob(t *testing.T) {
	var runs atomic.Int32
	s, err := NewScheduler("@every 50ms", func() { runs.Add(1) }, logger.Nop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Greater(t, runs.Load(), int32(0), "job should fire at least once")
}

func TestSchedulerRecoversPanickingJob(t *testing.T) {
	var runs atomic.Int32
	s, err := NewScheduler("@every 50ms", func() {
		if runs.Add(1) == 1 {
			panic("first pass exploded")
		}
	}, logger.Nop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(2), "schedule survives a panicking job")
}
