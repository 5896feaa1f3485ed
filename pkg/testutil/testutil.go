// Package testutil provides common testing utilities: a throwaway SQLite
// database shaped like the Comercium schema, and fixture helpers for the
// tables the bootstrapper touches.
package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/comercium/deployctl/internal/database"
)

// Schema statements mirror the Django-managed tables deployctl works with.
// Column sets match what the migrations create; only the columns the
// bootstrapper reads or writes are exercised, the rest carry defaults.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS auth_user (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		password VARCHAR(128) NOT NULL,
		last_login DATETIME,
		is_superuser BOOL NOT NULL,
		username VARCHAR(150) NOT NULL UNIQUE,
		first_name VARCHAR(150) NOT NULL,
		last_name VARCHAR(150) NOT NULL,
		email VARCHAR(254) NOT NULL,
		is_staff BOOL NOT NULL,
		is_active BOOL NOT NULL,
		date_joined DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS django_site (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain VARCHAR(100) NOT NULL UNIQUE,
		name VARCHAR(50) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS account_emailaddress (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email VARCHAR(254) NOT NULL,
		verified BOOL NOT NULL,
		"primary" BOOL NOT NULL,
		user_id INTEGER NOT NULL REFERENCES auth_user (id),
		UNIQUE (user_id, email)
	)`,
	`CREATE TABLE IF NOT EXISTS mercado_cart (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		user_id INTEGER REFERENCES auth_user (id)
	)`,
	`CREATE TABLE IF NOT EXISTS mercado_cartitem (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		quantity INTEGER NOT NULL,
		cart_id INTEGER NOT NULL REFERENCES mercado_cart (id),
		product_id INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mercado_order (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at DATETIME NOT NULL,
		total DECIMAL NOT NULL,
		payment_id VARCHAR(100),
		buyer_id INTEGER REFERENCES auth_user (id)
	)`,
	`CREATE TABLE IF NOT EXISTS mercado_orderitem (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		quantity INTEGER NOT NULL,
		price DECIMAL NOT NULL,
		order_id INTEGER NOT NULL REFERENCES mercado_order (id),
		product_id INTEGER NOT NULL
	)`,
}

// OpenTestDB creates a fresh SQLite database with the Comercium schema in a
// temporary directory and returns an open handle to it.
func OpenTestDB(t *testing.T) *database.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "comercium.db")
	target, err := database.Resolve("sqlite:///"+path, "", 5)
	if err != nil {
		t.Fatalf("resolve test database: %v", err)
	}

	db, err := database.Open(context.Background(), target)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	CreateSchema(t, db)
	return db
}

// CreateSchema applies the Comercium schema to an already open database.
func CreateSchema(t *testing.T, db *database.DB) {
	t.Helper()

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("create schema: %v\n%s", err, stmt)
		}
	}
}

// SeedCart inserts a cart with the given age and returns its id. items adds
// that many cart items.
func SeedCart(t *testing.T, db *database.DB, age time.Duration, items int) int64 {
	t.Helper()

	created := time.Now().UTC().Add(-age)
	res, err := db.Exec(db.Rebind(`INSERT INTO mercado_cart (created_at, updated_at, user_id) VALUES (?, ?, NULL)`),
		created, created)
	if err != nil {
		t.Fatalf("seed cart: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("cart id: %v", err)
	}

	for i := 0; i < items; i++ {
		if _, err := db.Exec(db.Rebind(`INSERT INTO mercado_cartitem (quantity, cart_id, product_id) VALUES (1, ?, ?)`), id, i+1); err != nil {
			t.Fatalf("seed cart item: %v", err)
		}
	}
	return id
}

// SeedOrder inserts an order and returns its id. items adds that many order
// items; total and paymentID land in the corresponding columns.
func SeedOrder(t *testing.T, db *database.DB, total float64, paymentID string, items int) int64 {
	t.Helper()

	var payment any
	if paymentID != "" {
		payment = paymentID
	}
	res, err := db.Exec(db.Rebind(`INSERT INTO mercado_order (created_at, total, payment_id, buyer_id) VALUES (?, ?, ?, NULL)`),
		time.Now().UTC(), total, payment)
	if err != nil {
		t.Fatalf("seed order: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("order id: %v", err)
	}

	for i := 0; i < items; i++ {
		if _, err := db.Exec(db.Rebind(`INSERT INTO mercado_orderitem (quantity, price, order_id, product_id) VALUES (1, ?, ?, ?)`), total, id, i+1); err != nil {
			t.Fatalf("seed order item: %v", err)
		}
	}
	return id
}

// CountRows returns the number of rows in a table.
func CountRows(t *testing.T, db *database.DB, table string) int {
	t.Helper()

	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM "+table); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
