// Package registry is the SQLite persistence layer for licences, whitelist
// entries, the processed-order ledger and whitelist usage.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DBFileName is the database file created inside the data directory.
const DBFileName = "appgrant.db"

// Registry provides access to all appgrant tables in one SQLite database.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry database in dir.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		id                     TEXT PRIMARY KEY,
		product_id             TEXT NOT NULL,
		app_id                 TEXT NOT NULL DEFAULT '',
		account_id             TEXT NOT NULL DEFAULT '',
		site_id                TEXT NOT NULL DEFAULT '',
		order_id               TEXT NOT NULL DEFAULT '',
		email                  TEXT NOT NULL DEFAULT '',
		cycle_length           INTEGER NOT NULL,
		cycle_unit             TEXT NOT NULL,
		cycle_price_cents      INTEGER NOT NULL DEFAULT 0,
		prepaid_cycles         INTEGER NOT NULL DEFAULT 1,
		paid_cents             INTEGER NOT NULL DEFAULT 0,
		expiry                 INTEGER NOT NULL,
		grace_until            INTEGER NOT NULL,
		status                 TEXT NOT NULL,
		token                  BLOB,
		renewal_count          INTEGER NOT NULL DEFAULT 0,
		last_renewal_order_id  TEXT NOT NULL DEFAULT '',
		renewal_order_ids      TEXT NOT NULL DEFAULT '[]',
		last_notice_at         INTEGER,
		revoke_attempts        INTEGER NOT NULL DEFAULT 0,
		last_revoke_attempt_at INTEGER,
		revoke_confirmed       INTEGER NOT NULL DEFAULT 0,
		last_revoke_error      TEXT NOT NULL DEFAULT '',
		version                INTEGER NOT NULL DEFAULT 1,
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL,
		CHECK (grace_until >= expiry)
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_tuple ON licenses(product_id, account_id, site_id);
	CREATE INDEX IF NOT EXISTS idx_licenses_expiry ON licenses(expiry);
	CREATE INDEX IF NOT EXISTS idx_licenses_grace_until ON licenses(grace_until);
	CREATE INDEX IF NOT EXISTS idx_licenses_status ON licenses(status);

	CREATE TABLE IF NOT EXISTS whitelist_entries (
		id                 TEXT PRIMARY KEY,
		whitelist_type     TEXT NOT NULL,
		user_id            TEXT NOT NULL,
		site_id            TEXT NOT NULL DEFAULT '',
		email              TEXT NOT NULL DEFAULT '',
		customer_name      TEXT NOT NULL DEFAULT '',
		linked_order_id    TEXT NOT NULL DEFAULT '',
		expiry_date        INTEGER,
		notes              TEXT NOT NULL DEFAULT '',
		expiring_notice_at INTEGER,
		expired_notice_at  INTEGER,
		created_at         INTEGER NOT NULL,
		updated_at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_whitelist_lookup ON whitelist_entries(whitelist_type, user_id, site_id);
	CREATE INDEX IF NOT EXISTS idx_whitelist_expiry ON whitelist_entries(expiry_date);
	CREATE INDEX IF NOT EXISTS idx_whitelist_linked_order ON whitelist_entries(linked_order_id);

	CREATE TABLE IF NOT EXISTS processed_orders (
		order_id     TEXT PRIMARY KEY,
		outcome      TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_whitelist_orders (
		order_id      TEXT PRIMARY KEY,
		email         TEXT NOT NULL DEFAULT '',
		customer_name TEXT NOT NULL DEFAULT '',
		site_id       TEXT NOT NULL DEFAULT '',
		expiry        INTEGER,
		created_at    INTEGER NOT NULL,
		resolved_at   INTEGER
	);

	CREATE TABLE IF NOT EXISTS whitelist_usage (
		id          TEXT PRIMARY KEY,
		entry_id    TEXT NOT NULL,
		entry_type  TEXT NOT NULL DEFAULT '',
		user_id     TEXT NOT NULL DEFAULT '',
		site_id     TEXT NOT NULL DEFAULT '',
		product_id  TEXT NOT NULL DEFAULT '',
		app_id      TEXT NOT NULL DEFAULT '',
		action      TEXT NOT NULL DEFAULT 'install',
		ip          TEXT NOT NULL DEFAULT '',
		user_agent  TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_whitelist_usage_entry ON whitelist_usage(entry_id);
	CREATE INDEX IF NOT EXISTS idx_whitelist_usage_user ON whitelist_usage(user_id);
	CREATE INDEX IF NOT EXISTS idx_whitelist_usage_created ON whitelist_usage(created_at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (r *Registry) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
