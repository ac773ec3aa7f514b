package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loykin/botrunner/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.
type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY between our own writers.
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS desired_state(
			tenant TEXT PRIMARY KEY,
			running BOOLEAN NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS banned(
			tenant TEXT PRIMARY KEY,
			banned_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tenants(
			tenant TEXT PRIMARY KEY,
			first_seen TIMESTAMP NOT NULL,
			last_seen TIMESTAMP NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) LoadDesired(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant, running FROM desired_state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[string]bool{}
	for rows.Next() {
		var t string
		var running bool
		if err := rows.Scan(&t, &running); err != nil {
			return nil, err
		}
		out[t] = running
	}
	return out, rows.Err()
}

func (s *DB) SetDesired(ctx context.Context, tenant string, running bool) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO desired_state(tenant, running, updated_at) VALUES(?, ?, ?)
		ON CONFLICT(tenant) DO UPDATE SET running=excluded.running, updated_at=excluded.updated_at;`,
		tenant, running, time.Now().UTC())
	return err
}

func (s *DB) IsBanned(ctx context.Context, tenant string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM banned WHERE tenant = ?`, tenant).Scan(&n)
	return n > 0, err
}

func (s *DB) Ban(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO banned(tenant, banned_at) VALUES(?, ?) ON CONFLICT(tenant) DO NOTHING;`,
		tenant, time.Now().UTC())
	return err
}

func (s *DB) Unban(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM banned WHERE tenant = ?`, tenant)
	return err
}

func (s *DB) ListBanned(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT tenant FROM banned ORDER BY tenant`)
}

func (s *DB) TouchTenant(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants(tenant, first_seen, last_seen) VALUES(?, ?, ?)
		ON CONFLICT(tenant) DO UPDATE SET last_seen=excluded.last_seen;`,
		tenant, now, now)
	return err
}

func (s *DB) ListTenants(ctx context.Context) ([]string, error) {
	return s.column(ctx, `SELECT tenant FROM tenants ORDER BY tenant`)
}

func (s *DB) column(ctx context.Context, q string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

var _ store.Store = (*DB)(nil)
