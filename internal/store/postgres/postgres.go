package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/botrunner/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS desired_state(
			tenant TEXT PRIMARY KEY,
			running BOOLEAN NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS banned(
			tenant TEXT PRIMARY KEY,
			banned_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tenants(
			tenant TEXT PRIMARY KEY,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) LoadDesired(ctx context.Context) (map[string]bool, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT tenant, running FROM desired_state`)
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

func (p *DB) SetDesired(ctx context.Context, tenant string, running bool) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO desired_state(tenant, running, updated_at) VALUES($1, $2, $3)
		ON CONFLICT(tenant) DO UPDATE SET running=EXCLUDED.running, updated_at=EXCLUDED.updated_at`,
		tenant, running, time.Now().UTC())
	return err
}

func (p *DB) IsBanned(ctx context.Context, tenant string) (bool, error) {
	var banned bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM banned WHERE tenant = $1)`, tenant).Scan(&banned)
	return banned, err
}

func (p *DB) Ban(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO banned(tenant, banned_at) VALUES($1, $2) ON CONFLICT(tenant) DO NOTHING`,
		tenant, time.Now().UTC())
	return err
}

func (p *DB) Unban(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM banned WHERE tenant = $1`, tenant)
	return err
}

func (p *DB) ListBanned(ctx context.Context) ([]string, error) {
	return p.column(ctx, `SELECT tenant FROM banned ORDER BY tenant`)
}

func (p *DB) TouchTenant(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants(tenant, first_seen, last_seen) VALUES($1, $2, $2)
		ON CONFLICT(tenant) DO UPDATE SET last_seen=EXCLUDED.last_seen`,
		tenant, now)
	return err
}

func (p *DB) ListTenants(ctx context.Context) ([]string, error) {
	return p.column(ctx, `SELECT tenant FROM tenants ORDER BY tenant`)
}

func (p *DB) column(ctx context.Context, q string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, q)
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
