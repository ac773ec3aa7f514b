package factory

import (
	"errors"
	"strings"

	"github.com/loykin/botrunner/internal/store"
	js "github.com/loykin/botrunner/internal/store/jsonfile"
	pg "github.com/loykin/botrunner/internal/store/postgres"
	sq "github.com/loykin/botrunner/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - json:     "json://<dir>" (bot_status.json, banned.json, users.json)
//   - sqlite:   "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	switch {
	case strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "json://"):
		return js.New(d[len("json://"):])
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	}
	return sq.New(d)
}
