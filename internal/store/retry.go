package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds how hard Retrying tries before giving up.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"` // total tries, default 3
	Initial  time.Duration `mapstructure:"initial"`  // first delay, default 50ms
	Max      time.Duration `mapstructure:"max"`      // delay cap, default 2s
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Initial <= 0 {
		c.Initial = 50 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 2 * time.Second
	}
	return c
}

// Retrying wraps a Store and retries failed operations with exponential
// backoff. Context cancellation stops retrying.
type Retrying struct {
	Store
	cfg RetryConfig
	log *slog.Logger
}

func NewRetrying(s Store, cfg RetryConfig, log *slog.Logger) *Retrying {
	if log == nil {
		log = slog.Default()
	}
	return &Retrying{Store: s, cfg: cfg.withDefaults(), log: log}
}

// Unwrap returns the underlying store.
func (r *Retrying) Unwrap() Store { return r.Store }

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.Initial
	b.MaxInterval = r.cfg.Max
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.Attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := fn()
		if errors.Is(err, ErrEmptyTenant) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, d time.Duration) {
		r.log.Warn("store operation failed, retrying", "op", op, "error", err, "delay", d)
	})
}

func (r *Retrying) LoadDesired(ctx context.Context) (map[string]bool, error) {
	var out map[string]bool
	err := r.do(ctx, "load_desired", func() error {
		var err error
		out, err = r.Store.LoadDesired(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) SetDesired(ctx context.Context, tenant string, running bool) error {
	return r.do(ctx, "set_desired", func() error { return r.Store.SetDesired(ctx, tenant, running) })
}

func (r *Retrying) IsBanned(ctx context.Context, tenant string) (bool, error) {
	var banned bool
	err := r.do(ctx, "is_banned", func() error {
		var err error
		banned, err = r.Store.IsBanned(ctx, tenant)
		return err
	})
	return banned, err
}

func (r *Retrying) Ban(ctx context.Context, tenant string) error {
	return r.do(ctx, "ban", func() error { return r.Store.Ban(ctx, tenant) })
}

func (r *Retrying) Unban(ctx context.Context, tenant string) error {
	return r.do(ctx, "unban", func() error { return r.Store.Unban(ctx, tenant) })
}

func (r *Retrying) ListBanned(ctx context.Context) ([]string, error) {
	var out []string
	err := r.do(ctx, "list_banned", func() error {
		var err error
		out, err = r.Store.ListBanned(ctx)
		return err
	})
	return out, err
}

func (r *Retrying) TouchTenant(ctx context.Context, tenant string) error {
	return r.do(ctx, "touch_tenant", func() error { return r.Store.TouchTenant(ctx, tenant) })
}

func (r *Retrying) ListTenants(ctx context.Context) ([]string, error) {
	var out []string
	err := r.do(ctx, "list_tenants", func() error {
		var err error
		out, err = r.Store.ListTenants(ctx)
		return err
	})
	return out, err
}
