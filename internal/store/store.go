// Package store persists the durable half of the supervisor's state: which
// tenants should be running, which are banned, and which have ever uploaded.
package store

import (
	"context"
	"errors"
)

var ErrEmptyTenant = errors.New("empty tenant id")

// DesiredState maps tenant -> "should be running".
type DesiredState interface {
	LoadDesired(ctx context.Context) (map[string]bool, error)
	SetDesired(ctx context.Context, tenant string, running bool) error
}

// BanList is the set of tenants barred from triggering new launches.
type BanList interface {
	IsBanned(ctx context.Context, tenant string) (bool, error)
	Ban(ctx context.Context, tenant string) error
	Unban(ctx context.Context, tenant string) error
	ListBanned(ctx context.Context) ([]string, error)
}

// Roster records every tenant that has uploaded at least once.
type Roster interface {
	TouchTenant(ctx context.Context, tenant string) error
	ListTenants(ctx context.Context) ([]string, error)
}

type Store interface {
	DesiredState
	BanList
	Roster
	EnsureSchema(ctx context.Context) error
	Close() error
}

// CheckTenant rejects empty ids; backends call it before writing.
func CheckTenant(tenant string) error {
	if tenant == "" {
		return ErrEmptyTenant
	}
	return nil
}
