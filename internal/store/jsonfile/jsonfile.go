// Package jsonfile stores state as three small JSON documents in a
// directory: bot_status.json (tenant -> bool), banned.json and users.json
// (arrays of tenant ids). Every change rewrites the whole document through a
// temp file and rename while holding an advisory file lock, so several
// processes may share the directory.
package jsonfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"

	"github.com/loykin/botrunner/internal/store"
)

const (
	StatusFile = "bot_status.json"
	BannedFile = "banned.json"
	UsersFile  = "users.json"
	lockFile   = ".botrunner.lock"
)

type DB struct {
	dir  string
	mu   sync.Mutex // flock is per process; this serializes goroutines
	lock *flock.Flock
}

// New opens (and creates if needed) a store rooted at dir.
func New(dir string) (*DB, error) {
	if dir == "" {
		return nil, errors.New("empty json store dir")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &DB{dir: dir, lock: flock.New(filepath.Join(dir, lockFile))}, nil
}

func (d *DB) Dir() string { return d.dir }

func (d *DB) EnsureSchema(context.Context) error { return nil }

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lock.Close()
}

// withLock runs fn under the in-process mutex and the exclusive file lock.
func (d *DB) withLock(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", d.dir, err)
	}
	defer func() { _ = d.lock.Unlock() }()
	return fn()
}

// read decodes name into v. A missing or empty file leaves v untouched.
func (d *DB) read(name string, v any) error {
	b, err := os.ReadFile(filepath.Join(d.dir, name))
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(b) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (d *DB) write(name string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(d.dir, "."+name+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(d.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (d *DB) LoadDesired(ctx context.Context) (map[string]bool, error) {
	m := map[string]bool{}
	err := d.withLock(ctx, func() error { return d.read(StatusFile, &m) })
	return m, err
}

func (d *DB) SetDesired(ctx context.Context, tenant string, running bool) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	return d.withLock(ctx, func() error {
		m := map[string]bool{}
		if err := d.read(StatusFile, &m); err != nil {
			return err
		}
		m[tenant] = running
		return d.write(StatusFile, m)
	})
}

func (d *DB) IsBanned(ctx context.Context, tenant string) (bool, error) {
	var list []string
	if err := d.withLock(ctx, func() error { return d.read(BannedFile, &list) }); err != nil {
		return false, err
	}
	for _, t := range list {
		if t == tenant {
			return true, nil
		}
	}
	return false, nil
}

func (d *DB) Ban(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	return d.withLock(ctx, func() error { return d.addToSet(BannedFile, tenant) })
}

func (d *DB) Unban(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	return d.withLock(ctx, func() error {
		var list []string
		if err := d.read(BannedFile, &list); err != nil {
			return err
		}
		out := list[:0]
		for _, t := range list {
			if t != tenant {
				out = append(out, t)
			}
		}
		if len(out) == len(list) {
			return nil
		}
		return d.write(BannedFile, out)
	})
}

func (d *DB) ListBanned(ctx context.Context) ([]string, error) {
	return d.readSet(ctx, BannedFile)
}

func (d *DB) TouchTenant(ctx context.Context, tenant string) error {
	if err := store.CheckTenant(tenant); err != nil {
		return err
	}
	return d.withLock(ctx, func() error { return d.addToSet(UsersFile, tenant) })
}

func (d *DB) ListTenants(ctx context.Context) ([]string, error) {
	return d.readSet(ctx, UsersFile)
}

// addToSet appends tenant to the array document name unless present.
// Callers hold the lock.
func (d *DB) addToSet(name, tenant string) error {
	var list []string
	if err := d.read(name, &list); err != nil {
		return err
	}
	for _, t := range list {
		if t == tenant {
			return nil
		}
	}
	return d.write(name, append(list, tenant))
}

func (d *DB) readSet(ctx context.Context, name string) ([]string, error) {
	var list []string
	if err := d.withLock(ctx, func() error { return d.read(name, &list) }); err != nil {
		return nil, err
	}
	out := append([]string{}, list...)
	sort.Strings(out)
	return out, nil
}

var _ store.Store = (*DB)(nil)
