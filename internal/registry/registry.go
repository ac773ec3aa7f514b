// Package registry tracks which tenant processes this server instance owns.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loykin/botrunner/internal/process"
)

// Entry is the registry's view of one live tenant process.
type Entry struct {
	Tenant       string
	Handle       process.Handle
	RegisteredAt time.Time
	Stopping     bool
}

// Registry maps tenant -> live handle. Writers are expected to hold the
// owning tenant's lock; the map itself is safe for concurrent readers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{entries: make(map[string]*Entry), log: log}
}

func (r *Registry) Has(tenant string) bool {
	r.mu.RLock()
	_, ok := r.entries[tenant]
	r.mu.RUnlock()
	return ok
}

// Register inserts h for tenant. An existing entry is left untouched and the
// call reports false.
func (r *Registry) Register(tenant string, h process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[tenant]; ok {
		r.log.Warn("registry entry exists, not replacing", "tenant", tenant, "pid", cur.Handle.PID(), "new_pid", h.PID())
		return false
	}
	r.entries[tenant] = &Entry{Tenant: tenant, Handle: h, RegisteredAt: time.Now()}
	return true
}

// Unregister removes tenant only while its entry still refers to h. A
// notification for an older handle therefore never drops a newer one.
func (r *Registry) Unregister(tenant string, h process.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[tenant]
	if !ok || cur.Handle != h {
		return false
	}
	delete(r.entries, tenant)
	return true
}

// Get returns a copy of the entry for tenant.
func (r *Registry) Get(tenant string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tenant]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MarkStopping flags the entry so that its exit is treated as an explicit stop.
func (r *Registry) MarkStopping(tenant string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[tenant]
	if ok {
		e.Stopping = true
	}
	return ok
}

// Tenants lists registered tenants in sorted order.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
