package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/botrunner/internal/process"
)

var pidSeq atomic.Int64

type fakeHandle struct {
	tenant  string
	pid     int
	started time.Time
	adopted bool
	done    chan struct{}
	once    sync.Once
	exit    process.Exit
	hold    chan struct{} // Stop blocks until closed when set
}

func newFakeHandle(tenant string) *fakeHandle {
	return &fakeHandle{
		tenant:  tenant,
		pid:     int(pidSeq.Add(1)) + 1000,
		started: time.Now(),
		done:    make(chan struct{}),
	}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) StartedAt() time.Time  { return h.started }
func (h *fakeHandle) Adopted() bool         { return h.adopted }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Exit() process.Exit    { return h.exit }

func (h *fakeHandle) Stop(time.Duration) error {
	if h.hold != nil {
		<-h.hold
	}
	h.finish(process.Exit{Code: -1, Signal: "terminated"})
	return nil
}

func (h *fakeHandle) exitWith(code int) { h.finish(process.Exit{Code: code}) }

func (h *fakeHandle) finish(e process.Exit) {
	h.once.Do(func() {
		h.exit = e
		close(h.done)
	})
}

func (h *fakeHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

type fakeLauncher struct {
	mu      sync.Mutex
	spawned []*fakeHandle
	orphans map[string]*fakeHandle
	err     error
}

func (l *fakeLauncher) Launch(spec process.Spec) (process.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := newFakeHandle(spec.Tenant)
	l.spawned = append(l.spawned, h)
	return h, nil
}

func (l *fakeLauncher) Adopt(_ context.Context, spec process.Spec) (process.Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.orphans[spec.Tenant]
	if !ok || h.exited() {
		return nil, false
	}
	delete(l.orphans, spec.Tenant)
	return h, true
}

func (l *fakeLauncher) spawns(tenant string) []*fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*fakeHandle
	for _, h := range l.spawned {
		if h.tenant == tenant {
			out = append(out, h)
		}
	}
	return out
}

func (l *fakeLauncher) last(tenant string) *fakeHandle {
	hs := l.spawns(tenant)
	if len(hs) == 0 {
		return nil
	}
	return hs[len(hs)-1]
}

func (l *fakeLauncher) live(tenant string) int {
	n := 0
	for _, h := range l.spawns(tenant) {
		if !h.exited() {
			n++
		}
	}
	return n
}

func (l *fakeLauncher) tenants() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, h := range l.spawned {
		out = append(out, h.tenant)
	}
	return out
}

type fakeWorkspace struct {
	mu      sync.Mutex
	missing map[string]bool
}

func (w *fakeWorkspace) EntryPoint(tenant string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return "/srv/userbot/" + tenant + "/bot.js", !w.missing[tenant]
}

func (w *fakeWorkspace) Spec(tenant string) process.Spec {
	return process.Spec{Tenant: tenant, Command: "node bot.js"}
}

func (w *fakeWorkspace) remove(tenant string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.missing == nil {
		w.missing = map[string]bool{}
	}
	w.missing[tenant] = true
}

var errStoreDown = errors.New("store down")

type memStore struct {
	mu      sync.Mutex
	desired map[string]bool
	fail    bool
	writes  int
	log     map[string][]bool // every successful write, in order
}

func newMemStore(seed map[string]bool) *memStore {
	m := &memStore{desired: map[string]bool{}, log: map[string][]bool{}}
	for k, v := range seed {
		m.desired[k] = v
	}
	return m
}

func (m *memStore) LoadDesired(context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errStoreDown
	}
	out := make(map[string]bool, len(m.desired))
	for k, v := range m.desired {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) SetDesired(_ context.Context, tenant string, v bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errStoreDown
	}
	m.writes++
	m.desired[tenant] = v
	m.log[tenant] = append(m.log[tenant], v)
	return nil
}

func (m *memStore) history(tenant string) []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.log[tenant]...)
}

func (m *memStore) get(tenant string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.desired[tenant]
	return v, ok
}

func (m *memStore) setFail(v bool) {
	m.mu.Lock()
	m.fail = v
	m.mu.Unlock()
}
