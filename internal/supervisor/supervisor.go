// Package supervisor keeps one detached child per tenant alive. It owns the
// process registry and the desired-state record and serializes every
// launch, exit and stop of a tenant behind that tenant's lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/botrunner/internal/history"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
	"github.com/loykin/botrunner/internal/registry"
	"github.com/loykin/botrunner/internal/store"
)

var (
	ErrUnknownTenant = errors.New("unknown tenant")
	ErrNotRunning    = errors.New("tenant not running")
	ErrCrashLoop     = errors.New("tenant is crash looping")
	ErrShutdown      = errors.New("supervisor is shut down")
)

// Outcome of a launch request.
type Outcome int

const (
	OutcomeStarted Outcome = iota + 1
	OutcomeAdopted
	OutcomeAlreadyRunning
	OutcomeNothingToRun
	// OutcomeStopping means a Stop is terminating the live process.
	OutcomeStopping
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "started"
	case OutcomeAdopted:
		return "adopted"
	case OutcomeAlreadyRunning:
		return "already_running"
	case OutcomeNothingToRun:
		return "nothing_to_run"
	case OutcomeStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Workspace is what the supervisor needs to know about tenant directories.
type Workspace interface {
	EntryPoint(tenant string) (string, bool)
	Spec(tenant string) process.Spec
}

type Options struct {
	Workspace Workspace          // required
	Store     store.DesiredState // required
	Launcher  process.Launcher   // default process.Exec{}
	Registry  *registry.Registry // default registry.New
	History   *history.Recorder  // optional
	Logger    *slog.Logger
	Policy    RestartPolicy
	// StopWait is the grace period between terminate and kill. Default 5s.
	StopWait time.Duration
	// ResyncInterval retries desired-state writes that failed. Default 30s.
	ResyncInterval time.Duration
}

type Supervisor struct {
	ws       Workspace
	st       store.DesiredState
	launcher process.Launcher
	reg      *registry.Registry
	rec      *history.Recorder
	log      *slog.Logger
	policy   RestartPolicy
	stopWait time.Duration

	locks keyedMutex

	mu      sync.Mutex
	tenants map[string]*tenantState
	unsaved map[string]bool // desired values whose write failed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	ready  atomic.Bool
}

func New(o Options) (*Supervisor, error) {
	if o.Workspace == nil {
		return nil, errors.New("supervisor requires a workspace")
	}
	if o.Store == nil {
		return nil, errors.New("supervisor requires a store")
	}
	if err := o.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("restart policy: %w", err)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Launcher == nil {
		o.Launcher = process.Exec{}
	}
	if o.Registry == nil {
		o.Registry = registry.New(o.Logger)
	}
	if o.StopWait <= 0 {
		o.StopWait = 5 * time.Second
	}
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		ws:       o.Workspace,
		st:       o.Store,
		launcher: o.Launcher,
		reg:      o.Registry,
		rec:      o.History,
		log:      o.Logger,
		policy:   o.Policy,
		stopWait: o.StopWait,
		tenants:  make(map[string]*tenantState),
		unsaved:  make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.resyncLoop(o.ResyncInterval)
	return s, nil
}

func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Ready reports whether boot reconciliation has issued all launch calls.
func (s *Supervisor) Ready() bool { return s.ready.Load() }

func (s *Supervisor) state(tenant string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tenants[tenant]
	if !ok {
		ts = &tenantState{
			state:   StateAbsent,
			breaker: s.policy.newBreaker(tenant),
			backoff: s.policy.newBackoff(),
		}
		s.tenants[tenant] = ts
	}
	return ts
}

func (s *Supervisor) lookupState(tenant string) (*tenantState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tenants[tenant]
	return ts, ok
}

// EnsureRunning runs the launch protocol for tenant. It is the external
// trigger: it clears a tripped crash-loop breaker and preempts a scheduled
// relaunch. Ban checks belong to the caller.
func (s *Supervisor) EnsureRunning(ctx context.Context, tenant string) (Outcome, error) {
	if s.ctx.Err() != nil {
		return 0, ErrShutdown
	}
	unlock := s.locks.Lock(tenant)
	defer unlock()

	ts := s.state(tenant)
	ts.cancelPending()
	if ts.state == StateFailed || ts.state == StatePending {
		ts.set(tenant, StateAbsent)
	}
	ts.breaker = s.policy.newBreaker(tenant)
	if ts.backoff != nil {
		ts.backoff.Reset()
	}
	metrics.SetCircuitOpen(tenant, false)
	return s.launchLocked(ctx, tenant, ts, launchExternal)
}

// Stop terminates the tenant's process and clears its desired state. A
// tenant without a live process still has its desired state cleared and any
// scheduled relaunch cancelled; ErrNotRunning is returned unless such a
// relaunch or FAILED state was cleared.
func (s *Supervisor) Stop(ctx context.Context, tenant string, wait time.Duration) error {
	if wait <= 0 {
		wait = s.stopWait
	}
	unlock := s.locks.Lock(tenant)
	ts := s.state(tenant)
	ts.cancelPending()
	entry, ok := s.reg.Get(tenant)
	if !ok {
		prev := ts.state
		ts.set(tenant, StateAbsent)
		s.setDesired(ctx, tenant, false)
		unlock()
		if prev == StatePending || prev == StateFailed {
			s.log.Info("stopped pending tenant", "tenant", tenant, "state", prev)
			return nil
		}
		return ErrNotRunning
	}
	s.reg.MarkStopping(tenant)
	unlock()

	s.log.Info("stopping tenant", "tenant", tenant, "pid", entry.Handle.PID(), "wait", wait)
	if err := entry.Handle.Stop(wait); err != nil {
		return fmt.Errorf("stop %s: %w", tenant, err)
	}
	// The watcher may not have run yet; exit handling is idempotent.
	s.handleExit(tenant, entry.Handle)
	return nil
}

// Status is a point-in-time view of one tenant.
type Status struct {
	Tenant         string    `json:"tenant"`
	State          State     `json:"state"`
	Running        bool      `json:"running"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Adopted        bool      `json:"adopted,omitempty"`
	Desired        bool      `json:"desired"`
	Restarts       int       `json:"restarts"`
	LastExit       string    `json:"last_exit,omitempty"`
	LastExitAt     time.Time `json:"last_exit_at,omitempty"`
	PendingRestart bool      `json:"pending_restart,omitempty"`
}

// Status reports tenant. ErrUnknownTenant is returned when the tenant is
// neither live, tracked, nor present in the desired-state record.
func (s *Supervisor) Status(ctx context.Context, tenant string) (Status, error) {
	desired, err := s.st.LoadDesired(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load desired state: %w", err)
	}
	st, known := s.status(tenant, desired)
	if !known {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}
	return st, nil
}

// Statuses reports every tenant the supervisor knows about, plus extra.
func (s *Supervisor) Statuses(ctx context.Context, extra ...string) ([]Status, error) {
	desired, err := s.st.LoadDesired(ctx)
	if err != nil {
		return nil, fmt.Errorf("load desired state: %w", err)
	}
	names := map[string]struct{}{}
	for t := range desired {
		names[t] = struct{}{}
	}
	for _, t := range s.reg.Tenants() {
		names[t] = struct{}{}
	}
	s.mu.Lock()
	for t := range s.tenants {
		names[t] = struct{}{}
	}
	s.mu.Unlock()
	for _, t := range extra {
		names[t] = struct{}{}
	}
	sorted := make([]string, 0, len(names))
	for t := range names {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	out := make([]Status, 0, len(sorted))
	for _, t := range sorted {
		st, _ := s.status(t, desired)
		out = append(out, st)
	}
	return out, nil
}

func (s *Supervisor) status(tenant string, desired map[string]bool) (Status, bool) {
	unlock := s.locks.Lock(tenant)
	defer unlock()

	st := Status{Tenant: tenant, State: StateAbsent}
	d, inStore := desired[tenant]
	st.Desired = d
	s.mu.Lock()
	if v, ok := s.unsaved[tenant]; ok {
		st.Desired = v
	}
	s.mu.Unlock()

	ts, tracked := s.lookupState(tenant)
	if tracked {
		st.State = ts.state
		st.Restarts = ts.restarts
		st.PendingRestart = ts.pending != nil
		if ts.lastExit != nil {
			st.LastExit = ts.lastExit.String()
			st.LastExitAt = ts.exitedAt
		}
	}
	e, live := s.reg.Get(tenant)
	if live {
		st.Running = true
		st.State = StateRunning
		st.PID = e.Handle.PID()
		st.StartedAt = e.Handle.StartedAt()
		st.Adopted = e.Handle.Adopted()
	}
	return st, inStore || tracked || live
}

// Shutdown stops the supervisor's own goroutines. Children keep running and
// are adopted by the next instance.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	tenants := make([]string, 0, len(s.tenants))
	for t := range s.tenants {
		tenants = append(tenants, t)
	}
	s.mu.Unlock()
	for _, t := range tenants {
		unlock := s.locks.Lock(t)
		if ts, ok := s.lookupState(t); ok {
			ts.cancelPending()
		}
		unlock()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
