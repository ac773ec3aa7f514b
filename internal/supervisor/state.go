package supervisor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
)

// State is the launch protocol state of one tenant.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePending  State = "restart_pending" // crashed, relaunch scheduled
	StateFailed   State = "failed"          // crash-loop breaker tripped
)

// tenantState is guarded by the tenant's keyed lock.
type tenantState struct {
	state    State
	restarts int
	lastExit *process.Exit
	exitedAt time.Time

	breaker *gobreaker.CircuitBreaker[struct{}]
	backoff *backoff.ExponentialBackOff

	pending *time.Timer
	gen     uint64 // invalidates fired timers after cancelPending
}

func (ts *tenantState) set(tenant string, to State) {
	if ts.state == to {
		return
	}
	metrics.RecordStateTransition(tenant, string(ts.state), string(to))
	ts.state = to
}

func (ts *tenantState) cancelPending() {
	ts.gen++
	if ts.pending != nil {
		ts.pending.Stop()
		ts.pending = nil
	}
}
