package supervisor

import (
	"context"
	"fmt"
	"sort"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Launched       []string         `json:"launched"`
	Adopted        []string         `json:"adopted"`
	AlreadyRunning []string         `json:"already_running"`
	NothingToRun   []string         `json:"nothing_to_run"`
	Skipped        []string         `json:"skipped"`
	Errors         map[string]error `json:"-"`
}

// Reconcile launches every tenant whose desired state is true. Tenants are
// handled independently; one failure never blocks the rest. A tenant held
// FAILED by the crash-loop breaker or waiting on a scheduled relaunch is
// skipped.
func (s *Supervisor) Reconcile(ctx context.Context) (Report, error) {
	defer s.ready.Store(true)
	rep := Report{Errors: map[string]error{}}
	desired, err := s.st.LoadDesired(ctx)
	if err != nil {
		return rep, fmt.Errorf("load desired state: %w", err)
	}
	tenants := make([]string, 0, len(desired))
	for t, want := range desired {
		if want {
			tenants = append(tenants, t)
		}
	}
	sort.Strings(tenants)

	for _, t := range tenants {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if s.ctx.Err() != nil {
			return rep, ErrShutdown
		}
		out, err := s.reconcileOne(ctx, t)
		if err != nil {
			rep.Errors[t] = err
		}
		switch {
		case out == outcomeSkipped, out == OutcomeStopping:
			rep.Skipped = append(rep.Skipped, t)
		case out == OutcomeStarted:
			rep.Launched = append(rep.Launched, t)
		case out == OutcomeAdopted:
			rep.Adopted = append(rep.Adopted, t)
		case out == OutcomeAlreadyRunning:
			rep.AlreadyRunning = append(rep.AlreadyRunning, t)
		case out == OutcomeNothingToRun:
			rep.NothingToRun = append(rep.NothingToRun, t)
		}
	}
	s.log.Info("reconciliation finished",
		"launched", len(rep.Launched), "adopted", len(rep.Adopted),
		"already_running", len(rep.AlreadyRunning), "nothing_to_run", len(rep.NothingToRun),
		"skipped", len(rep.Skipped), "errors", len(rep.Errors))
	return rep, nil
}

// outcomeSkipped marks tenants left alone by reconciliation.
const outcomeSkipped Outcome = -1

func (s *Supervisor) reconcileOne(ctx context.Context, tenant string) (Outcome, error) {
	unlock := s.locks.Lock(tenant)
	defer unlock()
	ts := s.state(tenant)
	switch ts.state {
	case StateFailed:
		return outcomeSkipped, ErrCrashLoop
	case StatePending:
		return outcomeSkipped, nil
	}
	return s.launchLocked(ctx, tenant, ts, launchReconcile)
}
