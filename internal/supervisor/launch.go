package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/botrunner/internal/history"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
)

type launchKind int

const (
	launchExternal launchKind = iota
	launchRestart
	launchReconcile
)

// launchLocked runs one pass of the launch protocol. Callers hold the
// tenant lock.
func (s *Supervisor) launchLocked(ctx context.Context, tenant string, ts *tenantState, kind launchKind) (Outcome, error) {
	if e, ok := s.reg.Get(tenant); ok {
		if e.Stopping {
			s.log.Warn("launch requested for stopping tenant", "tenant", tenant)
			return OutcomeStopping, nil
		}
		s.log.Warn("launch requested for running tenant", "tenant", tenant)
		return OutcomeAlreadyRunning, nil
	}

	if path, ok := s.ws.EntryPoint(tenant); !ok {
		ts.set(tenant, StateAbsent)
		metrics.IncLaunchFailure(tenant, "missing_artifact")
		s.record(history.Event{Type: history.EventMissingArtifact, Tenant: tenant})
		s.log.Warn("entry point missing, nothing to run", "tenant", tenant, "path", path)
		return OutcomeNothingToRun, nil
	}

	spec := s.ws.Spec(tenant)
	if h, ok := s.launcher.Adopt(s.ctx, spec); ok {
		s.reg.Register(tenant, h)
		ts.set(tenant, StateRunning)
		s.setDesired(ctx, tenant, true)
		s.watch(tenant, h)
		s.refreshRunning()
		metrics.IncAdoption(tenant)
		s.record(history.Event{Type: history.EventAdopt, Tenant: tenant, PID: h.PID()})
		s.log.Info("adopted running tenant", "tenant", tenant, "pid", h.PID())
		return OutcomeAdopted, nil
	}

	ts.set(tenant, StateStarting)
	h, err := s.launcher.Launch(spec)
	if err != nil {
		ts.set(tenant, StateAbsent)
		metrics.IncLaunchFailure(tenant, "spawn")
		s.record(history.Event{Type: history.EventLaunchFailed, Tenant: tenant, Error: err.Error()})
		s.log.Error("launch failed", "tenant", tenant, "error", err)
		return 0, fmt.Errorf("launch %s: %w", tenant, err)
	}
	s.reg.Register(tenant, h)
	ts.set(tenant, StateRunning)
	s.setDesired(ctx, tenant, true)
	s.watch(tenant, h)
	s.refreshRunning()

	ev := history.Event{Type: history.EventLaunch, Tenant: tenant, PID: h.PID()}
	if kind == launchRestart {
		ts.restarts++
		ev.Type = history.EventRestart
		metrics.IncRestart(tenant)
	} else {
		metrics.IncLaunch(tenant)
	}
	s.record(ev)
	s.log.Info("tenant started", "tenant", tenant, "pid", h.PID(), "restart", kind == launchRestart)
	return OutcomeStarted, nil
}

func (s *Supervisor) watch(tenant string, h process.Handle) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-h.Done():
		case <-s.ctx.Done():
			return
		}
		s.handleExit(tenant, h)
	}()
}

// handleExit applies the exit transition for h. It is a no-op when h is no
// longer the tenant's registered handle.
func (s *Supervisor) handleExit(tenant string, h process.Handle) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in exit handling", "tenant", tenant, "panic", r)
		}
	}()
	unlock := s.locks.Lock(tenant)
	defer unlock()

	entry, ok := s.reg.Get(tenant)
	if !ok || entry.Handle != h {
		return
	}
	s.reg.Unregister(tenant, h)
	s.refreshRunning()

	ts := s.state(tenant)
	exit := h.Exit()
	ts.lastExit = &exit
	ts.exitedAt = time.Now()
	ctx := context.Background()

	switch {
	case entry.Stopping:
		ts.set(tenant, StateAbsent)
		s.setDesired(ctx, tenant, false)
		metrics.IncStop(tenant)
		s.record(exitEvent(history.EventStop, tenant, h.PID(), exit))
		s.log.Info("tenant stopped", "tenant", tenant, "exit", exit.String())
		return
	case exit.Clean():
		ts.set(tenant, StateAbsent)
		s.setDesired(ctx, tenant, false)
		metrics.IncCleanExit(tenant)
		s.record(exitEvent(history.EventExit, tenant, h.PID(), exit))
		s.log.Info("tenant exited cleanly", "tenant", tenant)
		return
	}

	metrics.IncCrash(tenant)
	s.record(exitEvent(history.EventCrash, tenant, h.PID(), exit))
	s.log.Warn("tenant crashed", "tenant", tenant, "pid", h.PID(), "exit", exit.String())

	if s.policy.longRun(ts.exitedAt.Sub(h.StartedAt())) {
		recordHealthy(ts.breaker)
		if ts.backoff != nil {
			ts.backoff.Reset()
		}
	}
	if recordCrash(ts.breaker) {
		ts.set(tenant, StateFailed)
		metrics.SetCircuitOpen(tenant, true)
		s.record(history.Event{Type: history.EventCrashLoop, Tenant: tenant})
		s.log.Error("restart suppressed", "tenant", tenant, "error", ErrCrashLoop)
		return
	}
	if s.ctx.Err() != nil {
		ts.set(tenant, StateAbsent)
		return
	}
	if ts.backoff != nil {
		s.scheduleRestart(tenant, ts, ts.backoff.NextBackOff())
		return
	}
	ts.set(tenant, StateAbsent)
	if _, err := s.launchLocked(ctx, tenant, ts, launchRestart); err != nil {
		s.log.Error("restart failed", "tenant", tenant, "error", err)
	}
}

func (s *Supervisor) scheduleRestart(tenant string, ts *tenantState, delay time.Duration) {
	ts.cancelPending()
	gen := ts.gen
	ts.set(tenant, StatePending)
	s.log.Info("restart scheduled", "tenant", tenant, "delay", delay)
	ts.pending = time.AfterFunc(delay, func() {
		unlock := s.locks.Lock(tenant)
		defer unlock()
		if ts.gen != gen || s.ctx.Err() != nil {
			return
		}
		ts.pending = nil
		ts.set(tenant, StateAbsent)
		if _, err := s.launchLocked(context.Background(), tenant, ts, launchRestart); err != nil {
			s.log.Error("restart failed", "tenant", tenant, "error", err)
		}
	})
}

func exitEvent(t history.EventType, tenant string, pid int, e process.Exit) history.Event {
	ev := history.Event{Type: t, Tenant: tenant, PID: pid, ExitCode: e.Code, Signal: e.Signal}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	return ev
}

func (s *Supervisor) record(e history.Event) {
	e.OccurredAt = time.Now()
	s.rec.Record(e)
}

func (s *Supervisor) refreshRunning() { metrics.SetRunning(s.reg.Len()) }
