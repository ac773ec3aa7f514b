package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/process"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	sup *Supervisor
	l   *fakeLauncher
	ws  *fakeWorkspace
	st  *memStore
}

func newFixture(t *testing.T, seed map[string]bool, p RestartPolicy) *fixture {
	t.Helper()
	f := &fixture{l: &fakeLauncher{}, ws: &fakeWorkspace{}, st: newMemStore(seed)}
	s, err := New(Options{
		Workspace:      f.ws,
		Store:          f.st,
		Launcher:       f.l,
		Logger:         logger.Discard(),
		Policy:         p,
		ResyncInterval: time.Hour,
	})
	require.NoError(t, err)
	f.sup = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return f
}

func (f *fixture) desired(tenant string) bool {
	v, _ := f.st.get(tenant)
	return v
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: newMemStore(nil)})
	require.Error(t, err)
	_, err = New(Options{Workspace: &fakeWorkspace{}})
	require.Error(t, err)
}

func TestNewRejectsBreakerWithoutWindow(t *testing.T) {
	_, err := New(Options{
		Workspace: &fakeWorkspace{},
		Store:     newMemStore(nil),
		Policy:    RestartPolicy{CrashThreshold: 3},
	})
	require.Error(t, err)

	require.NoError(t, RestartPolicy{}.Validate())
	require.NoError(t, RestartPolicy{CrashThreshold: 3, CrashWindow: time.Minute}.Validate())
	require.Error(t, RestartPolicy{Backoff: -time.Second}.Validate())
	require.Error(t, RestartPolicy{Backoff: 10 * time.Second, MaxBackoff: time.Second}.Validate())
}

func TestEnsureRunningTwiceLeavesOneProcess(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.sup.EnsureRunning(context.Background(), "42")
			assert.NoError(t, err)
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	var got []Outcome
	for o := range outcomes {
		got = append(got, o)
	}
	assert.ElementsMatch(t, []Outcome{OutcomeStarted, OutcomeAlreadyRunning}, got)
	assert.Len(t, f.l.spawns("42"), 1)
	assert.Equal(t, 1, f.sup.Registry().Len())
	assert.True(t, f.desired("42"))
}

func TestCleanExitClearsDesiredState(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, f.desired("7"))

	f.l.last("7").exitWith(0)

	require.Eventually(t, func() bool {
		return f.sup.Registry().Len() == 0 && !f.desired("7")
	}, waitFor, tick)
	v, ok := f.st.get("7")
	assert.True(t, ok)
	assert.False(t, v)
	assert.Len(t, f.l.spawns("7"), 1)
}

func TestCrashRelaunchesAndKeepsDesiredState(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "7")
	require.NoError(t, err)
	first := f.l.last("7")

	first.exitWith(1)

	require.Eventually(t, func() bool {
		e, ok := f.sup.Registry().Get("7")
		return ok && e.Handle != first
	}, waitFor, tick)
	assert.True(t, f.desired("7"))
	assert.Len(t, f.l.spawns("7"), 2)
	assert.NotContains(t, f.st.history("7"), false, "desired state must stay true across a crash")

	st, err := f.sup.Status(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, "exit status 1", st.LastExit)
}

func TestTenant42ExitsThreeTimesThenCleanly(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "42")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		h := f.l.last("42")
		h.exitWith(1)
		want := i + 1
		require.Eventually(t, func() bool { return len(f.l.spawns("42")) == want && f.sup.Registry().Has("42") }, waitFor, tick)
		require.True(t, f.desired("42"))
	}
	f.l.last("42").exitWith(0)

	require.Eventually(t, func() bool { return !f.sup.Registry().Has("42") && !f.desired("42") }, waitFor, tick)
	assert.Len(t, f.l.spawns("42"), 4)
	assert.Equal(t, 0, f.sup.Registry().Len())

	writes := f.st.history("42")
	require.NotEmpty(t, writes)
	assert.False(t, writes[len(writes)-1])
	assert.NotContains(t, writes[:len(writes)-1], false, "only the clean exit may clear desired state")
}

func TestReconcileLaunchesOnlyDesiredTenants(t *testing.T) {
	f := newFixture(t, map[string]bool{"A": true, "B": false, "C": true}, RestartPolicy{})
	require.False(t, f.sup.Ready())

	rep, err := f.sup.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "C"}, rep.Launched)
	assert.ElementsMatch(t, []string{"A", "C"}, f.l.tenants())
	assert.Empty(t, rep.Errors)
	assert.True(t, f.sup.Ready())
	assert.False(t, f.desired("B"))
}

func TestReconcileSurvivesPerTenantFailures(t *testing.T) {
	f := newFixture(t, map[string]bool{"A": true, "B": true, "C": true}, RestartPolicy{})
	f.ws.remove("B")
	_, err := f.sup.EnsureRunning(context.Background(), "C")
	require.NoError(t, err)

	rep, err := f.sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, rep.Launched)
	assert.Equal(t, []string{"B"}, rep.NothingToRun)
	assert.Equal(t, []string{"C"}, rep.AlreadyRunning)
	assert.Len(t, f.l.spawns("C"), 1)
}

func TestReconcileLoadFailure(t *testing.T) {
	f := newFixture(t, map[string]bool{"A": true}, RestartPolicy{})
	f.st.setFail(true)
	_, err := f.sup.Reconcile(context.Background())
	require.ErrorIs(t, err, errStoreDown)
	assert.Empty(t, f.l.tenants())
}

func TestReconcileAdoptsOrphans(t *testing.T) {
	f := newFixture(t, map[string]bool{"A": true}, RestartPolicy{})
	orphan := newFakeHandle("A")
	orphan.adopted = true
	f.l.orphans = map[string]*fakeHandle{"A": orphan}

	rep, err := f.sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, rep.Adopted)
	assert.Empty(t, f.l.spawns("A"))

	st, err := f.sup.Status(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, st.Adopted)
	assert.Equal(t, orphan.PID(), st.PID)

	// an orphan's exit status is unknowable, so its exit counts as a crash
	orphan.finish(process.Exit{Code: -1, Err: process.ErrExitUnknown})
	require.Eventually(t, func() bool { return len(f.l.spawns("A")) == 1 && f.sup.Registry().Has("A") }, waitFor, tick)
	assert.True(t, f.desired("A"))
}

func TestMissingArtifactLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	f.ws.remove("9")

	out, err := f.sup.EnsureRunning(context.Background(), "9")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingToRun, out)
	assert.Empty(t, f.l.spawns("9"))
	assert.False(t, f.sup.Registry().Has("9"))
	_, ok := f.st.get("9")
	assert.False(t, ok)
	assert.Equal(t, 0, f.st.writes)
}

func TestMissingArtifactSkipsAdoption(t *testing.T) {
	f := newFixture(t, map[string]bool{"9": true}, RestartPolicy{})
	orphan := newFakeHandle("9")
	orphan.adopted = true
	f.l.orphans = map[string]*fakeHandle{"9": orphan}
	f.ws.remove("9")

	rep, err := f.sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"9"}, rep.NothingToRun)
	assert.Empty(t, rep.Adopted)
	assert.False(t, f.sup.Registry().Has("9"))
	assert.Contains(t, f.l.orphans, "9")
}

func TestEnsureRunningWhileStopping(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "3")
	require.NoError(t, err)
	h := f.l.last("3")
	h.hold = make(chan struct{})

	stopped := make(chan error, 1)
	go func() { stopped <- f.sup.Stop(context.Background(), "3", time.Second) }()
	require.Eventually(t, func() bool {
		e, ok := f.sup.Registry().Get("3")
		return ok && e.Stopping
	}, waitFor, tick)

	out, err := f.sup.EnsureRunning(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopping, out)
	assert.Len(t, f.l.spawns("3"), 1)

	close(h.hold)
	require.NoError(t, <-stopped)
	assert.False(t, f.sup.Registry().Has("3"))
	assert.False(t, f.desired("3"))
}

func TestSpawnErrorIsReturnedWithoutRetry(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	f.l.err = errors.New("exec: \"node\": executable file not found in $PATH")

	_, err := f.sup.EnsureRunning(context.Background(), "5")
	require.Error(t, err)
	assert.ErrorIs(t, err, f.l.err)
	assert.False(t, f.sup.Registry().Has("5"))
	_, ok := f.st.get("5")
	assert.False(t, ok)

	st, err := f.sup.Status(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)
}

func TestConcurrentExitAndEnsureNeverDoubleLaunch(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "42")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		h := f.l.last("42")
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.exitWith(1)
		}()
		go func() {
			defer wg.Done()
			_, err := f.sup.EnsureRunning(context.Background(), "42")
			assert.NoError(t, err)
		}()
		wg.Wait()

		require.Eventually(t, func() bool {
			e, ok := f.sup.Registry().Get("42")
			return ok && e.Handle != h
		}, waitFor, tick)
		require.Equal(t, 1, f.l.live("42"))
		require.True(t, f.desired("42"))
	}
}

func TestStopClearsDesiredStateWithoutRestart(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "3")
	require.NoError(t, err)

	require.NoError(t, f.sup.Stop(context.Background(), "3", time.Second))
	assert.False(t, f.sup.Registry().Has("3"))
	assert.False(t, f.desired("3"))
	assert.Len(t, f.l.spawns("3"), 1)

	st, err := f.sup.Status(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, st.State)
	assert.Equal(t, "signal: terminated", st.LastExit)

	assert.ErrorIs(t, f.sup.Stop(context.Background(), "3", time.Second), ErrNotRunning)
}

func TestStatusUnknownTenant(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.Status(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestStatusesIncludeStoredAndLive(t *testing.T) {
	f := newFixture(t, map[string]bool{"A": false}, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "B")
	require.NoError(t, err)

	all, err := f.sup.Statuses(context.Background(), "C")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "A", all[0].Tenant)
	assert.False(t, all[0].Running)
	assert.Equal(t, "B", all[1].Tenant)
	assert.True(t, all[1].Running)
	assert.True(t, all[1].Desired)
	assert.Equal(t, StateAbsent, all[2].State)
}

func TestBackoffDelaysRelaunch(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{Backoff: 300 * time.Millisecond, MaxBackoff: time.Second})
	_, err := f.sup.EnsureRunning(context.Background(), "8")
	require.NoError(t, err)

	f.l.last("8").exitWith(2)
	require.Eventually(t, func() bool {
		st, err := f.sup.Status(context.Background(), "8")
		return err == nil && st.PendingRestart
	}, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.l.spawns("8")) == 2 && f.sup.Registry().Has("8") }, waitFor, tick)
	assert.True(t, f.desired("8"))
}

func TestExternalLaunchPreemptsScheduledRelaunch(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{Backoff: time.Hour})
	_, err := f.sup.EnsureRunning(context.Background(), "8")
	require.NoError(t, err)

	f.l.last("8").exitWith(2)
	require.Eventually(t, func() bool {
		st, _ := f.sup.Status(context.Background(), "8")
		return st.State == StatePending
	}, waitFor, tick)

	out, err := f.sup.EnsureRunning(context.Background(), "8")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out)
	assert.Len(t, f.l.spawns("8"), 2)

	st, err := f.sup.Status(context.Background(), "8")
	require.NoError(t, err)
	assert.False(t, st.PendingRestart)
}

func TestStopCancelsScheduledRelaunch(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{Backoff: 500 * time.Millisecond})
	_, err := f.sup.EnsureRunning(context.Background(), "8")
	require.NoError(t, err)

	f.l.last("8").exitWith(2)
	require.Eventually(t, func() bool {
		st, _ := f.sup.Status(context.Background(), "8")
		return st.State == StatePending
	}, waitFor, tick)

	require.NoError(t, f.sup.Stop(context.Background(), "8", 0))
	assert.False(t, f.desired("8"))

	time.Sleep(time.Second)
	assert.Len(t, f.l.spawns("8"), 1)
	assert.False(t, f.sup.Registry().Has("8"))
}

func TestCrashLoopBreakerHoldsTenantFailed(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{CrashThreshold: 2, CrashWindow: time.Minute})
	_, err := f.sup.EnsureRunning(context.Background(), "13")
	require.NoError(t, err)

	f.l.last("13").exitWith(1)
	require.Eventually(t, func() bool { return len(f.l.spawns("13")) == 2 && f.sup.Registry().Has("13") }, waitFor, tick)
	f.l.last("13").exitWith(1)

	require.Eventually(t, func() bool {
		st, _ := f.sup.Status(context.Background(), "13")
		return st.State == StateFailed
	}, waitFor, tick)
	assert.Len(t, f.l.spawns("13"), 2)
	assert.True(t, f.desired("13"))

	rep, err := f.sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"13"}, rep.Skipped)
	assert.ErrorIs(t, rep.Errors["13"], ErrCrashLoop)
	assert.Len(t, f.l.spawns("13"), 2)

	out, err := f.sup.EnsureRunning(context.Background(), "13")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out)
	assert.Len(t, f.l.spawns("13"), 3)
}

func TestStopFailedTenant(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{CrashThreshold: 1, CrashWindow: time.Minute})
	_, err := f.sup.EnsureRunning(context.Background(), "13")
	require.NoError(t, err)
	f.l.last("13").exitWith(1)
	require.Eventually(t, func() bool {
		st, _ := f.sup.Status(context.Background(), "13")
		return st.State == StateFailed
	}, waitFor, tick)

	require.NoError(t, f.sup.Stop(context.Background(), "13", 0))
	assert.False(t, f.desired("13"))
}

func TestDesiredWriteFailureIsQueuedAndResynced(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	f.st.setFail(true)

	out, err := f.sup.EnsureRunning(context.Background(), "6")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, out)
	assert.True(t, f.sup.Registry().Has("6"))
	assert.Equal(t, map[string]bool{"6": true}, f.sup.PendingWrites())

	assert.Equal(t, 1, f.sup.Resync(context.Background()))

	f.st.setFail(false)
	assert.Equal(t, 0, f.sup.Resync(context.Background()))
	assert.True(t, f.desired("6"))
	assert.Empty(t, f.sup.PendingWrites())
}

func TestShutdownLeavesChildrenRunning(t *testing.T) {
	f := newFixture(t, nil, RestartPolicy{})
	_, err := f.sup.EnsureRunning(context.Background(), "1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.sup.Shutdown(ctx))
	assert.False(t, f.l.last("1").exited())

	_, err = f.sup.EnsureRunning(context.Background(), "2")
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "started", OutcomeStarted.String())
	assert.Equal(t, "adopted", OutcomeAdopted.String())
	assert.Equal(t, "already_running", OutcomeAlreadyRunning.String())
	assert.Equal(t, "nothing_to_run", OutcomeNothingToRun.String())
	assert.Equal(t, "stopping", OutcomeStopping.String())
	assert.Equal(t, "unknown", Outcome(0).String())
}
