package process

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("adoption tests read /proc")
	}
}

func TestAdopt_LiveProcess(t *testing.T) {
	requireLinux(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "bot.pid")
	spec := Spec{Tenant: "a", Command: "sleep 30", WorkDir: dir, PIDFile: pidFile}
	p, err := Start(spec)
	require.NoError(t, err)
	defer func() { _ = p.Stop(time.Second) }()

	l := Exec{PollInterval: 20 * time.Millisecond}
	h, ok := l.Adopt(context.Background(), spec)
	require.True(t, ok)
	assert.True(t, h.Adopted())
	assert.Equal(t, p.PID(), h.PID())

	require.NoError(t, h.Stop(2*time.Second))
	waitDone(t, h, 2*time.Second)
	ex := h.Exit()
	assert.ErrorIs(t, ex.Err, ErrExitUnknown)
	assert.False(t, ex.Clean())
}

func TestAdopt_NoticesExit(t *testing.T) {
	requireLinux(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "bot.pid")
	spec := Spec{Tenant: "a", Command: "sleep 0.3", WorkDir: dir, PIDFile: pidFile}
	_, err := Start(spec)
	require.NoError(t, err)

	h, ok := Exec{PollInterval: 20 * time.Millisecond}.Adopt(context.Background(), spec)
	require.True(t, ok)
	waitDone(t, h, 3*time.Second)
}

func TestAdopt_PollingStopsWithContext(t *testing.T) {
	requireLinux(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "bot.pid")
	spec := Spec{Tenant: "a", Command: "sleep 30", WorkDir: dir, PIDFile: pidFile}
	p, err := Start(spec)
	require.NoError(t, err)
	defer func() { _ = p.Stop(time.Second) }()

	ctx, cancel := context.WithCancel(context.Background())
	h, ok := Exec{PollInterval: 20 * time.Millisecond}.Adopt(ctx, spec)
	require.True(t, ok)
	o := h.(*orphan)

	cancel()
	select {
	case <-o.polling:
	case <-time.After(2 * time.Second):
		t.Fatal("poll goroutine still running after cancel")
	}
	select {
	case <-h.Done():
		t.Fatal("cancelling adoption must not report an exit")
	default:
	}
}

func TestAdopt_StalePIDFile(t *testing.T) {
	requireLinux(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "bot.pid")

	// Our own pid with a start time that cannot match.
	require.NoError(t, WritePIDFile(pidFile, os.Getpid(), 1))
	_, ok := Exec{}.Adopt(context.Background(), Spec{Tenant: "a", Command: "x", PIDFile: pidFile})
	assert.False(t, ok)
	_, err := os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}

func TestAdopt_LegacyPIDFileRejected(t *testing.T) {
	requireLinux(t)
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "bot.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte("1\n"), 0o600))
	_, ok := Exec{}.Adopt(context.Background(), Spec{Tenant: "a", Command: "x", PIDFile: pidFile})
	assert.False(t, ok)
}

func TestAdopt_NoPIDFile(t *testing.T) {
	_, ok := Exec{}.Adopt(context.Background(), Spec{Tenant: "a", Command: "x"})
	assert.False(t, ok)
	_, ok = Exec{}.Adopt(context.Background(), Spec{Tenant: "a", Command: "x", PIDFile: filepath.Join(t.TempDir(), "missing.pid")})
	assert.False(t, ok)
}
