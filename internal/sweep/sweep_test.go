package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botrunner/internal/logger"
)

type runningList []string

func (r runningList) Tenants() []string { return r }

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func newSweeper(t *testing.T, cfg Config, running Running) *Sweeper {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = t.TempDir()
	}
	s, err := New(cfg, running, logger.Discard())
	require.NoError(t, err)
	return s
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{AgeSchedule: "0 */2 * * *", DiskSchedule: "@hourly"}.Validate())
	assert.Error(t, Config{AgeSchedule: "every hour"}.Validate())
	assert.Error(t, Config{DiskSchedule: "@every nope"}.Validate())
	assert.Error(t, Config{DiskThreshold: 120}.Validate())
}

func TestDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, ".", c.Root)
	assert.Equal(t, DefaultKeep, c.Keep)
	assert.Equal(t, 24*time.Hour, c.MaxAge)
	assert.Equal(t, "@every 1h", c.AgeSchedule)
	assert.Equal(t, "@every 30m", c.DiskSchedule)
	assert.Equal(t, "/", c.DiskPath)
	assert.Equal(t, 80.0, c.DiskThreshold)
}

func TestSweepAgeRemovesOldEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newSweeper(t, Config{Keep: []string{"bot_status.json"}}, nil)
	s.now = func() time.Time { return now }
	root := s.cfg.Root

	touch(t, filepath.Join(root, "old.log"), now.Add(-25*time.Hour))
	touch(t, filepath.Join(root, "fresh.log"), now.Add(-time.Hour))
	touch(t, filepath.Join(root, "bot_status.json"), now.Add(-72*time.Hour))
	touch(t, filepath.Join(root, "stale", "inner.txt"), now.Add(-48*time.Hour))
	require.NoError(t, os.Chtimes(filepath.Join(root, "stale"), now.Add(-48*time.Hour), now.Add(-48*time.Hour)))

	removed, err := s.SweepAge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old.log", "stale"}, removed)

	assert.FileExists(t, filepath.Join(root, "fresh.log"))
	assert.FileExists(t, filepath.Join(root, "bot_status.json"))
	assert.NoDirExists(t, filepath.Join(root, "stale"))
}

func TestSweepAgeProtectsRunningTenants(t *testing.T) {
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	s := newSweeper(t, Config{Keep: []string{}, ProtectRunning: true}, runningList{"42"})
	root := s.cfg.Root
	touch(t, filepath.Join(root, "42", "bot.js"), old)
	touch(t, filepath.Join(root, "43", "bot.js"), old)
	for _, d := range []string{"42", "43"} {
		require.NoError(t, os.Chtimes(filepath.Join(root, d), old, old))
	}

	removed, err := s.SweepAge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"43"}, removed)
	assert.DirExists(t, filepath.Join(root, "42"))
}

func TestSweepAgeIgnoresRunningByDefault(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	s := newSweeper(t, Config{Keep: []string{}}, runningList{"42"})
	touch(t, filepath.Join(s.cfg.Root, "42"), old)

	removed, err := s.SweepAge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, removed)
}

func TestSweepAgeMissingRoot(t *testing.T) {
	s := newSweeper(t, Config{Root: filepath.Join(t.TempDir(), "gone")}, nil)
	_, err := s.SweepAge(context.Background())
	require.Error(t, err)
}

func TestSweepDiskBelowThreshold(t *testing.T) {
	s := newSweeper(t, Config{}, nil)
	s.usage = func(context.Context, string) (float64, error) { return 79.9, nil }
	touch(t, filepath.Join(s.cfg.Root, "a.txt"), time.Now())

	removed, err := s.SweepDisk(context.Background())
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.FileExists(t, filepath.Join(s.cfg.Root, "a.txt"))
}

func TestSweepDiskAtThresholdRemovesEverythingNotKept(t *testing.T) {
	s := newSweeper(t, Config{DiskPath: "/data"}, nil)
	var asked string
	s.usage = func(_ context.Context, p string) (float64, error) {
		asked = p
		return 80, nil
	}
	root := s.cfg.Root
	touch(t, filepath.Join(root, "a.txt"), time.Now())
	touch(t, filepath.Join(root, "userbot", "1", "bot.js"), time.Now())
	touch(t, filepath.Join(root, "banned.json"), time.Now())

	removed, err := s.SweepDisk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/data", asked)
	assert.Equal(t, []string{"a.txt", "userbot"}, removed)
	assert.FileExists(t, filepath.Join(root, "banned.json"))
}

func TestSweepDiskUsageError(t *testing.T) {
	s := newSweeper(t, Config{}, nil)
	s.usage = func(context.Context, string) (float64, error) { return 0, errors.New("statfs failed") }
	touch(t, filepath.Join(s.cfg.Root, "a.txt"), time.Now())

	_, err := s.SweepDisk(context.Background())
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(s.cfg.Root, "a.txt"))
}

func TestDiskUsedPercentReadsRealFilesystem(t *testing.T) {
	used, err := diskUsedPercent(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, used, 0.0)
	assert.LessOrEqual(t, used, 100.0)
}

func TestStartRunsScheduledSweeps(t *testing.T) {
	s := newSweeper(t, Config{Keep: []string{}, AgeSchedule: "@every 1s", DiskSchedule: "@every 1h", MaxAge: time.Minute}, nil)
	touch(t, filepath.Join(s.cfg.Root, "old"), time.Now().Add(-time.Hour))

	require.NoError(t, s.Start())
	require.Error(t, s.Start())
	defer func() { _ = s.Stop(context.Background()) }()

	assert.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(s.cfg.Root, "old"))
		return os.IsNotExist(err)
	}, 5*time.Second, 50*time.Millisecond)
}

func TestStopWithoutStart(t *testing.T) {
	s := newSweeper(t, Config{}, nil)
	assert.NoError(t, s.Stop(context.Background()))
}
