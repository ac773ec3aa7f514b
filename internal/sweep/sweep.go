// Package sweep removes stale entries from the server directory on a cron
// schedule: everything older than a cutoff, and everything at once when the
// disk fills up.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/loykin/botrunner/internal/metrics"
)

const (
	DefaultAgeSchedule   = "@every 1h"
	DefaultDiskSchedule  = "@every 30m"
	DefaultMaxAge        = 24 * time.Hour
	DefaultDiskThreshold = 80.0
)

// DefaultKeep are the entries of the server directory no sweep may remove.
var DefaultKeep = []string{
	"botrunner.toml", "index.html", "package.json", "node_modules",
	"users.json", "bot_status.json", "banned.json", ".botrunner.lock",
}

type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Root         string        `mapstructure:"root"`
	Keep         []string      `mapstructure:"keep"`
	AgeSchedule  string        `mapstructure:"age_schedule"`
	MaxAge       time.Duration `mapstructure:"max_age"`
	DiskSchedule string        `mapstructure:"disk_schedule"`
	DiskPath     string        `mapstructure:"disk_path"`
	// DiskThreshold is the used percentage at which the disk sweep fires.
	DiskThreshold float64 `mapstructure:"disk_threshold"`
	// ProtectRunning skips entries named after a running tenant.
	ProtectRunning bool `mapstructure:"protect_running"`
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = "."
	}
	if c.Keep == nil {
		c.Keep = DefaultKeep
	}
	if c.AgeSchedule == "" {
		c.AgeSchedule = DefaultAgeSchedule
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.DiskSchedule == "" {
		c.DiskSchedule = DefaultDiskSchedule
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	if c.DiskThreshold <= 0 {
		c.DiskThreshold = DefaultDiskThreshold
	}
	return c
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks both schedules and the threshold.
func (c Config) Validate() error {
	c = c.withDefaults()
	if _, err := parser.Parse(c.AgeSchedule); err != nil {
		return fmt.Errorf("invalid age schedule %q: %w", c.AgeSchedule, err)
	}
	if _, err := parser.Parse(c.DiskSchedule); err != nil {
		return fmt.Errorf("invalid disk schedule %q: %w", c.DiskSchedule, err)
	}
	if c.DiskThreshold > 100 {
		return fmt.Errorf("disk threshold %.1f exceeds 100", c.DiskThreshold)
	}
	return nil
}

// Running lists tenants with a live process.
type Running interface {
	Tenants() []string
}

type Sweeper struct {
	cfg     Config
	log     *slog.Logger
	running Running

	now   func() time.Time
	usage func(ctx context.Context, path string) (float64, error)

	mu    sync.Mutex // one sweep at a time
	sched *cron.Cron
}

// New builds a Sweeper. running may be nil.
func New(cfg Config, running Running, log *slog.Logger) (*Sweeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "sweep"),
		running: running,
		now:     time.Now,
		usage:   diskUsedPercent,
	}, nil
}

func diskUsedPercent(ctx context.Context, path string) (float64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.UsedPercent, nil
}

// Start schedules both sweeps.
func (s *Sweeper) Start() error {
	if s.sched != nil {
		return errors.New("sweeper already started")
	}
	cl := cronLogger{s.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.AgeSchedule, func() { _, _ = s.SweepAge(context.Background()) }); err != nil {
		return fmt.Errorf("schedule age sweep: %w", err)
	}
	if _, err := c.AddFunc(s.cfg.DiskSchedule, func() { _, _ = s.SweepDisk(context.Background()) }); err != nil {
		return fmt.Errorf("schedule disk sweep: %w", err)
	}
	s.sched = c
	c.Start()
	s.log.Info("sweeps scheduled", "root", s.cfg.Root, "age", s.cfg.AgeSchedule, "disk", s.cfg.DiskSchedule)
	return nil
}

// Stop unschedules the sweeps and waits for a running one to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.sched == nil {
		return nil
	}
	done := s.sched.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepAge removes entries whose modification time is older than MaxAge.
func (s *Sweeper) SweepAge(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.cfg.MaxAge)
	removed, err := s.remove(ctx, func(fi os.FileInfo) bool { return fi.ModTime().Before(cutoff) })
	metrics.AddSweepRemoved("age", len(removed))
	if err != nil {
		s.log.Error("age sweep failed", "error", err)
		return removed, err
	}
	if len(removed) > 0 {
		s.log.Info("age sweep removed entries", "count", len(removed), "entries", removed)
	}
	return removed, nil
}

// SweepDisk removes every unprotected entry when disk usage of DiskPath is
// at or above DiskThreshold.
func (s *Sweeper) SweepDisk(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used, err := s.usage(ctx, s.cfg.DiskPath)
	if err != nil {
		s.log.Error("disk usage unavailable", "path", s.cfg.DiskPath, "error", err)
		return nil, fmt.Errorf("disk usage %s: %w", s.cfg.DiskPath, err)
	}
	metrics.SetDiskUsed(used)
	if used < s.cfg.DiskThreshold {
		s.log.Debug("disk usage below threshold", "used", used, "threshold", s.cfg.DiskThreshold)
		return nil, nil
	}
	s.log.Warn("disk usage above threshold, cleaning up", "used", used, "threshold", s.cfg.DiskThreshold)
	removed, err := s.remove(ctx, func(os.FileInfo) bool { return true })
	metrics.AddSweepRemoved("disk", len(removed))
	if err != nil {
		s.log.Error("disk sweep failed", "error", err)
	}
	return removed, err
}

func (s *Sweeper) protected() map[string]bool {
	p := make(map[string]bool, len(s.cfg.Keep))
	for _, k := range s.cfg.Keep {
		p[k] = true
	}
	if s.cfg.ProtectRunning && s.running != nil {
		for _, t := range s.running.Tenants() {
			p[t] = true
		}
	}
	return p
}

// remove deletes matching top-level entries of Root. Failures on single
// entries are collected and do not stop the sweep.
func (s *Sweeper) remove(ctx context.Context, match func(os.FileInfo) bool) ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("read sweep root: %w", err)
	}
	keep := s.protected()
	var removed []string
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		name := e.Name()
		if keep[name] {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			if !os.IsNotExist(err) {
				errs = append(errs, err)
			}
			continue
		}
		if !match(fi) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.cfg.Root, name)); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}

// cronLogger routes robfig/cron's logging to slog.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) { l.log.Debug(msg, kv...) }

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error(msg, append(kv, "error", err)...)
}
