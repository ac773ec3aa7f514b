// Package workspace owns the per-tenant directories under the upload root:
// validating tenant ids, persisting uploaded files, installing dependencies
// and describing how the tenant's child is launched.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/botrunner/internal/env"
	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
)

var (
	ErrInvalidTenant = errors.New("invalid tenant id")
	ErrInstallFailed = errors.New("dependency installation failed")
	ErrFileTooLarge  = errors.New("uploaded file too large")
)

const (
	maxTenantLen   = 128
	pidFileName    = ".bot.pid"
	installLogName = "install.log"
)

type Config struct {
	Root           string            `mapstructure:"root"`
	EntryPoint     string            `mapstructure:"entry_point"`     // default bot.js
	Manifest       string            `mapstructure:"manifest"`        // default package.json
	Runtime        string            `mapstructure:"runtime"`         // default "node bot.js"
	Install        string            `mapstructure:"install"`         // default "npm install"; "-" disables
	InstallTimeout time.Duration     `mapstructure:"install_timeout"` // default 5m
	MaxFileBytes   int64             `mapstructure:"max_file_bytes"`  // default 10 MiB
	InstallLog     logger.FileConfig `mapstructure:"install_log"`     // rotation for <tenant>/install.log
}

func (c Config) withDefaults() Config {
	if c.Root == "" {
		c.Root = "userbot"
	}
	if c.EntryPoint == "" {
		c.EntryPoint = "bot.js"
	}
	if c.Manifest == "" {
		c.Manifest = "package.json"
	}
	if c.Runtime == "" {
		c.Runtime = "node " + c.EntryPoint
	}
	if c.Install == "" {
		c.Install = "npm install"
	}
	if c.InstallTimeout <= 0 {
		c.InstallTimeout = 5 * time.Minute
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = 10 << 20
	}
	return c
}

type Workspace struct {
	cfg Config
	env *env.Env
	log *slog.Logger
}

// New prepares the workspace root. e may be nil, in which case children
// inherit the server's environment plus the tenant id.
func New(cfg Config, e *env.Env, log *slog.Logger) (*Workspace, error) {
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if e == nil {
		e = env.New(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Workspace{cfg: cfg, env: e, log: log}, nil
}

func (w *Workspace) Config() Config { return w.cfg }
func (w *Workspace) Root() string   { return w.cfg.Root }

// ValidTenantID accepts ids usable as a single path segment:
// A-Z a-z 0-9 . _ - with no "..", at most 128 bytes.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > maxTenantLen || id == "." || strings.Contains(id, "..") {
		return false
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func (w *Workspace) Dir(tenant string) string { return filepath.Join(w.cfg.Root, tenant) }

func (w *Workspace) PIDFile(tenant string) string { return filepath.Join(w.Dir(tenant), pidFileName) }

// EntryPoint returns the entry point path and whether it exists as a file.
func (w *Workspace) EntryPoint(tenant string) (string, bool) {
	p := filepath.Join(w.Dir(tenant), w.cfg.EntryPoint)
	fi, err := os.Stat(p)
	return p, err == nil && fi.Mode().IsRegular()
}

// Exists reports whether the tenant directory is present.
func (w *Workspace) Exists(tenant string) bool {
	fi, err := os.Stat(w.Dir(tenant))
	return err == nil && fi.IsDir()
}

// SaveEntryPoint stores r as the tenant's entry point.
func (w *Workspace) SaveEntryPoint(tenant string, r io.Reader) error {
	return w.save(tenant, w.cfg.EntryPoint, r)
}

// SaveManifest stores r as the tenant's dependency manifest.
func (w *Workspace) SaveManifest(tenant string, r io.Reader) error {
	return w.save(tenant, w.cfg.Manifest, r)
}

func (w *Workspace) save(tenant, name string, r io.Reader) error {
	if !ValidTenantID(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	dir := w.Dir(tenant)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	n, err := io.Copy(tmp, io.LimitReader(r, w.cfg.MaxFileBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > w.cfg.MaxFileBytes {
		err = fmt.Errorf("%w: %s exceeds %d bytes", ErrFileTooLarge, name, w.cfg.MaxFileBytes)
	}
	if err == nil {
		err = os.Rename(tmpName, filepath.Join(dir, name))
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Install runs the install command in the tenant directory. Output goes to
// a rotated install.log inside the directory. A failure wraps
// ErrInstallFailed.
func (w *Workspace) Install(ctx context.Context, tenant string) error {
	if !ValidTenantID(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	if strings.TrimSpace(w.cfg.Install) == "-" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.InstallTimeout)
	defer cancel()

	dir := w.Dir(tenant)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	out, err := w.cfg.InstallLog.Writer(filepath.Join(dir, installLogName))
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	cmd := process.Spec{Tenant: tenant, Command: w.cfg.Install}.BuildCommandContext(ctx)
	cmd.Dir = dir
	cmd.Env = w.env.ForTenant(tenant)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	metrics.ObserveInstall(time.Since(start).Seconds(), err == nil)
	if err != nil {
		w.log.Error("install failed", "tenant", tenant, "command", w.cfg.Install, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrInstallFailed, tenant, err)
	}
	w.log.Info("install finished", "tenant", tenant, "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// Spec describes the tenant's child process.
func (w *Workspace) Spec(tenant string) process.Spec {
	return process.Spec{
		Tenant:  tenant,
		Command: w.cfg.Runtime,
		WorkDir: w.Dir(tenant),
		Env:     w.env.ForTenant(tenant),
		PIDFile: w.PIDFile(tenant),
	}
}

// Remove deletes the tenant directory.
func (w *Workspace) Remove(tenant string) error {
	if !ValidTenantID(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return os.RemoveAll(w.Dir(tenant))
}
