// Package botrunner hosts per-tenant bot processes: it accepts uploads,
// installs their dependencies, keeps each tenant's child running across
// crashes and server restarts, and exposes an HTTP API to control them.
package botrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/botrunner/internal/auth"
	"github.com/loykin/botrunner/internal/config"
	"github.com/loykin/botrunner/internal/env"
	"github.com/loykin/botrunner/internal/history"
	hfactory "github.com/loykin/botrunner/internal/history/factory"
	"github.com/loykin/botrunner/internal/logger"
	"github.com/loykin/botrunner/internal/metrics"
	"github.com/loykin/botrunner/internal/process"
	"github.com/loykin/botrunner/internal/server"
	"github.com/loykin/botrunner/internal/store"
	sfactory "github.com/loykin/botrunner/internal/store/factory"
	"github.com/loykin/botrunner/internal/supervisor"
	"github.com/loykin/botrunner/internal/sweep"
	"github.com/loykin/botrunner/internal/workspace"
)

// Re-exported so embedders can configure and inspect a Server.

type Config = config.Config

type Status = supervisor.Status

type Outcome = supervisor.Outcome

type Report = supervisor.Report

type RestartPolicy = supervisor.RestartPolicy

var (
	ErrUnknownTenant = supervisor.ErrUnknownTenant
	ErrNotRunning    = supervisor.ErrNotRunning
	ErrCrashLoop     = supervisor.ErrCrashLoop
	ErrInstallFailed = workspace.ErrInstallFailed
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func NewLogger(c logger.Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	return logger.New(c, console)
}

func HashPassword(password string) (string, error) { return auth.HashPassword(password) }

// Server is a fully wired instance: store, workspace, supervisor, sweeps
// and both listeners.
type Server struct {
	cfg *Config
	log *slog.Logger

	store   store.Store
	rec     *history.Recorder
	ws      *workspace.Workspace
	sup     *supervisor.Supervisor
	sweeper *sweep.Sweeper

	api        *http.Server
	admin      *http.Server
	apiHandler http.Handler
	adminH     http.Handler
}

// New builds a Server from cfg. Nothing is launched and no listener is bound
// until Run.
func New(cfg *Config, log *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	s := &Server{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close(context.Background())
		}
	}()

	raw, err := sfactory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = store.NewRetrying(raw, store.RetryConfig{
		Attempts: cfg.Store.RetryAttempts,
		Initial:  cfg.Store.RetryInitial,
		Max:      cfg.Store.RetryMax,
	}, log)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("store schema: %w", err)
	}

	sinks, err := hfactory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	s.rec = history.NewRecorder(log, cfg.History.Queue, sinks...)

	globals, err := cfg.GlobalEnv()
	if err != nil {
		return nil, fmt.Errorf("global env: %w", err)
	}
	e := env.New(globals)
	if !cfg.UseOSEnv {
		e.WithBase(nil)
	}
	if s.ws, err = workspace.New(cfg.Workspace, e, log); err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	s.sup, err = supervisor.New(supervisor.Options{
		Workspace:      s.ws,
		Store:          s.store,
		Launcher:       process.Exec{PollInterval: cfg.Supervisor.PollInterval},
		History:        s.rec,
		Logger:         log,
		Policy:         cfg.Supervisor.Restart,
		StopWait:       cfg.Supervisor.StopWait,
		ResyncInterval: cfg.Supervisor.ResyncInterval,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Sweep.Enabled {
		if s.sweeper, err = sweep.New(cfg.Sweep, s.sup.Registry(), log); err != nil {
			return nil, fmt.Errorf("sweep: %w", err)
		}
	}

	var mw *auth.Middleware
	if cfg.Auth.Enabled {
		svc, err := auth.NewService(auth.Config{
			Username:     cfg.Auth.Username,
			PasswordHash: cfg.Auth.PasswordHash,
			JWTSecret:    cfg.Auth.JWTSecret,
			TokenTTL:     cfg.Auth.TokenTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		mw = auth.NewMiddleware(svc)
	}

	s.apiHandler = server.NewRouter(s.sup, s.ws, s.store, server.Options{
		BasePath:       cfg.Server.BasePath,
		StaticDir:      cfg.Server.StaticDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		StopWait:       cfg.Supervisor.StopWait,
		Auth:           mw,
		Logger:         log,
	}).Handler()
	if s.api, err = server.NewHTTPServer(cfg.Server, s.apiHandler); err != nil {
		return nil, err
	}
	s.adminH = server.NewAdmin(s.sup, metrics.Handler(), log)
	if cfg.Admin.Enabled {
		s.admin = server.NewAdminServer(cfg.Admin.Listen, s.adminH)
	}
	ok = true
	return s, nil
}

// Handler serves the upload and administration API.
func (s *Server) Handler() http.Handler { return s.apiHandler }

// AdminHandler serves /metrics, /healthz and /readyz.
func (s *Server) AdminHandler() http.Handler { return s.adminH }

func (s *Server) EnsureRunning(ctx context.Context, tenant string) (Outcome, error) {
	return s.sup.EnsureRunning(ctx, tenant)
}
func (s *Server) Stop(ctx context.Context, tenant string, wait time.Duration) error {
	return s.sup.Stop(ctx, tenant, wait)
}
func (s *Server) Status(ctx context.Context, tenant string) (Status, error) {
	return s.sup.Status(ctx, tenant)
}
func (s *Server) Reconcile(ctx context.Context) (Report, error) { return s.sup.Reconcile(ctx) }
func (s *Server) Ready() bool                                   { return s.sup.Ready() }

// Run binds the listeners, reconciles desired state, schedules sweeps and
// blocks until ctx is done or a listener fails. Tenant children outlive Run.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	if s.admin != nil {
		go func() {
			if err := server.Serve(s.admin); err != nil {
				errCh <- fmt.Errorf("admin listener: %w", err)
			}
		}()
		s.log.Info("admin listener started", "addr", s.admin.Addr)
	}
	go func() {
		if err := server.Serve(s.api); err != nil {
			errCh <- fmt.Errorf("api listener: %w", err)
		}
	}()
	s.log.Info("api listener started", "addr", s.api.Addr, "base_path", s.cfg.Server.BasePath, "tls", s.api.TLSConfig != nil)

	rep, err := s.sup.Reconcile(ctx)
	if err != nil {
		s.log.Error("boot reconciliation failed", "error", err)
	} else {
		s.log.Info("boot reconciliation done",
			"launched", len(rep.Launched),
			"adopted", len(rep.Adopted),
			"already_running", len(rep.AlreadyRunning),
			"nothing_to_run", len(rep.NothingToRun),
			"skipped", len(rep.Skipped),
			"errors", len(rep.Errors))
	}
	if s.sweeper != nil {
		if err := s.sweeper.Start(); err != nil {
			s.log.Error("sweeps not scheduled", "error", err)
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case runErr = <-errCh:
		s.log.Error("listener failed", "error", runErr)
	}
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(runErr, s.Close(sctx))
}

// Close releases everything New acquired. Running children are left alone.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if s.api != nil {
		errs = append(errs, s.api.Shutdown(ctx))
	}
	if s.admin != nil {
		errs = append(errs, s.admin.Shutdown(ctx))
	}
	if s.sweeper != nil {
		errs = append(errs, s.sweeper.Stop(ctx))
	}
	if s.sup != nil {
		errs = append(errs, s.sup.Shutdown(ctx))
	}
	if s.rec != nil {
		errs = append(errs, s.rec.Close(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
