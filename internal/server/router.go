// Package server exposes the upload and administration API over gin and the
// metrics and health endpoints over echo.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botrunner/internal/auth"
	"github.com/loykin/botrunner/internal/store"
	"github.com/loykin/botrunner/internal/supervisor"
	"github.com/loykin/botrunner/internal/workspace"
)

// Supervisor is the launch protocol as seen by the API.
type Supervisor interface {
	EnsureRunning(ctx context.Context, tenant string) (supervisor.Outcome, error)
	Stop(ctx context.Context, tenant string, wait time.Duration) error
	Reconcile(ctx context.Context) (supervisor.Report, error)
	Status(ctx context.Context, tenant string) (supervisor.Status, error)
	Statuses(ctx context.Context, extra ...string) ([]supervisor.Status, error)
	Ready() bool
}

// Workspace stores uploads and installs dependencies.
type Workspace interface {
	SaveEntryPoint(tenant string, r io.Reader) error
	SaveManifest(tenant string, r io.Reader) error
	Install(ctx context.Context, tenant string) error
}

// Store is the part of the persistence layer the API touches.
type Store interface {
	store.BanList
	store.Roster
}

type Options struct {
	BasePath       string
	StaticDir      string
	MaxUploadBytes int64
	StopWait       time.Duration
	Auth           *auth.Middleware // nil leaves admin routes open
	Logger         *slog.Logger
}

type Router struct {
	sup   Supervisor
	ws    Workspace
	store Store
	opts  Options
	base  string
	log   *slog.Logger
}

func NewRouter(sup Supervisor, ws Workspace, st Store, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.StopWait <= 0 {
		opts.StopWait = 5 * time.Second
	}
	return &Router{sup: sup, ws: ws, store: st, opts: opts, base: sanitizeBase(opts.BasePath), log: opts.Logger}
}

// Handler returns the gin engine serving every route.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(r.log))
	g.MaxMultipartMemory = 8 << 20

	if r.opts.StaticDir != "" {
		g.GET("/", r.handleIndex)
	}
	api := g.Group(r.base)
	api.POST("/upload", r.handleUpload)
	api.GET("/status", r.handleStatus)
	api.POST("/login", r.opts.Auth.Login())

	admin := api.Group("", r.opts.Auth.RequireAdmin())
	admin.POST("/ban", r.handleBan)
	admin.POST("/unban", r.handleUnban)
	admin.GET("/bans", r.handleBans)
	admin.POST("/start", r.handleStart)
	admin.POST("/stop", r.handleStop)
	admin.POST("/reconcile", r.handleReconcile)
	admin.GET("/tenants", r.handleTenants)
	return g
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond))
	}
}

func (r *Router) handleIndex(c *gin.Context) {
	p := filepath.Join(r.opts.StaticDir, "index.html")
	if _, err := os.Stat(p); err != nil {
		fail(c, http.StatusNotFound, "index.html not found")
		return
	}
	c.File(p)
}

type uploadResp struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Tenant  string `json:"tenant"`
	Outcome string `json:"outcome"`
}

var outcomeMessages = map[supervisor.Outcome]string{
	supervisor.OutcomeStarted:        "your bot is running",
	supervisor.OutcomeAdopted:        "your bot is running",
	supervisor.OutcomeAlreadyRunning: "your bot is already running",
	supervisor.OutcomeNothingToRun:   "no entry point uploaded, nothing to run",
	supervisor.OutcomeStopping:       "your bot is stopping, try again once it has stopped",
}

// handleUpload stores the uploaded files, installs dependencies and launches
// the tenant. A failed install never reaches the supervisor.
func (r *Router) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, r.opts.MaxUploadBytes)
	tenant := strings.TrimSpace(c.PostForm("chatId"))
	if !workspace.ValidTenantID(tenant) {
		fail(c, http.StatusBadRequest, "invalid chatId")
		return
	}
	ctx := c.Request.Context()
	if !r.allowed(c, tenant) {
		return
	}

	for _, f := range []struct {
		field string
		save  func(string, io.Reader) error
	}{
		{"botjs", r.ws.SaveEntryPoint},
		{"pkg", r.ws.SaveManifest},
	} {
		fh, err := c.FormFile(f.field)
		if errors.Is(err, http.ErrMissingFile) {
			continue
		}
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid upload: "+err.Error())
			return
		}
		src, err := fh.Open()
		if err != nil {
			fail(c, http.StatusBadRequest, "invalid upload: "+err.Error())
			return
		}
		err = f.save(tenant, src)
		_ = src.Close()
		if errors.Is(err, workspace.ErrFileTooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		if err != nil {
			r.log.Error("save upload failed", "tenant", tenant, "field", f.field, "error", err)
			fail(c, http.StatusInternalServerError, "could not store upload")
			return
		}
	}
	if err := r.store.TouchTenant(ctx, tenant); err != nil {
		r.log.Error("roster update failed", "tenant", tenant, "error", err)
	}

	// install outlives a disconnecting client; it carries its own timeout
	if err := r.ws.Install(context.WithoutCancel(ctx), tenant); err != nil {
		r.log.Warn("install failed", "tenant", tenant, "error", err)
		fail(c, http.StatusInternalServerError, "install failed")
		return
	}
	r.launch(c, tenant)
}

// allowed writes 403 for banned tenants and 500 when the ban list is
// unreadable.
func (r *Router) allowed(c *gin.Context, tenant string) bool {
	banned, err := r.store.IsBanned(c.Request.Context(), tenant)
	if err != nil {
		r.log.Error("ban check failed", "tenant", tenant, "error", err)
		fail(c, http.StatusInternalServerError, "ban check failed")
		return false
	}
	if banned {
		fail(c, http.StatusForbidden, "you are banned")
		return false
	}
	return true
}

func (r *Router) launch(c *gin.Context, tenant string) {
	out, err := r.sup.EnsureRunning(c.Request.Context(), tenant)
	if errors.Is(err, supervisor.ErrShutdown) {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "launch failed: "+err.Error())
		return
	}
	if out == supervisor.OutcomeStopping {
		writeJSON(c, http.StatusConflict, uploadResp{Message: outcomeMessages[out], Tenant: tenant, Outcome: out.String()})
		return
	}
	writeJSON(c, http.StatusOK, uploadResp{OK: true, Message: outcomeMessages[out], Tenant: tenant, Outcome: out.String()})
}

type userReq struct {
	UserID string `json:"userId" form:"userId"`
}

func (r *Router) bindUser(c *gin.Context) (string, bool) {
	var req userReq
	if err := c.ShouldBind(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request: "+err.Error())
		return "", false
	}
	id := strings.TrimSpace(req.UserID)
	if !workspace.ValidTenantID(id) {
		fail(c, http.StatusBadRequest, "invalid userId")
		return "", false
	}
	return id, true
}

func (r *Router) handleBan(c *gin.Context) {
	id, ok := r.bindUser(c)
	if !ok {
		return
	}
	if err := r.store.Ban(c.Request.Context(), id); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	r.log.Info("tenant banned", "tenant", id)
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "user " + id + " banned"})
}

func (r *Router) handleUnban(c *gin.Context) {
	id, ok := r.bindUser(c)
	if !ok {
		return
	}
	if err := r.store.Unban(c.Request.Context(), id); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	r.log.Info("tenant unbanned", "tenant", id)
	writeJSON(c, http.StatusOK, okResp{OK: true, Message: "user " + id + " unbanned"})
}

func (r *Router) handleBans(c *gin.Context) {
	ids, err := r.store.ListBanned(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "banned": ids})
}

func (r *Router) tenantParam(c *gin.Context) (string, bool) {
	t := strings.TrimSpace(c.Query("tenant"))
	if !workspace.ValidTenantID(t) {
		fail(c, http.StatusBadRequest, "tenant query param required")
		return "", false
	}
	return t, true
}

func (r *Router) handleStart(c *gin.Context) {
	t, ok := r.tenantParam(c)
	if !ok || !r.allowed(c, t) {
		return
	}
	r.launch(c, t)
}

func (r *Router) handleStop(c *gin.Context) {
	t, ok := r.tenantParam(c)
	if !ok {
		return
	}
	wait, ok := parseWait(c.Query("wait"), r.opts.StopWait)
	if !ok {
		fail(c, http.StatusBadRequest, "invalid wait")
		return
	}
	err := r.sup.Stop(c.Request.Context(), t, wait)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		fail(c, http.StatusConflict, "tenant "+t+" is not running")
	case err != nil:
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(c, http.StatusOK, okResp{OK: true, Message: "tenant " + t + " stopped"})
	}
}

type reconcileResp struct {
	OK bool `json:"ok"`
	supervisor.Report
	Failures map[string]string `json:"errors,omitempty"`
}

func (r *Router) handleReconcile(c *gin.Context) {
	rep, err := r.sup.Reconcile(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	out := reconcileResp{OK: true, Report: rep}
	if len(rep.Errors) > 0 {
		out.Failures = make(map[string]string, len(rep.Errors))
		for t, e := range rep.Errors {
			out.Failures[t] = e.Error()
		}
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleStatus(c *gin.Context) {
	t, ok := r.tenantParam(c)
	if !ok {
		return
	}
	st, err := r.sup.Status(c.Request.Context(), t)
	if errors.Is(err, supervisor.ErrUnknownTenant) {
		fail(c, http.StatusNotFound, "unknown tenant "+t)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "status": st})
}

type tenantView struct {
	supervisor.Status
	Banned bool `json:"banned"`
}

func (r *Router) handleTenants(c *gin.Context) {
	ctx := c.Request.Context()
	roster, err := r.store.ListTenants(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	banned, err := r.store.ListBanned(ctx)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	sts, err := r.sup.Statuses(ctx, roster...)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	isBanned := make(map[string]bool, len(banned))
	for _, b := range banned {
		isBanned[b] = true
	}
	out := make([]tenantView, 0, len(sts))
	for _, s := range sts {
		out = append(out, tenantView{Status: s, Banned: isBanned[s.Tenant]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant < out[j].Tenant })
	writeJSON(c, http.StatusOK, gin.H{"ok": true, "tenants": out})
}
