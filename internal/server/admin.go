package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Readiness reports whether boot reconciliation has finished.
type Readiness interface {
	Ready() bool
}

// NewAdmin builds the admin listener: /metrics, /healthz and /readyz.
func NewAdmin(ready Readiness, metrics http.Handler, log *slog.Logger) *echo.Echo {
	if log == nil {
		log = slog.Default()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			if v.Error != nil {
				log.Warn("admin request failed", "uri", v.URI, "status", v.Status, "error", v.Error)
			}
			return nil
		},
	}))

	e.GET("/metrics", echo.WrapHandler(metrics))
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/readyz", func(c echo.Context) error {
		if ready == nil || !ready.Ready() {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "reconciling"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
	})
	return e
}

// NewAdminServer wraps the admin handler in an http.Server bound to addr.
func NewAdminServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
