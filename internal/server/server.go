package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/loykin/botrunner/internal/config"
	btls "github.com/loykin/botrunner/internal/tls"
)

// NewHTTPServer builds the API server. TLS is configured when enabled in cfg;
// callers choose ListenAndServe or ListenAndServeTLS("", "") from
// srv.TLSConfig.
func NewHTTPServer(cfg config.ServerConfig, h http.Handler) (*http.Server, error) {
	tc, err := btls.SetupTLS(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup tls: %w", err)
	}
	return &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		TLSConfig:         tc,
		ReadHeaderTimeout: 10 * time.Second,
		// uploads and dependency installs can take minutes
		ReadTimeout:  2 * time.Minute,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}, nil
}

// Serve runs srv until it is shut down.
func Serve(srv *http.Server) error {
	var err error
	if srv.TLSConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
