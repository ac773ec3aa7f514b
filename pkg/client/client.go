// Package client is a Go client for the botrunner HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

const DefaultBaseURL = "http://127.0.0.1:10000"

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	BaseURL  string // including the server's base path
	Timeout  time.Duration
	Token    string       // bearer token for admin routes
	Logger   *slog.Logger // optional
	TLS      *TLSClientConfig
	Insecure bool // skip TLS verification
}

type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ClientCert string
	ClientKey  string
	ServerName string
}

// New builds a client. An unreadable CA or client certificate is an error.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tc, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tc
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// SetToken replaces the bearer token.
func (c *Client) SetToken(tok string) { c.token = tok }

func setupClientTLS(config Config) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		// #nosec G402
		tc.InsecureSkipVerify = true
	}
	if config.TLS == nil {
		return tc, nil
	}
	tc.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		pem, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate %s", config.TLS.CACert)
		}
		tc.RootCAs = pool
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("server not reachable at %s: %w", c.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

// Upload sends the entry point and/or manifest for tenant; empty paths are
// skipped. The server installs dependencies and launches the bot.
func (c *Client) Upload(ctx context.Context, tenant, entryPoint, manifest string) (*UploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chatId", tenant); err != nil {
		return nil, err
	}
	for _, f := range []struct{ field, path string }{{"botjs", entryPoint}, {"pkg", manifest}} {
		if f.path == "" {
			continue
		}
		if err := attach(mw, f.field, f.path); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	var out UploadResponse
	if err := c.do(ctx, http.MethodPost, "/upload", &buf, mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func attach(mw *multipart.Writer, field, path string) error {
	// #nosec G304
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	w, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

func tenantQuery(path, tenant string) string {
	return path + "?tenant=" + url.QueryEscape(tenant)
}

func (c *Client) Start(ctx context.Context, tenant string) (*UploadResponse, error) {
	var out UploadResponse
	if err := c.do(ctx, http.MethodPost, tenantQuery("/start", tenant), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop stops tenant. A zero wait uses the server's stop_wait.
func (c *Client) Stop(ctx context.Context, tenant string, wait time.Duration) (*MessageResponse, error) {
	p := tenantQuery("/stop", tenant)
	if wait > 0 {
		p += "&wait=" + url.QueryEscape(wait.String())
	}
	var out MessageResponse
	if err := c.do(ctx, http.MethodPost, p, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, tenant string) (*TenantStatus, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, tenantQuery("/status", tenant), nil, "", &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

func (c *Client) Ban(ctx context.Context, id string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.postForm(ctx, "/ban", url.Values{"userId": {id}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Unban(ctx context.Context, id string) (*MessageResponse, error) {
	var out MessageResponse
	if err := c.postForm(ctx, "/unban", url.Values{"userId": {id}}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Bans(ctx context.Context) ([]string, error) {
	var out BansResponse
	if err := c.do(ctx, http.MethodGet, "/bans", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Banned, nil
}

func (c *Client) Tenants(ctx context.Context) ([]TenantStatus, error) {
	var out TenantsResponse
	if err := c.do(ctx, http.MethodGet, "/tenants", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Tenants, nil
}

func (c *Client) Reconcile(ctx context.Context) (*ReconcileResponse, error) {
	var out ReconcileResponse
	if err := c.do(ctx, http.MethodPost, "/reconcile", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login exchanges admin credentials for a token. The client keeps using
// the token for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*Token, error) {
	var out loginResponse
	if err := c.postForm(ctx, "/login", url.Values{"username": {username}, "password": {password}}, &out); err != nil {
		return nil, err
	}
	if out.Token == nil || out.Token.Value == "" {
		return nil, fmt.Errorf("login response carried no token")
	}
	c.token = out.Token.Value
	return out.Token, nil
}
