package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/botrunner"
	"github.com/loykin/botrunner/pkg/client"
)

// command carries what every subcommand handler needs.
type command struct {
	out      io.Writer
	in       io.Reader
	sessions *SessionManager
	now      func() time.Time
}

// client builds an API client for f, falling back to the saved session when
// it was issued by the same server.
func (c command) client(f APIFlags) (*client.Client, error) {
	cfg := client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, Token: f.Token, Insecure: f.Insecure}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	cl, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	if f.Token == "" {
		if tok := c.savedToken(cl.BaseURL()); tok != "" {
			cl.SetToken(tok)
		}
	}
	return cl, nil
}

func (c command) savedToken(baseURL string) string {
	if c.sessions == nil {
		return ""
	}
	s, err := c.sessions.Load()
	if err != nil || s == nil || s.ServerURL != baseURL || s.Expired(c.now()) {
		return ""
	}
	return s.Token
}

// call runs fn against the server selected by f and prints its result.
func call[T any](c command, f APIFlags, fn func(context.Context, *client.Client) (T, error)) error {
	cl, err := c.client(f)
	if err != nil {
		return err
	}
	res, err := fn(context.Background(), cl)
	if err != nil {
		return err
	}
	printJSON(c.out, res)
	return nil
}

func requireTenant(t string) error {
	if strings.TrimSpace(t) == "" {
		return errors.New("--tenant is required")
	}
	return nil
}

func (c command) Upload(f UploadFlags) error {
	if err := requireTenant(f.Tenant); err != nil {
		return err
	}
	return call(c, f.APIFlags, func(ctx context.Context, cl *client.Client) (*client.UploadResponse, error) {
		return cl.Upload(ctx, f.Tenant, f.BotJS, f.Manifest)
	})
}

func (c command) Start(f TenantFlags) error {
	if err := requireTenant(f.Tenant); err != nil {
		return err
	}
	return call(c, f.APIFlags, func(ctx context.Context, cl *client.Client) (*client.UploadResponse, error) {
		return cl.Start(ctx, f.Tenant)
	})
}

func (c command) Stop(f TenantFlags) error {
	if err := requireTenant(f.Tenant); err != nil {
		return err
	}
	return call(c, f.APIFlags, func(ctx context.Context, cl *client.Client) (*client.MessageResponse, error) {
		return cl.Stop(ctx, f.Tenant, f.Wait)
	})
}

func (c command) Status(f TenantFlags) error {
	if err := requireTenant(f.Tenant); err != nil {
		return err
	}
	return call(c, f.APIFlags, func(ctx context.Context, cl *client.Client) (*client.TenantStatus, error) {
		return cl.Status(ctx, f.Tenant)
	})
}

func (c command) Ban(f BanFlags) error {
	if f.UserID == "" {
		return errors.New("--user is required")
	}
	return call(c, f.APIFlags, func(ctx context.Context, cl *client.Client) (*client.MessageResponse, error) {
		return cl.Ban(ctx, f.UserID)
	})
}

func (c command) Unban(f BanFlags) error {
	if f.UserID == "" {
		return errors.New("--user is required")
	}
	return call(c, f.APIFlags, func(ctx context.Context, cl *client.Client) (*client.MessageResponse, error) {
		return cl.Unban(ctx, f.UserID)
	})
}

func (c command) Bans(f APIFlags) error {
	return call(c, f, func(ctx context.Context, cl *client.Client) ([]string, error) { return cl.Bans(ctx) })
}

func (c command) Tenants(f APIFlags) error {
	return call(c, f, func(ctx context.Context, cl *client.Client) ([]client.TenantStatus, error) {
		return cl.Tenants(ctx)
	})
}

func (c command) Reconcile(f APIFlags) error {
	return call(c, f, func(ctx context.Context, cl *client.Client) (*client.ReconcileResponse, error) {
		return cl.Reconcile(ctx)
	})
}

func (c command) Login(f LoginFlags) error {
	if f.Username == "" {
		return errors.New("--username is required")
	}
	pw := f.Password
	if pw == "" {
		var err error
		if pw, err = c.readLine("password: "); err != nil {
			return err
		}
	}
	f.Token = ""
	cl, err := c.client(f.APIFlags)
	if err != nil {
		return err
	}
	tok, err := cl.Login(context.Background(), f.Username, pw)
	if err != nil {
		return err
	}
	s := &Session{Token: tok.Value, ExpiresAt: tok.ExpiresAt, Username: f.Username, ServerURL: cl.BaseURL()}
	if err := c.sessions.Save(s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "logged in to %s as %s\n", s.ServerURL, s.Username)
	return nil
}

func (c command) Logout() error {
	if err := c.sessions.Clear(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "logged out")
	return nil
}

// HashPassword prints a bcrypt hash for auth.password_hash.
func (c command) HashPassword(f HashFlags) error {
	pw := f.Password
	if pw == "" {
		var err error
		if pw, err = c.readLine(""); err != nil {
			return err
		}
	}
	if pw == "" {
		return errors.New("empty password")
	}
	h, err := botrunner.HashPassword(pw)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, h)
	return nil
}

func (c command) readLine(prompt string) (string, error) {
	if prompt != "" {
		_, _ = fmt.Fprint(c.out, prompt)
	}
	line, err := bufio.NewReader(c.in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
