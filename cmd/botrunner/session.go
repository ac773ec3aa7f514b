package main

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

// Session is the token saved by "botrunner login".
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	ServerURL string    `json:"server_url"`
}

func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type SessionManager struct {
	sessionPath string
}

// NewSessionManager keeps the session under dir, or ~/.botrunner when dir
// is empty.
func NewSessionManager(dir string) *SessionManager {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".botrunner")
	}
	return &SessionManager{sessionPath: filepath.Join(dir, "session.json")}
}

func (sm *SessionManager) Save(s *Session) error {
	if err := os.MkdirAll(filepath.Dir(sm.sessionPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.sessionPath, data, 0o600)
}

// Load returns nil, nil when no session was saved.
func (sm *SessionManager) Load() (*Session, error) {
	data, err := os.ReadFile(sm.sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (sm *SessionManager) Clear() error {
	err := os.Remove(sm.sessionPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
