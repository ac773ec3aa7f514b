package client

import "time"

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// UploadResponse answers /upload and /start. Outcome is one of started,
// adopted, already_running, nothing_to_run; stopping comes back as a 409
// APIError.
type UploadResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Tenant  string `json:"tenant"`
	Outcome string `json:"outcome"`
}

// TenantStatus mirrors the server's per-tenant view. Banned is only filled
// by Tenants.
type TenantStatus struct {
	Tenant         string    `json:"tenant"`
	State          string    `json:"state"`
	Running        bool      `json:"running"`
	PID            int       `json:"pid,omitempty"`
	StartedAt      time.Time `json:"started_at,omitempty"`
	Adopted        bool      `json:"adopted,omitempty"`
	Desired        bool      `json:"desired"`
	Restarts       int       `json:"restarts"`
	LastExit       string    `json:"last_exit,omitempty"`
	LastExitAt     time.Time `json:"last_exit_at,omitempty"`
	PendingRestart bool      `json:"pending_restart,omitempty"`
	Banned         bool      `json:"banned,omitempty"`
}

type StatusResponse struct {
	OK     bool         `json:"ok"`
	Status TenantStatus `json:"status"`
}

type TenantsResponse struct {
	OK      bool           `json:"ok"`
	Tenants []TenantStatus `json:"tenants"`
}

type BansResponse struct {
	OK     bool     `json:"ok"`
	Banned []string `json:"banned"`
}

type ReconcileResponse struct {
	OK             bool              `json:"ok"`
	Launched       []string          `json:"launched"`
	Adopted        []string          `json:"adopted"`
	AlreadyRunning []string          `json:"already_running"`
	NothingToRun   []string          `json:"nothing_to_run"`
	Skipped        []string          `json:"skipped"`
	Errors         map[string]string `json:"errors,omitempty"`
}

// Token is an admin bearer token issued by /login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginResponse struct {
	OK    bool   `json:"ok"`
	Token *Token `json:"token"`
}
