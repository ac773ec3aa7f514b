package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch          EventType = "launch"
	EventAdopt           EventType = "adopt"
	EventExit            EventType = "exit" // clean exit, desired state cleared
	EventCrash           EventType = "crash"
	EventRestart         EventType = "restart"
	EventStop            EventType = "stop"
	EventMissingArtifact EventType = "missing_artifact"
	EventLaunchFailed    EventType = "launch_failed"
	EventCrashLoop       EventType = "crash_loop"
)

// Event is one tenant lifecycle transition exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Tenant     string    `json:"tenant"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
