package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueue   = 256
	defaultTimeout = 5 * time.Second
)

// Recorder delivers events to sinks from a single background goroutine so
// that callers never block on a slow database. Events are dropped when the
// queue is full.
type Recorder struct {
	sinks   []Sink
	log     *slog.Logger
	timeout time.Duration

	q    chan Event
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewRecorder starts a recorder. With no sinks Record is a no-op.
func NewRecorder(log *slog.Logger, queue int, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	if queue <= 0 {
		queue = defaultQueue
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		log:     log,
		timeout: defaultTimeout,
		q:       make(chan Event, queue),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues e, stamping OccurredAt when unset.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.q <- e:
	default:
		r.log.Warn("history queue full, dropping event", "type", e.Type, "tenant", e.Tenant)
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.q {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				r.log.Warn("history sink send failed", "type", e.Type, "tenant", e.Tenant, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events (bounded by ctx) and closes sinks that
// implement io.Closer.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.q)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return nil
}
