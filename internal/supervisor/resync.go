package supervisor

import (
	"context"
	"time"

	"github.com/loykin/botrunner/internal/metrics"
)

const desiredWriteTimeout = 10 * time.Second

// setDesired writes the desired state. A failed write leaves the process
// alone and is queued for the resync loop.
func (s *Supervisor) setDesired(ctx context.Context, tenant string, v bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), desiredWriteTimeout)
	defer cancel()
	err := s.st.SetDesired(ctx, tenant, v)

	s.mu.Lock()
	if err != nil {
		s.unsaved[tenant] = v
	} else {
		delete(s.unsaved, tenant)
	}
	n := len(s.unsaved)
	s.mu.Unlock()
	metrics.SetPendingWrites(n)

	if err != nil {
		s.log.Error("desired state write failed, queued for resync", "tenant", tenant, "desired", v, "error", err)
	}
}

// Resync retries queued desired-state writes and returns how many remain.
func (s *Supervisor) Resync(ctx context.Context) int {
	s.mu.Lock()
	queued := make([]string, 0, len(s.unsaved))
	for t := range s.unsaved {
		queued = append(queued, t)
	}
	s.mu.Unlock()

	for _, t := range queued {
		unlock := s.locks.Lock(t)
		s.mu.Lock()
		v, ok := s.unsaved[t]
		s.mu.Unlock()
		if ok {
			s.setDesired(ctx, t, v)
		}
		unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsaved)
}

// PendingWrites lists tenants whose desired state is not yet persisted.
func (s *Supervisor) PendingWrites() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.unsaved))
	for t, v := range s.unsaved {
		out[t] = v
	}
	return out
}

func (s *Supervisor) resyncLoop(every time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			if n := s.Resync(s.ctx); n > 0 {
				s.log.Warn("desired state still unsaved", "tenants", n)
			}
		}
	}
}
