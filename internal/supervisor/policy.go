package supervisor

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// RestartPolicy hardens the crash path. The zero value relaunches
// immediately and forever.
type RestartPolicy struct {
	// Backoff is the first relaunch delay; doubles per consecutive crash.
	Backoff    time.Duration `mapstructure:"restart_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
	// CrashThreshold consecutive crashes inside CrashWindow move the
	// tenant to FAILED. Zero disables the breaker.
	CrashThreshold int           `mapstructure:"crash_threshold"`
	CrashWindow    time.Duration `mapstructure:"crash_window"`
}

var errCrashed = errors.New("crashed")

// Validate rejects negative values, a max backoff below the first delay and
// a breaker without a window.
func (p RestartPolicy) Validate() error {
	if p.Backoff < 0 || p.MaxBackoff < 0 || p.CrashThreshold < 0 || p.CrashWindow < 0 {
		return errors.New("restart values must be >= 0")
	}
	if p.MaxBackoff > 0 && p.MaxBackoff < p.Backoff {
		return errors.New("max_backoff must be >= restart_backoff")
	}
	if p.CrashThreshold > 0 && p.CrashWindow <= 0 {
		return errors.New("crash_window is required when crash_threshold is set")
	}
	return nil
}

func (p RestartPolicy) newBreaker(tenant string) *gobreaker.CircuitBreaker[struct{}] {
	if p.CrashThreshold <= 0 {
		return nil
	}
	threshold := uint32(p.CrashThreshold)
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:     tenant,
		Interval: p.CrashWindow,
		// Open never decays on its own; only an external launch resets it.
		Timeout: 100 * 365 * 24 * time.Hour,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	})
}

func (p RestartPolicy) newBackoff() *backoff.ExponentialBackOff {
	if p.Backoff <= 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval < p.Backoff {
		b.MaxInterval = p.Backoff
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// longRun reports whether a run was long enough to forget earlier crashes.
func (p RestartPolicy) longRun(d time.Duration) bool {
	return p.CrashWindow > 0 && d >= p.CrashWindow
}

// recordCrash feeds the breaker and reports whether it is now open.
func recordCrash(cb *gobreaker.CircuitBreaker[struct{}]) bool {
	if cb == nil {
		return false
	}
	_, _ = cb.Execute(func() (struct{}, error) { return struct{}{}, errCrashed })
	return cb.State() == gobreaker.StateOpen
}

func recordHealthy(cb *gobreaker.CircuitBreaker[struct{}]) {
	if cb == nil || cb.State() != gobreaker.StateClosed {
		return
	}
	_, _ = cb.Execute(func() (struct{}, error) { return struct{}{}, nil })
}
