package process

import (
	"context"
	"os"
	"time"
)

// DefaultPollInterval is how often an adopted process is probed for liveness.
const DefaultPollInterval = 500 * time.Millisecond

// orphan is a child of a previous server instance. It is not our child, so
// liveness is polled and the exit status is unknown.
type orphan struct {
	pid       int
	start     int64
	startedAt time.Time
	pidFile   string
	done      chan struct{}
	polling   chan struct{} // closed when watch returns
}

func (o *orphan) PID() int              { return o.pid }
func (o *orphan) StartedAt() time.Time  { return o.startedAt }
func (o *orphan) Adopted() bool         { return true }
func (o *orphan) Done() <-chan struct{} { return o.done }
func (o *orphan) Exit() Exit            { return Exit{Code: -1, Err: ErrExitUnknown} }

func (o *orphan) Stop(wait time.Duration) error {
	return stopGroup(o.pid, o.done, wait)
}

// sameProcess guards against pid reuse by comparing start times.
func (o *orphan) sameProcess() bool {
	return alive(o.pid) && getProcStartUnix(o.pid) == o.start
}

func (o *orphan) watch(ctx context.Context, every time.Duration) {
	defer close(o.polling)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !o.sameProcess() {
			removePIDFileIfOwned(o.pidFile, o.pid)
			close(o.done)
			return
		}
	}
}

// adopt reattaches to the process recorded in pidFile. Files whose process
// is gone, or whose start time no longer matches, are removed. Polling stops
// when ctx is done.
func adopt(ctx context.Context, pidFile string, every time.Duration) (*orphan, bool) {
	if pidFile == "" {
		return nil, false
	}
	pid, start, err := ReadPIDFile(pidFile)
	if err != nil {
		return nil, false
	}
	o := &orphan{
		pid:     pid,
		start:   start,
		pidFile: pidFile,
		done:    make(chan struct{}),
		polling: make(chan struct{}),
	}
	if start == 0 || !o.sameProcess() {
		_ = os.Remove(pidFile)
		return nil, false
	}
	o.startedAt = time.Unix(start, 0)
	if every <= 0 {
		every = DefaultPollInterval
	}
	go o.watch(ctx, every)
	return o, true
}
