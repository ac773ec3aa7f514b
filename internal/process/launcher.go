package process

import (
	"context"
	"time"
)

// Exec is the Launcher backed by os/exec.
type Exec struct {
	// PollInterval for adopted processes; zero means DefaultPollInterval.
	PollInterval time.Duration
}

func (e Exec) Launch(spec Spec) (Handle, error) {
	p, err := Start(spec)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e Exec) Adopt(ctx context.Context, spec Spec) (Handle, bool) {
	o, ok := adopt(ctx, spec.PIDFile, e.PollInterval)
	if !ok {
		return nil, false
	}
	return o, true
}
