// Package process launches tenant children detached from the server and
// reports their termination.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Handle is one live child. Done is closed exactly once, when the child is
// gone; Exit is meaningful only after that.
type Handle interface {
	PID() int
	StartedAt() time.Time
	Adopted() bool
	Done() <-chan struct{}
	Exit() Exit
	// Stop terminates the process group, escalating to a kill after wait.
	Stop(wait time.Duration) error
}

// Launcher starts new children and reattaches to children left behind by a
// previous server instance. An adopted handle is polled until the process
// exits or ctx is done.
type Launcher interface {
	Launch(spec Spec) (Handle, error)
	Adopt(ctx context.Context, spec Spec) (Handle, bool)
}

// killGrace bounds the wait for exit notification after a forced kill.
const killGrace = 2 * time.Second

// Process is a child started by this server. One goroutine reaps it.
type Process struct {
	spec      Spec
	pid       int
	startedAt time.Time
	done      chan struct{}

	mu   sync.Mutex
	exit Exit
}

// Start spawns spec in its own session with stdio bound to the null device
// and writes the pid file when configured.
func Start(spec Spec) (*Process, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	cmd := spec.BuildCommand()
	cmd.Dir = spec.WorkDir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer func() { _ = null.Close() }()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = null, null, null
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	p := &Process{
		spec:      spec,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	if spec.PIDFile != "" {
		_ = WritePIDFile(spec.PIDFile, p.pid, getProcStartUnix(p.pid))
	}
	go func() {
		ex := exitFromWait(cmd.Wait())
		p.mu.Lock()
		p.exit = ex
		p.mu.Unlock()
		removePIDFileIfOwned(spec.PIDFile, p.pid)
		close(p.done)
	}()
	return p, nil
}

func (p *Process) PID() int              { return p.pid }
func (p *Process) StartedAt() time.Time  { return p.startedAt }
func (p *Process) Adopted() bool         { return false }
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *Process) Stop(wait time.Duration) error {
	return stopGroup(p.pid, p.done, wait)
}

// stopGroup sends the terminate signal to the group led by pid, then a kill
// when done is still open after wait.
func stopGroup(pid int, done <-chan struct{}, wait time.Duration) error {
	select {
	case <-done:
		return nil
	default:
	}
	if err := terminateGroup(pid); err != nil && alive(pid) {
		return fmt.Errorf("terminate pid %d: %w", pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(wait):
	}
	_ = killGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killGrace):
		return fmt.Errorf("pid %d did not exit after kill", pid)
	}
}

// alive reports whether pid names a running, non-zombie process.
func alive(pid int) bool {
	if pid <= 0 || !processExists(pid) {
		return false
	}
	return !isZombieLinux(pid)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state.
// On other systems the file is absent and the result is false.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
