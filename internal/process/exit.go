package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// ErrExitUnknown marks the exit of an adopted process, whose status cannot be
// collected because it is not our child.
var ErrExitUnknown = errors.New("exit status unknown")

// Exit is the observed termination of a child.
type Exit struct {
	Code   int    // -1 when killed by a signal or unknown
	Signal string // set when terminated by a signal
	Err    error  // wait failure or ErrExitUnknown
}

// Clean reports a normal termination with status 0.
func (e Exit) Clean() bool { return e.Code == 0 && e.Signal == "" && e.Err == nil }

func (e Exit) String() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Signal != "":
		return "signal: " + e.Signal
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

func exitFromWait(err error) Exit {
	if err == nil {
		return Exit{}
	}
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return Exit{Code: -1, Err: err}
	}
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{Code: -1, Signal: ws.Signal().String()}
	}
	return Exit{Code: ee.ExitCode()}
}
