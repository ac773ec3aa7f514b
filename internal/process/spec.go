package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// Spec describes one tenant child.
type Spec struct {
	Tenant  string   `json:"tenant"`
	Command string   `json:"command"`  // runtime invocation, e.g. "node bot.js"
	WorkDir string   `json:"work_dir"` // tenant workspace
	Env     []string `json:"env"`      // full environment; nil inherits the server's
	PIDFile string   `json:"pid_file"` // optional; enables adoption after a server restart
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Tenant) == "" {
		return errors.New("process requires tenant")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("process requires command")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for s.Command.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'node bot.js'"), avoiding double-wrapping with another shell.
func (s Spec) BuildCommand() *exec.Cmd {
	return s.BuildCommandContext(context.Background())
}

// BuildCommandContext is BuildCommand bound to ctx.
func (s Spec) BuildCommandContext(ctx context.Context) *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if cmdStr == "" {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/true")
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		// #nosec G204
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the start
// of cmdStr and returns the shell and the script verbatim, minus one pair of
// enclosing quotes.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return strings.Fields(p)[0], after, true
	}
	return "", "", false
}
