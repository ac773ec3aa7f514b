package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// WritePIDFile records pid and its start time (unix seconds) as two lines.
func WritePIDFile(path string, pid int, start int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data := strconv.Itoa(pid) + "\n" + strconv.FormatInt(start, 10) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile reads a file written by WritePIDFile. Legacy files holding only
// a pid yield start 0.
func ReadPIDFile(path string) (int, int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, 0, fmt.Errorf("parse pid file %s: invalid pid %d", path, pid)
	}
	startLine, _, _ := strings.Cut(rest, "\n")
	startLine = strings.TrimSpace(startLine)
	if startLine == "" {
		return pid, 0, nil
	}
	start, err := strconv.ParseInt(startLine, 10, 64)
	if err != nil {
		return pid, 0, nil
	}
	return pid, start, nil
}

func removePIDFileIfOwned(path string, pid int) {
	if path == "" {
		return
	}
	if cur, _, err := ReadPIDFile(path); err == nil && cur == pid {
		_ = os.Remove(path)
	}
}
