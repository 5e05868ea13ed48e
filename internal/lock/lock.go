package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError is returned when another daemon already owns the session.
type HeldError struct {
	PID     int
	Session string
	Path    string
}

func (e *HeldError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("session %q already owned by PID %d (%s)", e.Session, e.PID, e.Path)
	}
	return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
}

// Lock is an flock-ed LOCK file inside a session directory. Holding it means
// this process is the only writer of the session's queue and document files.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on sessionDir/LOCK.
func Acquire(sessionDir string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, "LOCK")

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		info := parseInfo(string(data))
		pid, _ := strconv.Atoi(info["pid"])
		return nil, &HeldError{PID: pid, Session: info["session"], Path: lockPath}
	}

	if err := writeInfo(f, filepath.Base(sessionDir)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock info: %w", err)
	}

	return &Lock{file: f, path: lockPath}, nil
}

// Release drops the lock and removes the file. Safe on a nil or released Lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func writeInfo(f *os.File, sessionName string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\nsession=%s\ntime=%s\n",
		os.Getpid(), sessionName, time.Now().UTC().Format(time.RFC3339))
	return err
}

func parseInfo(content string) map[string]string {
	info := make(map[string]string)
	for _, line := range strings.Split(content, "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			info[k] = v
		}
	}
	return info
}
