// Package lockfile keeps a data directory owned by a single process.
package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// FileName is the lock file created inside a locked directory.
const FileName = "offline-doctor.lock"

var ErrAlreadyLocked = errors.New("lock already held")

// HeldError reports the lock owner recorded in the lock file. PID is 0 when
// the owner could not be read.
type HeldError struct {
	Path    string
	PID     int
	Process string
}

func (e *HeldError) Error() string {
	if e == nil {
		return ErrAlreadyLocked.Error()
	}
	switch {
	case e.PID > 0 && e.Process != "":
		return fmt.Sprintf("%s is locked by pid %d (%s)", e.Path, e.PID, e.Process)
	case e.PID > 0:
		return fmt.Sprintf("%s is locked by pid %d", e.Path, e.PID)
	default:
		return fmt.Sprintf("%s is locked by another process", e.Path)
	}
}

func (e *HeldError) Is(target error) bool {
	return target == ErrAlreadyLocked
}

type Lock struct {
	path string
	f    *os.File
}

// AcquireDir takes the exclusive lock on <dir>/offline-doctor.lock without
// blocking.
func AcquireDir(dir string) (*Lock, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("lock dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return Acquire(filepath.Join(dir, FileName))
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, holder(path)
		}
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// The pid is informational; the OS lock is what excludes.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

func holder(path string) *HeldError {
	he := &HeldError{Path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		return he
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(b)))
	if err != nil || pid <= 0 {
		return he
	}
	he.PID = pid
	if p, err := process.NewProcess(int32(pid)); err == nil {
		if name, err := p.Name(); err == nil {
			he.Process = name
		}
	}
	return he
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Release unlocks and closes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	return errors.Join(unlockErr, closeErr)
}
