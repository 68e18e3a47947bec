package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// PIDFileName guards against concurrent invocations
	PIDFileName = "hostwatch.pid"

	// StaleLockAge is how long a live lock holder may run before it is
	// considered hung and killed
	StaleLockAge = 25 * time.Minute

	lockAttempts = 3
)

// ErrAlreadyRunning is returned when another invocation holds the PID lock
var ErrAlreadyRunning = errors.New("another hostwatch process is already running")

// PIDLock is an acquired PID file
type PIDLock struct {
	path   string
	logger *zap.Logger
}

// AcquirePIDLock creates the PID file in dir. An existing file left by a
// dead process, or by a live process older than StaleLockAge, is reclaimed.
func AcquirePIDLock(dir string, now time.Time, logger *zap.Logger) (*PIDLock, error) {
	path := filepath.Join(dir, PIDFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	for attempt := 0; attempt < lockAttempts; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(os.Getpid()))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write pid file: %w", errors.Join(werr, cerr))
			}
			return &PIDLock{path: path, logger: logger}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create pid file: %w", err)
		}

		reclaim, err := inspectPIDFile(path, now, logger)
		if err != nil {
			return nil, err
		}
		if !reclaim {
			return nil, ErrAlreadyRunning
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale pid file: %w", err)
		}
	}
	return nil, ErrAlreadyRunning
}

// inspectPIDFile decides whether the existing lock may be taken over,
// killing a hung holder when needed
func inspectPIDFile(path string, now time.Time, logger *zap.Logger) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat pid file: %w", err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read pid file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		logger.Info("PID file is unreadable, removing it", zap.String("path", path))
		return true, nil
	}

	if !processAlive(pid) {
		logger.Info("Process in PID file is not running, removing it",
			zap.String("path", path),
			zap.Int("pid", pid),
		)
		return true, nil
	}

	age := now.Sub(info.ModTime())
	if age <= StaleLockAge {
		logger.Info("Another hostwatch process is running",
			zap.Int("pid", pid),
			zap.Duration("age", age),
		)
		return false, nil
	}

	logger.Warn("Killing hung hostwatch process",
		zap.Int("pid", pid),
		zap.Duration("age", age),
	)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return false, fmt.Errorf("failed to kill process %d: %w", pid, err)
	}
	return true, nil
}

// processAlive checks pid with signal 0. EPERM means the process exists
// but belongs to someone else.
func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Release removes the PID file
func (l *PIDLock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("Failed to remove pid file", zap.String("path", l.path), zap.Error(err))
		return err
	}
	return nil
}
