package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const instanceLockName = "reveille.lock"

// InstanceLock keeps a second daemon from serving out of the same state dir.
type InstanceLock struct {
	mu         sync.Mutex
	lock       *flock.Flock
	path       string
	acquiredAt time.Time
}

func AcquireInstanceLock(ctx context.Context, stateDir string, timeout, retry time.Duration) (*InstanceLock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, instanceLockName)
	fl := flock.New(path)

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := fl.TryLockContext(lockCtx, retry)
	if err != nil {
		return nil, fmt.Errorf("state dir %s is locked by another instance (timeout after %v): %w", stateDir, timeout, err)
	}
	if !locked {
		return nil, fmt.Errorf("state dir %s is locked by another instance", stateDir)
	}

	l := &InstanceLock{lock: fl, path: path, acquiredAt: time.Now()}
	slog.Info("Instance lock acquired", "path", path)
	return l, nil
}

func (l *InstanceLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return
	}
	if err := l.lock.Unlock(); err != nil {
		slog.Error("Failed to release instance lock", "path", l.path, "error", err)
	} else {
		slog.Info("Instance lock released", "path", l.path, "held", time.Since(l.acquiredAt).Round(time.Second))
	}
	l.lock = nil
}

func (l *InstanceLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lock != nil
}

// CleanupStaleLock removes a lock file older than maxAge, only when force is set.
func CleanupStaleLock(stateDir string, maxAge time.Duration, force bool) error {
	path := filepath.Join(stateDir, instanceLockName)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	age := time.Since(info.ModTime())
	if age <= maxAge {
		return nil
	}
	slog.Warn("Found stale lock file", "path", path, "age", age.Round(time.Second), "max_age", maxAge)
	if !force {
		slog.Info("Stale lock detected but not cleaning (use --force-clean-locks to remove)", "path", path)
		return nil
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	slog.Info("Stale lock file removed", "path", path)
	return nil
}
