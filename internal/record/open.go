package record

import (
	"fmt"
	"strings"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/errors"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open builds the backend named by cfg.Backend.
func Open(cfg config.StoreConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		lockTimeout, err := config.DurationOrDefault(cfg.LockTimeout, config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, err
		}
		lockRetry, err := config.DurationOrDefault(cfg.LockRetry, config.DefaultStoreLockRetry)
		if err != nil {
			return nil, err
		}
		return NewFileStore(cfg.Path, FileStoreOptions{LockTimeout: lockTimeout, LockRetry: lockRetry})
	case BackendSQLite:
		busy, err := config.DurationOrDefault(cfg.BusyTimeout, config.DefaultStoreBusyTimeout)
		if err != nil {
			return nil, err
		}
		return OpenSQLite(cfg.SQLitePath, busy)
	default:
		return nil, errors.InvalidInput(fmt.Sprintf("unknown store backend %q", cfg.Backend))
	}
}
