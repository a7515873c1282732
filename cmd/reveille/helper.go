package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/harunnryd/reveille/internal/record"
)

// withRecords opens the configured record store for the duration of fn.
func withRecords(fn func(ctx context.Context, records record.Store) error) error {
	if cfg == nil {
		return fmt.Errorf("config not loaded")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Store.Backend), record.BackendMemory) {
		return fmt.Errorf("store backend %q does not persist between commands", cfg.Store.Backend)
	}

	records, err := record.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer records.Close()

	return fn(context.Background(), records)
}

func normalizeDevice(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
