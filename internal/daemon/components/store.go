package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/daemon"
	"github.com/harunnryd/reveille/internal/record"
)

// RecordStoreComponent owns the shared document store every other component
// reads triggers, locks and device state from.
type RecordStoreComponent struct {
	cfg         config.StoreConfig
	records     record.Store
	initialized bool
	mu          sync.RWMutex
}

func NewRecordStoreComponent(cfg config.StoreConfig) *RecordStoreComponent {
	return &RecordStoreComponent{cfg: cfg}
}

func (s *RecordStoreComponent) Name() string {
	return "RecordStore"
}

func (s *RecordStoreComponent) Dependencies() []string {
	return []string{}
}

func (s *RecordStoreComponent) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("RecordStore init cancelled: %w", ctx.Err())
	default:
	}

	records, err := record.Open(s.cfg)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}

	s.records = records
	s.initialized = true
	slog.Info("RecordStore initialized", "component", s.Name(), "backend", s.cfg.Backend)
	return nil
}

func (s *RecordStoreComponent) Start(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return fmt.Errorf("RecordStore not initialized")
	}
	return nil
}

func (s *RecordStoreComponent) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records == nil {
		return nil
	}
	err := s.records.Close()
	s.records = nil
	s.initialized = false
	if err != nil {
		slog.Error("RecordStore close error", "component", s.Name(), "error", err)
		return err
	}
	slog.Info("RecordStore stopped", "component", s.Name())
	return nil
}

func (s *RecordStoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized {
		return &daemon.ComponentHealth{
			Name:    s.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}
	return &daemon.ComponentHealth{Name: s.Name(), Healthy: true}, nil
}

func (s *RecordStoreComponent) Records() record.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records
}
