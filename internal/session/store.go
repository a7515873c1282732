package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/record"
)

// Store is the lock table keyed by device id. Create is an unconditional
// upsert; callers check Get first, which leaves a small window where two
// schedulers can both create a lock for the same device. The second write wins.
type Store struct {
	records record.Store
	now     func() time.Time
}

func NewStore(records record.Store) *Store {
	return &Store{records: records, now: time.Now}
}

type CreateOption func(*Lock)

// WithTriggeredAt overrides the trigger instant (default: now).
func WithTriggeredAt(t time.Time) CreateOption {
	return func(l *Lock) { l.TriggeredAt = t }
}

// WithExpiresAt overrides the derived triggeredAt + ttl expiry.
func WithExpiresAt(t time.Time) CreateOption {
	return func(l *Lock) { l.ExpiresAt = t }
}

func WithSnoozeFollowUp() CreateOption {
	return func(l *Lock) { l.IsSnoozeFollowUp = true }
}

func (s *Store) Create(ctx context.Context, deviceID, sessionType string, ttl time.Duration, cfg Config, opts ...CreateOption) (*Lock, error) {
	if err := validateDevice(deviceID); err != nil {
		return nil, err
	}
	if sessionType == "" {
		sessionType = DefaultType
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	lock := &Lock{
		DeviceID:    deviceID,
		SessionType: sessionType,
		TriggeredAt: s.now().UTC(),
		TTL:         ttl,
		Config:      cfg,
	}
	for _, opt := range opts {
		opt(lock)
	}
	if lock.ExpiresAt.IsZero() {
		lock.ExpiresAt = lock.TriggeredAt.Add(ttl)
	}

	if err := s.records.Set(ctx, Collection, deviceID, encode(lock)); err != nil {
		return nil, err
	}
	slog.Debug("Session lock created", "device_id", deviceID, "session_type", sessionType, "expires_at", lock.ExpiresAt)
	return lock, nil
}

// Get returns the live lock for deviceID, or nil when there is none. An
// expired lock is deleted on read.
func (s *Store) Get(ctx context.Context, deviceID string, now time.Time) (*Lock, error) {
	if err := validateDevice(deviceID); err != nil {
		return nil, err
	}
	doc, err := s.records.Get(ctx, Collection, deviceID)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	lock, err := decode(deviceID, doc)
	if err != nil {
		return nil, err
	}
	if IsExpired(lock, now) {
		if err := s.records.Delete(ctx, Collection, deviceID); err != nil {
			slog.Warn("Failed to delete expired session lock", "device_id", deviceID, "error", err)
		}
		slog.Debug("Session lock expired", "device_id", deviceID, "expired_at", lock.ExpiresAt)
		return nil, nil
	}
	return lock, nil
}

// Patch carries optional lock updates. Expiry and TTL are never patched.
type Patch struct {
	Conversation      *Conversation
	ClearConversation bool
	SnoozeFollowUp    *bool
	Config            *Config
}

// Update merges patch into an existing lock; a missing lock is ErrNotFound.
func (s *Store) Update(ctx context.Context, deviceID string, patch Patch) error {
	if err := validateDevice(deviceID); err != nil {
		return err
	}

	fields := record.Document{}
	switch {
	case patch.ClearConversation:
		fields["conversation"] = record.DeleteField
	case patch.Conversation != nil:
		fields["conversation"] = encodeConversation(*patch.Conversation)
	}
	if patch.SnoozeFollowUp != nil {
		fields["isSnoozeFollowUp"] = *patch.SnoozeFollowUp
	}
	if patch.Config != nil {
		fields["sessionConfig"] = encodeConfig(*patch.Config)
	}
	if len(fields) == 0 {
		return nil
	}
	if _, err := s.records.Get(ctx, Collection, deviceID); err != nil {
		return err
	}
	return s.records.Merge(ctx, Collection, deviceID, fields)
}

// Delete tears down the lock; dismissing an alarm ends up here.
func (s *Store) Delete(ctx context.Context, deviceID string) error {
	if err := validateDevice(deviceID); err != nil {
		return err
	}
	return s.records.Delete(ctx, Collection, deviceID)
}
