// Package session stores the per-device proactive session lock that keeps a
// device to at most one active wake session.
package session

import (
	"fmt"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/record"
)

const (
	Collection = "session_locks"

	DefaultType = "proactive"
	DefaultTTL  = 300 * time.Second
)

// Config is what the scheduler hands to the device's next connection.
// ModeOverride, when set, replaces parts of the static mode settings.
type Config struct {
	Mode         string
	TriggerID    string
	OwnerID      string
	Label        string
	ModeOverride map[string]any
}

// Conversation links a mode-scoped session to its external thread.
type Conversation struct {
	ID       string
	LastUsed time.Time
}

type Lock struct {
	DeviceID         string
	SessionType      string
	TriggeredAt      time.Time
	TTL              time.Duration
	ExpiresAt        time.Time
	Config           Config
	Conversation     Conversation
	IsSnoozeFollowUp bool
}

// IsExpired reports whether now is at or past the lock's expiry. A lock
// without any expiry counts as expired so it cannot pin a device forever.
func IsExpired(lock *Lock, now time.Time) bool {
	if lock == nil || lock.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(lock.ExpiresAt)
}

func encodeConfig(c Config) map[string]any {
	out := map[string]any{
		"mode":      c.Mode,
		"triggerId": c.TriggerID,
		"ownerId":   c.OwnerID,
		"label":     c.Label,
	}
	if len(c.ModeOverride) > 0 {
		out["mode_config"] = c.ModeOverride
	}
	return out
}

func encodeConversation(c Conversation) map[string]any {
	out := map[string]any{"id": c.ID}
	if !c.LastUsed.IsZero() {
		out["last_used"] = record.FormatTime(c.LastUsed)
	}
	return out
}

func encode(lock *Lock) record.Document {
	doc := record.Document{
		"sessionType":      lock.SessionType,
		"triggeredAt":      record.FormatTime(lock.TriggeredAt),
		"ttlSeconds":       int64(lock.TTL / time.Second),
		"expiresAt":        record.FormatTime(lock.ExpiresAt),
		"sessionConfig":    encodeConfig(lock.Config),
		"isSnoozeFollowUp": lock.IsSnoozeFollowUp,
	}
	if lock.Conversation.ID != "" {
		doc["conversation"] = encodeConversation(lock.Conversation)
	}
	return doc
}

func decode(deviceID string, doc record.Document) (*Lock, error) {
	lock := &Lock{
		DeviceID:         deviceID,
		SessionType:      doc.String("sessionType"),
		IsSnoozeFollowUp: doc.Bool("isSnoozeFollowUp"),
	}

	var err error
	if lock.TriggeredAt, err = doc.Time("triggeredAt"); err != nil {
		return nil, fmt.Errorf("lock %s triggeredAt: %w", deviceID, err)
	}
	if lock.ExpiresAt, err = doc.Time("expiresAt"); err != nil {
		return nil, fmt.Errorf("lock %s expiresAt: %w", deviceID, err)
	}
	if secs, ok := doc.Int("ttlSeconds"); ok {
		lock.TTL = time.Duration(secs) * time.Second
	}
	if lock.ExpiresAt.IsZero() && !lock.TriggeredAt.IsZero() && lock.TTL > 0 {
		lock.ExpiresAt = lock.TriggeredAt.Add(lock.TTL)
	}

	if cfg := doc.Map("sessionConfig"); cfg != nil {
		lock.Config = Config{
			Mode:      cfg.String("mode"),
			TriggerID: cfg.String("triggerId"),
			OwnerID:   cfg.String("ownerId"),
			Label:     cfg.String("label"),
		}
		if override := cfg.Map("mode_config"); override != nil {
			lock.Config.ModeOverride = map[string]any(override)
		}
	}

	if conv := doc.Map("conversation"); conv != nil {
		lock.Conversation.ID = conv.String("id")
		if lock.Conversation.LastUsed, err = conv.Time("last_used"); err != nil {
			return nil, fmt.Errorf("lock %s conversation: %w", deviceID, err)
		}
	}
	return lock, nil
}

func validateDevice(deviceID string) error {
	if deviceID == "" {
		return errors.InvalidInput("device id is empty")
	}
	return nil
}
