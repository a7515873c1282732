package conversation

import (
	"context"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/record"
)

const DeviceCollection = "device_conversations"

// DeviceState is the long-lived conversation of a device outside any
// mode-scoped session.
type DeviceState struct {
	ConversationID string
	LastUsed       time.Time
	Summary        string
}

type DeviceStore struct {
	records record.Store
}

func NewDeviceStore(records record.Store) *DeviceStore {
	return &DeviceStore{records: records}
}

// Get returns the zero state when the device has no record.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (DeviceState, error) {
	doc, err := s.records.Get(ctx, DeviceCollection, deviceID)
	if errors.Is(err, errors.ErrNotFound) {
		return DeviceState{}, nil
	}
	if err != nil {
		return DeviceState{}, err
	}

	lastUsed, err := doc.Time("lastUsed")
	if err != nil {
		return DeviceState{}, err
	}
	return DeviceState{
		ConversationID: doc.String("conversationId"),
		LastUsed:       lastUsed,
		Summary:        doc.String("lastInteractionSummary"),
	}, nil
}

// Save writes the conversation link; an empty summary leaves the stored one alone.
func (s *DeviceStore) Save(ctx context.Context, deviceID string, state DeviceState) error {
	fields := record.Document{"conversationId": state.ConversationID}
	if !state.LastUsed.IsZero() {
		fields["lastUsed"] = record.FormatTime(state.LastUsed)
	}
	if state.Summary != "" {
		fields["lastInteractionSummary"] = state.Summary
	}
	return s.records.Merge(ctx, DeviceCollection, deviceID, fields)
}

// Clear drops the conversation link but keeps the last interaction summary.
func (s *DeviceStore) Clear(ctx context.Context, deviceID string) error {
	return s.records.Merge(ctx, DeviceCollection, deviceID, record.Document{
		"conversationId": record.DeleteField,
		"lastUsed":       record.DeleteField,
	})
}
