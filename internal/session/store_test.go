package session

import (
	"context"
	"testing"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(now time.Time) (*Store, *record.MemoryStore) {
	records := record.NewMemoryStore()
	s := NewStore(records)
	s.now = func() time.Time { return now }
	return s, records
}

func TestIsExpired(t *testing.T) {
	expires := time.Date(2026, 3, 2, 7, 5, 0, 0, time.UTC)
	lock := &Lock{ExpiresAt: expires}

	assert.False(t, IsExpired(lock, expires.Add(-time.Millisecond)))
	assert.True(t, IsExpired(lock, expires))
	assert.True(t, IsExpired(lock, expires.Add(time.Second)))
	assert.True(t, IsExpired(&Lock{}, expires))
	assert.True(t, IsExpired(nil, expires))
}

func TestCreateDerivesExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, _ := newTestStore(now)
	ctx := context.Background()

	lock, err := store.Create(ctx, "aa:bb", "", 0, Config{Mode: "morning_alarm", TriggerID: "t1", OwnerID: "u1", Label: "Wake"})
	require.NoError(t, err)
	assert.Equal(t, DefaultType, lock.SessionType)
	assert.Equal(t, DefaultTTL, lock.TTL)
	assert.True(t, lock.ExpiresAt.Equal(now.Add(DefaultTTL)))

	got, err := store.Get(ctx, "aa:bb", now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "morning_alarm", got.Config.Mode)
	assert.Equal(t, "t1", got.Config.TriggerID)
	assert.Equal(t, "u1", got.Config.OwnerID)
	assert.Equal(t, "Wake", got.Config.Label)
	assert.Equal(t, 300*time.Second, got.TTL)
	assert.True(t, got.ExpiresAt.Equal(now.Add(300*time.Second)))
	assert.False(t, got.IsSnoozeFollowUp)
}

func TestCreateOptions(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, _ := newTestStore(now)
	ctx := context.Background()

	triggered := now.Add(-time.Minute)
	expires := now.Add(time.Hour)
	lock, err := store.Create(ctx, "aa:bb", "snooze", time.Minute, Config{Mode: "morning_alarm"},
		WithTriggeredAt(triggered), WithExpiresAt(expires), WithSnoozeFollowUp())
	require.NoError(t, err)
	assert.True(t, lock.TriggeredAt.Equal(triggered))
	assert.True(t, lock.ExpiresAt.Equal(expires))

	got, err := store.Get(ctx, "aa:bb", now.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsSnoozeFollowUp)
	assert.Equal(t, "snooze", got.SessionType)
}

func TestCreateIsUpsert(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, _ := newTestStore(now)
	ctx := context.Background()

	_, err := store.Create(ctx, "aa:bb", "", time.Minute, Config{Mode: "first"})
	require.NoError(t, err)
	_, err = store.Create(ctx, "aa:bb", "", time.Minute, Config{Mode: "second"})
	require.NoError(t, err)

	got, err := store.Get(ctx, "aa:bb", now)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Config.Mode)
}

func TestGetDeletesExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, records := newTestStore(now)
	ctx := context.Background()

	_, err := store.Create(ctx, "aa:bb", "", 5*time.Minute, Config{Mode: "morning_alarm"})
	require.NoError(t, err)

	got, err := store.Get(ctx, "aa:bb", now.Add(5*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = records.Get(ctx, Collection, "aa:bb")
	assert.ErrorIs(t, err, errors.ErrNotFound, "expired lock must be removed on read")

	got, err = store.Get(ctx, "never-seen", now)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateNeverTouchesExpiry(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, _ := newTestStore(now)
	ctx := context.Background()

	created, err := store.Create(ctx, "aa:bb", "", 5*time.Minute, Config{Mode: "morning_alarm", TriggerID: "t1"})
	require.NoError(t, err)

	used := now.Add(2 * time.Minute)
	snooze := true
	require.NoError(t, store.Update(ctx, "aa:bb", Patch{
		Conversation:   &Conversation{ID: "thread-1", LastUsed: used},
		SnoozeFollowUp: &snooze,
	}))

	got, err := store.Get(ctx, "aa:bb", now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "thread-1", got.Conversation.ID)
	assert.True(t, got.Conversation.LastUsed.Equal(used))
	assert.True(t, got.IsSnoozeFollowUp)
	assert.True(t, got.ExpiresAt.Equal(created.ExpiresAt))
	assert.Equal(t, created.TTL, got.TTL)
	assert.Equal(t, "t1", got.Config.TriggerID)

	require.NoError(t, store.Update(ctx, "aa:bb", Patch{ClearConversation: true}))
	got, err = store.Get(ctx, "aa:bb", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got.Conversation.ID)
	assert.True(t, got.ExpiresAt.Equal(created.ExpiresAt))
}

func TestUpdateMissingLock(t *testing.T) {
	store, records := newTestStore(time.Now())
	ctx := context.Background()

	err := store.Update(ctx, "aa:bb", Patch{Conversation: &Conversation{ID: "thread-1"}})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = records.Get(ctx, Collection, "aa:bb")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.NoError(t, store.Update(ctx, "aa:bb", Patch{}))
}

func TestModeOverrideRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, _ := newTestStore(now)
	ctx := context.Background()

	_, err := store.Create(ctx, "aa:bb", "", time.Minute, Config{
		Mode:         "morning_alarm",
		ModeOverride: map[string]any{"followup_max": 2, "followup_enabled": false},
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "aa:bb", now)
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Config.ModeOverride["followup_max"])
	assert.Equal(t, false, got.Config.ModeOverride["followup_enabled"])
}

func TestDelete(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	store, _ := newTestStore(now)
	ctx := context.Background()

	_, err := store.Create(ctx, "aa:bb", "", time.Minute, Config{})
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "aa:bb"))
	require.NoError(t, store.Delete(ctx, "aa:bb"))

	got, err := store.Get(ctx, "aa:bb", now)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, store.Delete(ctx, ""), errors.ErrInvalidInput)
}
