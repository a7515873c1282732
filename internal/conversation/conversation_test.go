package conversation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/reveille/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	history := []Message{
		{Role: RoleSystem, Text: "be brief"},
		{Role: RoleAssistant, Text: "Good morning!"},
		{Role: RoleUser, Text: "five more minutes"},
		{Role: RoleAssistant, Text: "Okay, I will check back."},
	}
	assert.Equal(t, "user: five more minutes | assistant: Okay, I will check back.", Summarize(history))

	assert.Equal(t, "assistant: hi | user: hello", Summarize([]Message{
		{Role: RoleAssistant, Text: "hi"},
		{Role: RoleUser, Text: "hello"},
	}))
	assert.Equal(t, "assistant: wake up", Summarize([]Message{{Role: RoleAssistant, Text: "wake up"}}))
	assert.Equal(t, "", Summarize(nil))

	long := Summarize([]Message{{Role: RoleUser, Text: strings.Repeat("z", 400)}})
	assert.Len(t, []rune(long), SummaryMaxLen)

	// Overflow drops the head, so the latest words survive.
	tail := Summarize([]Message{
		{Role: RoleUser, Text: strings.Repeat("é", 300)},
		{Role: RoleAssistant, Text: "get up now"},
	})
	assert.Len(t, []rune(tail), SummaryMaxLen)
	assert.True(t, strings.HasSuffix(tail, " | assistant: get up now"), tail)
	assert.False(t, strings.HasPrefix(tail, "user: "))
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, Expired(now.Add(-7*time.Hour), 6*time.Hour, now))
	assert.False(t, Expired(now.Add(-5*time.Hour), 6*time.Hour, now))
	assert.False(t, Expired(now.Add(-100*time.Hour), 0, now))
	assert.False(t, Expired(time.Time{}, 6*time.Hour, now))
}

func TestDeviceStore(t *testing.T) {
	ctx := context.Background()
	store := NewDeviceStore(record.NewMemoryStore())

	state, err := store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Equal(t, DeviceState{}, state)

	used := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, "aa:bb", DeviceState{ConversationID: "thread-1", LastUsed: used, Summary: "user: hi"}))

	state, err = store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", state.ConversationID)
	assert.True(t, state.LastUsed.Equal(used))
	assert.Equal(t, "user: hi", state.Summary)

	require.NoError(t, store.Clear(ctx, "aa:bb"))
	state, err = store.Get(ctx, "aa:bb")
	require.NoError(t, err)
	assert.Empty(t, state.ConversationID)
	assert.True(t, state.LastUsed.IsZero())
	assert.Equal(t, "user: hi", state.Summary, "summary survives clear")
}
