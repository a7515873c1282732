package connection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/conversation"
	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/followup"
	"github.com/harunnryd/reveille/internal/mode"
	"github.com/harunnryd/reveille/internal/record"
	"github.com/harunnryd/reveille/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeThreads struct {
	mu      sync.Mutex
	created []string
	prompts []string
	err     error
}

func (f *fakeThreads) CreateThread(_ context.Context, deviceID, instructions string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("thread_%d", len(f.created)+1)
	f.created = append(f.created, id)
	f.prompts = append(f.prompts, instructions)
	return id, nil
}

type fakeResponder struct {
	mu     sync.Mutex
	inputs []string
	fail   bool
}

func (f *fakeResponder) Respond(_ context.Context, ex conversation.Exchange) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, ex.Input.Text)
	if f.fail {
		return "", errors.Transient("model unavailable")
	}
	return "reply to " + ex.Input.Text, nil
}

func (f *fakeResponder) Inputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeResponder) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type fakeOutput struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeOutput) Deliver(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

type harness struct {
	records   *record.MemoryStore
	locks     *session.Store
	devices   *conversation.DeviceStore
	threads   *fakeThreads
	responder *fakeResponder
	output    *fakeOutput
	deps      Deps
}

func newHarness(t *testing.T, modes map[string]config.ModeConfig) *harness {
	t.Helper()
	registry, err := mode.NewRegistry(modes, config.ConversationConfig{FollowupStep: "10ms", ExitAfter: "120s"})
	require.NoError(t, err)

	h := &harness{
		records:   record.NewMemoryStore(),
		threads:   &fakeThreads{},
		responder: &fakeResponder{},
		output:    &fakeOutput{},
	}
	h.locks = session.NewStore(h.records)
	h.devices = conversation.NewDeviceStore(h.records)
	h.deps = Deps{
		Locks:     h.locks,
		Devices:   h.devices,
		Modes:     registry,
		Threads:   h.threads,
		Responder: h.responder,
		Output:    h.output,
	}
	return h
}

func alarmMode() config.ModeConfig {
	return config.ModeConfig{
		Instructions:            "Wake the user up.",
		ServerInitiateChat:      true,
		UseSeparateConversation: true,
		FollowupEnabled:         true,
		FollowupDelays:          []string{"20ms"},
		FollowupMax:             2,
		FollowupExitAfter:       "40ms",
	}
}

func (h *harness) lockDevice(t *testing.T, deviceID, modeName string) {
	t.Helper()
	_, err := h.locks.Create(context.Background(), deviceID, session.DefaultType, time.Minute, session.Config{Mode: modeName, TriggerID: "trg_1"})
	require.NoError(t, err)
}

func (h *harness) open(t *testing.T, deviceID string, opts ...Option) *Conn {
	t.Helper()
	opts = append([]Option{WithPollInterval(5 * time.Millisecond), WithConversationTTL(6 * time.Hour)}, opts...)
	c := New(deviceID, h.deps, opts...)
	require.NoError(t, c.Hydrate(context.Background()))
	require.NoError(t, c.Bind(context.Background()))
	return c
}

func TestBindModeScopedLinksThreadToLock(t *testing.T) {
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.lockDevice(t, "aa:bb", "morning_alarm")

	c := h.open(t, "AA:BB")
	assert.Equal(t, "aa:bb", c.DeviceID())
	assert.Equal(t, ScopeMode, c.Scope())
	assert.Equal(t, "thread_1", c.ThreadID())
	assert.Equal(t, []string{"Wake the user up."}, h.threads.prompts)

	lock, err := h.locks.Get(context.Background(), "aa:bb", time.Now())
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "thread_1", lock.Conversation.ID)

	_, err = h.records.Get(context.Background(), conversation.DeviceCollection, "aa:bb")
	assert.ErrorIs(t, err, errors.ErrNotFound, "mode-scoped binding must not touch the device record")
}

func TestBindReusesSessionThread(t *testing.T) {
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.lockDevice(t, "dev1", "morning_alarm")
	require.NoError(t, h.locks.Update(context.Background(), "dev1", session.Patch{Conversation: &session.Conversation{ID: "thread_existing"}}))

	c := h.open(t, "dev1")
	assert.Equal(t, "thread_existing", c.ThreadID())
	assert.Empty(t, h.threads.created)
}

func TestBindDeviceScope(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.devices.Save(ctx, "fresh", conversation.DeviceState{ConversationID: "thread_recent", LastUsed: time.Now().Add(-time.Hour)}))
	c := h.open(t, "fresh")
	assert.Equal(t, ScopeDevice, c.Scope())
	assert.Equal(t, "thread_recent", c.ThreadID())

	require.NoError(t, h.devices.Save(ctx, "stale", conversation.DeviceState{
		ConversationID: "thread_old",
		LastUsed:       time.Now().Add(-7 * time.Hour),
		Summary:        "user: hi | assistant: hello",
	}))
	c = h.open(t, "stale")
	assert.Equal(t, "thread_1", c.ThreadID())
	require.Len(t, h.threads.prompts, 1)
	assert.Contains(t, h.threads.prompts[0], "user: hi | assistant: hello")

	st, err := h.devices.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", st.ConversationID)
	assert.Equal(t, "user: hi | assistant: hello", st.Summary)
}

func TestBindSessionWithoutSeparateConversationUsesDevice(t *testing.T) {
	m := alarmMode()
	m.UseSeparateConversation = false
	h := newHarness(t, map[string]config.ModeConfig{"checkin": m})
	h.lockDevice(t, "dev1", "checkin")

	c := h.open(t, "dev1")
	assert.Equal(t, ScopeDevice, c.Scope())
	settings, ok := c.Settings()
	require.True(t, ok)
	assert.Equal(t, "checkin", settings.Name)
}

func TestLifecycleOrder(t *testing.T) {
	h := newHarness(t, nil)
	c := New("dev1", h.deps)

	assert.Error(t, c.Bind(context.Background()))
	assert.Error(t, c.Start(context.Background()))
	require.NoError(t, c.Hydrate(context.Background()))
	assert.Error(t, c.Hydrate(context.Background()))
	assert.Equal(t, StateHydrated, c.State())

	_, err := c.Submit(context.Background(), Turn{Text: "hello", Kind: KindUser})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	assert.Error(t, New("  ", h.deps).Hydrate(context.Background()))
}

func TestGreetingAndFollowupsUntilExhausted(t *testing.T) {
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.lockDevice(t, "dev1", "morning_alarm")
	c := h.open(t, "dev1", WithGreeting("[Alarm]"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.Equal(t, StateActive, c.State())

	want := []string{"[Alarm]", followup.Prompt(1), followup.Prompt(2)}
	require.Eventually(t, func() bool { return len(h.responder.Inputs()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.responder.Inputs())

	time.Sleep(80 * time.Millisecond)
	assert.Len(t, h.responder.Inputs(), 3, "no follow-up past the maximum")
	assert.Equal(t, 2, c.Followups().Count)

	require.Eventually(t, func() bool { return c.IdleExpired(time.Now()) }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StateClosed, c.State())
}

func TestUserInputCancelsFollowups(t *testing.T) {
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.lockDevice(t, "dev1", "morning_alarm")
	c := h.open(t, "dev1")

	require.NoError(t, c.Start(context.Background()))
	reply, err := c.Submit(context.Background(), Turn{Text: "I'm up", Kind: KindUser})
	require.NoError(t, err)
	assert.Equal(t, "reply to I'm up", reply)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []string{DefaultGreeting, "I'm up"}, h.responder.Inputs())
	st := c.Followups()
	assert.True(t, st.UserHasResponded)
	assert.Equal(t, 0, st.Count)
	assert.False(t, c.IdleExpired(time.Now().Add(time.Hour)), "answered sessions never idle out")

	require.NoError(t, c.Close(context.Background()))
}

func TestClientSpeechDefersFollowup(t *testing.T) {
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.lockDevice(t, "dev1", "morning_alarm")
	c := h.open(t, "dev1")
	require.NoError(t, c.Start(context.Background()))

	c.SetClientSpeaking(true)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, h.responder.Inputs(), 1, "timer aborts while the client speaks")

	require.NoError(t, c.Close(context.Background()))
}

func TestCloseWritesModeScopeOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.lockDevice(t, "dev1", "morning_alarm")
	c := h.open(t, "dev1")
	require.NoError(t, c.Start(ctx))
	_, err := c.Submit(ctx, Turn{Text: "five more minutes", Kind: KindUser})
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, c.Close(ctx))

	lock, err := h.locks.Get(ctx, "dev1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "thread_1", lock.Conversation.ID)
	assert.False(t, lock.Conversation.LastUsed.Before(before.Truncate(time.Millisecond)))

	_, err = h.records.Get(ctx, conversation.DeviceCollection, "dev1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestCloseWritesDeviceScopeWithSummary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.open(t, "dev1")
	require.NoError(t, c.Start(ctx))
	_, err := c.Submit(ctx, Turn{Text: "what's the weather", Kind: KindUser})
	require.NoError(t, err)
	require.NoError(t, c.Close(ctx))

	st, err := h.devices.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "thread_1", st.ConversationID)
	assert.Equal(t, "user: what's the weather | assistant: reply to what's the weather", st.Summary)

	entries, err := h.records.List(ctx, session.Collection)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitAfterCloseIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.open(t, "dev1")
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))

	reply, err := c.Submit(ctx, Turn{Text: "hello?", Kind: KindUser})
	assert.NoError(t, err)
	assert.Empty(t, reply)
	assert.Empty(t, h.responder.Inputs())
}

func TestResponderFailureKeepsConnection(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	c := h.open(t, "dev1")
	require.NoError(t, c.Start(ctx))

	h.responder.setFail(true)
	_, err := c.Submit(ctx, Turn{Text: "hello", Kind: KindUser})
	assert.ErrorIs(t, err, errors.ErrTransient)
	assert.Equal(t, StateActive, c.State())

	h.responder.setFail(false)
	reply, err := c.Submit(ctx, Turn{Text: "hello again", Kind: KindUser})
	require.NoError(t, err)
	assert.Equal(t, "reply to hello again", reply)
	assert.Equal(t, []string{"reply to hello again"}, h.output.sent)
	assert.Len(t, c.History(), 2)
}

type failingLocks struct {
	*record.MemoryStore
}

func (f failingLocks) Get(ctx context.Context, collection, key string) (record.Document, error) {
	if collection == session.Collection {
		return nil, errors.Transient("store offline")
	}
	return f.MemoryStore.Get(ctx, collection, key)
}

func TestHydrateTreatsStoreFailureAsNoSession(t *testing.T) {
	h := newHarness(t, map[string]config.ModeConfig{"morning_alarm": alarmMode()})
	h.deps.Locks = session.NewStore(failingLocks{record.NewMemoryStore()})

	c := New("dev1", h.deps)
	require.NoError(t, c.Hydrate(context.Background()))
	_, ok := c.Settings()
	assert.False(t, ok)
	assert.False(t, c.Followups().Enabled)
}

func TestThreadCreationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.threads.err = errors.Transient("api down")

	c := New("dev1", h.deps)
	require.NoError(t, c.Hydrate(context.Background()))
	err := c.Bind(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "create conversation thread"))
}

func TestRequestedModeWithoutSession(t *testing.T) {
	m := alarmMode()
	m.ServerInitiateChat = false
	h := newHarness(t, map[string]config.ModeConfig{"storytime": m})

	c := h.open(t, "dev1", WithRequestedMode(" StoryTime "))
	settings, ok := c.Settings()
	require.True(t, ok)
	assert.Equal(t, "storytime", settings.Name)
	assert.Equal(t, ScopeDevice, c.Scope(), "separate conversations need a wake session")

	require.NoError(t, c.Start(context.Background()))
	assert.Empty(t, h.responder.Inputs())
	require.NoError(t, c.Close(context.Background()))
}
