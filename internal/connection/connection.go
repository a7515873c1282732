// Package connection runs the lifecycle of one device connection: it loads
// the pending wake session, binds the conversation thread, serialises turns,
// drives follow-ups and persists the conversation link on close.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/reveille/internal/conversation"
	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/followup"
	"github.com/harunnryd/reveille/internal/mode"
	"github.com/harunnryd/reveille/internal/session"
)

type State int

const (
	StateIdle State = iota
	StateHydrated
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHydrated:
		return "hydrated"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Scope says which store owns the conversation link of a connection.
type Scope int

const (
	ScopeNone Scope = iota
	ScopeDevice
	ScopeMode
)

type Kind int

const (
	KindUser Kind = iota
	KindGreeting
	KindFollowup
)

type Turn struct {
	Text string
	Kind Kind
}

// Output delivers assistant replies to the device. Deliver returns once the
// reply has been handed to the transport.
type Output interface {
	Deliver(ctx context.Context, text string) error
}

type Deps struct {
	Locks     *session.Store
	Devices   *conversation.DeviceStore
	Modes     *mode.Registry
	Threads   conversation.Threads
	Responder conversation.Responder
	Output    Output
}

type Option func(*Conn)

// WithConversationTTL sets how long an idle device conversation is reused.
// Zero or negative keeps it forever.
func WithConversationTTL(d time.Duration) Option {
	return func(c *Conn) { c.ttl = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Conn) { c.poll = d }
}

func WithGreeting(text string) Option {
	return func(c *Conn) {
		if strings.TrimSpace(text) != "" {
			c.greeting = text
		}
	}
}

// WithRequestedMode names the mode the device asked for in its handshake.
// It only applies when no wake session is pending.
func WithRequestedMode(name string) Option {
	return func(c *Conn) { c.requestedMode = strings.ToLower(strings.TrimSpace(name)) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Conn) { c.now = now }
}

const DefaultGreeting = "[Session started]"

type Conn struct {
	deviceID      string
	deps          Deps
	ttl           time.Duration
	poll          time.Duration
	greeting      string
	requestedMode string
	now           func() time.Time

	mu             sync.Mutex
	state          State
	lock           *session.Lock
	settings       mode.Settings
	hasMode        bool
	scope          Scope
	threadID       string
	instructions   string
	history        []conversation.Message
	tracker        *followup.Tracker
	clientSpeaking bool
	assistantBusy  bool
	assistantDone  time.Time
	lastSpeech     time.Time
	runCtx         context.Context
	cancelRun      context.CancelFunc

	turnMu sync.Mutex
}

func New(deviceID string, deps Deps, opts ...Option) *Conn {
	c := &Conn{
		deviceID: strings.ToLower(strings.TrimSpace(deviceID)),
		deps:     deps,
		greeting: DefaultGreeting,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) DeviceID() string { return c.deviceID }

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Settings returns the resolved mode, false when no wake session is active.
func (c *Conn) Settings() (mode.Settings, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings, c.hasMode
}

func (c *Conn) Scope() Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

func (c *Conn) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

func (c *Conn) History() []conversation.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]conversation.Message(nil), c.history...)
}

// Followups exposes the follow-up bookkeeping, zero before Hydrate.
func (c *Conn) Followups() followup.State {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker == nil {
		return followup.State{}
	}
	return tracker.State()
}

// Hydrate loads the device's session lock and resolves its mode. A store
// failure is logged and treated as "no session".
func (c *Conn) Hydrate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return errors.InvalidInput(fmt.Sprintf("hydrate in state %s", c.state))
	}
	if c.deviceID == "" {
		return errors.InvalidInput("device id is empty")
	}

	var lock *session.Lock
	if c.deps.Locks != nil {
		var err error
		lock, err = c.deps.Locks.Get(ctx, c.deviceID, c.now())
		if err != nil {
			slog.Warn("Failed to read session lock, continuing without session", "device_id", c.deviceID, "error", err)
			lock = nil
		}
	}
	c.lock = lock

	if c.deps.Modes != nil {
		switch {
		case lock != nil:
			c.settings, c.hasMode = c.deps.Modes.Resolve(lock.Config.Mode, lock.Config.ModeOverride)
		case c.requestedMode != "":
			c.settings, c.hasMode = c.deps.Modes.Resolve(c.requestedMode, nil)
		}
	}

	fu := c.settings.Followup
	state := followup.NewState(c.hasMode && fu.Enabled, fu.Delays, fu.Step, fu.Max)
	opts := []followup.Option{followup.WithClock(c.now)}
	if c.poll > 0 {
		opts = append(opts, followup.WithPollInterval(c.poll))
	}
	c.tracker = followup.NewTracker(state, probe{c}, c.fireFollowup, opts...)
	c.state = StateHydrated

	slog.Info("Connection hydrated", "device_id", c.deviceID, "session", lock != nil, "mode", c.settings.Name)
	return nil
}

// Bind attaches the connection to a conversation thread. A wake session whose
// mode keeps its own conversation uses the thread on the lock; everything else
// uses the device's long-lived thread.
func (c *Conn) Bind(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateHydrated {
		return errors.InvalidInput(fmt.Sprintf("bind in state %s", c.state))
	}
	if c.scope != ScopeNone {
		return nil
	}

	c.instructions = c.settings.Instructions
	if c.lock != nil && c.hasMode && c.settings.SeparateConversation {
		return c.bindModeLocked(ctx)
	}
	return c.bindDeviceLocked(ctx)
}

func (c *Conn) bindModeLocked(ctx context.Context) error {
	c.scope = ScopeMode
	c.threadID = c.lock.Conversation.ID
	if c.threadID != "" {
		slog.Info("Resuming session conversation", "device_id", c.deviceID, "thread_id", c.threadID)
		return nil
	}

	id, err := c.createThread(ctx)
	if err != nil {
		return err
	}
	c.threadID = id
	if id == "" {
		return nil
	}

	conv := session.Conversation{ID: id, LastUsed: c.now()}
	if err := c.deps.Locks.Update(ctx, c.deviceID, session.Patch{Conversation: &conv}); err != nil {
		slog.Warn("Failed to link thread to session lock", "device_id", c.deviceID, "thread_id", id, "error", err)
	}
	return nil
}

func (c *Conn) bindDeviceLocked(ctx context.Context) error {
	c.scope = ScopeDevice
	if c.deps.Devices == nil {
		id, err := c.createThread(ctx)
		c.threadID = id
		return err
	}

	st, err := c.deps.Devices.Get(ctx, c.deviceID)
	if err != nil {
		slog.Warn("Failed to read device conversation, starting fresh", "device_id", c.deviceID, "error", err)
		st = conversation.DeviceState{}
	}

	if st.ConversationID != "" && conversation.Expired(st.LastUsed, c.ttl, c.now()) {
		slog.Info("Device conversation expired", "device_id", c.deviceID, "thread_id", st.ConversationID, "last_used", st.LastUsed)
		if err := c.deps.Devices.Clear(ctx, c.deviceID); err != nil {
			slog.Warn("Failed to clear expired device conversation", "device_id", c.deviceID, "error", err)
		}
		st.ConversationID = ""
	}
	if st.Summary != "" {
		c.instructions = joinInstructions(c.instructions, "Previous interaction: "+st.Summary)
	}

	if st.ConversationID != "" {
		c.threadID = st.ConversationID
		return nil
	}

	id, err := c.createThread(ctx)
	if err != nil {
		return err
	}
	c.threadID = id
	if id == "" {
		return nil
	}
	if err := c.deps.Devices.Save(ctx, c.deviceID, conversation.DeviceState{ConversationID: id, LastUsed: c.now()}); err != nil {
		slog.Warn("Failed to save device conversation", "device_id", c.deviceID, "thread_id", id, "error", err)
	}
	return nil
}

func (c *Conn) createThread(ctx context.Context) (string, error) {
	if c.deps.Threads == nil {
		return "", nil
	}
	id, err := c.deps.Threads.CreateThread(ctx, c.deviceID, c.instructions)
	if err != nil {
		return "", errors.Wrap(err, "create conversation thread")
	}
	return id, nil
}

func joinInstructions(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Start activates the connection. ctx bounds follow-up turns and should live
// as long as the connection. When the mode makes the server speak first the
// greeting turn runs before Start returns.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateHydrated {
		state := c.state
		c.mu.Unlock()
		return errors.InvalidInput(fmt.Sprintf("start in state %s", state))
	}
	c.runCtx, c.cancelRun = context.WithCancel(ctx)
	c.state = StateActive
	greet := c.hasMode && c.settings.ServerInitiatesChat
	runCtx := c.runCtx
	c.mu.Unlock()

	if !greet {
		return nil
	}
	_, err := c.Submit(runCtx, Turn{Text: c.greeting, Kind: KindGreeting})
	return err
}
