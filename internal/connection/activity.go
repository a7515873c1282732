package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/reveille/internal/conversation"
	"github.com/harunnryd/reveille/internal/session"
)

// SetClientSpeaking records whether the device is currently capturing speech.
func (c *Conn) SetClientSpeaking(speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientSpeaking = speaking
	if speaking {
		c.lastSpeech = c.now()
	}
}

// MarkSpeechActivity notes inbound audio or speech without a finished utterance.
func (c *Conn) MarkSpeechActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSpeech = c.now()
}

func (c *Conn) MarkAssistantSpeaking() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assistantBusy = true
}

func (c *Conn) MarkAssistantStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assistantBusy = false
	c.assistantDone = c.now()
}

func (c *Conn) lastActivityLocked() time.Time {
	if c.lastSpeech.After(c.assistantDone) {
		return c.lastSpeech
	}
	return c.assistantDone
}

// IdleExpired reports that every follow-up went unanswered and the line has
// been silent for the mode's exit delay.
func (c *Conn) IdleExpired(now time.Time) bool {
	c.mu.Lock()
	if c.state != StateActive || !c.hasMode || c.tracker == nil || c.assistantBusy || c.clientSpeaking {
		c.mu.Unlock()
		return false
	}
	tracker := c.tracker
	last := c.lastActivityLocked()
	exitAfter := c.settings.Followup.ExitAfter
	c.mu.Unlock()

	if exitAfter <= 0 || last.IsZero() || !tracker.State().Exhausted() {
		return false
	}
	return now.Sub(last) >= exitAfter
}

// Close stops the follow-up timer, waits for an in-flight turn and writes the
// conversation link back to the store that owns it. Close is idempotent.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.state >= StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	tracker := c.tracker
	cancel := c.cancelRun
	c.mu.Unlock()

	if tracker != nil {
		tracker.Stop()
	}
	if cancel != nil {
		cancel()
	}

	c.turnMu.Lock()
	c.turnMu.Unlock()

	err := c.persist(ctx)

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	slog.Info("Connection closed", "device_id", c.deviceID)
	return err
}

func (c *Conn) persist(ctx context.Context) error {
	c.mu.Lock()
	scope := c.scope
	threadID := c.threadID
	summary := conversation.Summarize(c.history)
	c.mu.Unlock()

	if threadID == "" {
		return nil
	}
	now := c.now()

	switch scope {
	case ScopeMode:
		conv := session.Conversation{ID: threadID, LastUsed: now}
		err := c.deps.Locks.Update(ctx, c.deviceID, session.Patch{Conversation: &conv})
		if err != nil {
			slog.Warn("Failed to persist session conversation", "device_id", c.deviceID, "thread_id", threadID, "error", err)
		}
		return err
	case ScopeDevice:
		if c.deps.Devices == nil {
			return nil
		}
		err := c.deps.Devices.Save(ctx, c.deviceID, conversation.DeviceState{
			ConversationID: threadID,
			LastUsed:       now,
			Summary:        summary,
		})
		if err != nil {
			slog.Warn("Failed to persist device conversation", "device_id", c.deviceID, "thread_id", threadID, "error", err)
		}
		return err
	}
	return nil
}

// probe adapts the connection to the follow-up timer.
type probe struct{ c *Conn }

func (p probe) ClientSpeaking() bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.clientSpeaking
}

func (p probe) AssistantBusy() bool {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.assistantBusy
}

func (p probe) LastActivity() time.Time {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	return p.c.lastActivityLocked()
}
