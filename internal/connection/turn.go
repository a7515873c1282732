package connection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/reveille/internal/conversation"
	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/followup"
)

// Submit runs one turn and returns the assistant reply. Genuine user input
// cancels pending follow-ups before it waits for the turn lock, so a reply
// that is still being generated cannot re-arm the timer. Submissions after
// Close are ignored.
func (c *Conn) Submit(ctx context.Context, turn Turn) (string, error) {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return "", errors.InvalidInput("turn text is empty")
	}

	c.mu.Lock()
	state := c.state
	tracker := c.tracker
	if turn.Kind == KindUser {
		c.lastSpeech = c.now()
	}
	c.mu.Unlock()

	if state >= StateClosing {
		slog.Debug("Turn dropped, connection closing", "device_id", c.deviceID, "kind", turn.Kind)
		return "", nil
	}
	if state != StateActive {
		return "", errors.InvalidInput(fmt.Sprintf("submit in state %s", state))
	}
	if turn.Kind == KindUser && tracker != nil {
		tracker.MarkUserResponded()
	}

	c.turnMu.Lock()
	defer c.turnMu.Unlock()

	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		return "", nil
	}
	ex := conversation.Exchange{
		ThreadID:     c.threadID,
		Instructions: c.instructions,
		History:      append([]conversation.Message(nil), c.history...),
		Input:        conversation.Message{Role: conversation.RoleUser, Text: text},
	}
	c.assistantBusy = true
	runCtx := c.runCtx
	c.mu.Unlock()

	reply, err := c.respond(ctx, ex)
	if err != nil {
		c.MarkAssistantStopped()
		slog.Warn("Turn failed", "device_id", c.deviceID, "kind", turn.Kind, "error", err)
		return "", err
	}

	c.mu.Lock()
	c.history = append(c.history, ex.Input, conversation.Message{Role: conversation.RoleAssistant, Text: reply})
	c.mu.Unlock()

	var deliverErr error
	if c.deps.Output != nil && reply != "" {
		deliverErr = c.deps.Output.Deliver(ctx, reply)
	}
	c.MarkAssistantStopped()
	if deliverErr != nil {
		return reply, errors.Wrap(deliverErr, "deliver reply")
	}

	c.mu.Lock()
	active := c.state == StateActive
	c.mu.Unlock()
	if active && tracker != nil {
		tracker.Schedule(runCtx)
	}
	return reply, nil
}

func (c *Conn) respond(ctx context.Context, ex conversation.Exchange) (reply string, err error) {
	if c.deps.Responder == nil {
		return "", errors.Internal("no responder configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Internal(fmt.Sprintf("responder panic: %v", r))
		}
	}()
	return c.deps.Responder.Respond(ctx, ex)
}

func (c *Conn) fireFollowup(ctx context.Context, n int) error {
	_, err := c.Submit(ctx, Turn{Text: followup.Prompt(n), Kind: KindFollowup})
	return err
}
