// Package llm talks to an OpenAI-compatible API for conversation threads and
// assistant replies.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/conversation"
	"github.com/harunnryd/reveille/internal/errors"

	"github.com/sashabaranov/go-openai"
)

type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

func New(cfg config.LLMConfig) (*Client, error) {
	timeout, err := config.DurationOrDefault(cfg.RequestTimeout, config.DefaultLLMRequestTimeout)
	if err != nil {
		return nil, err
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultLLMModel
	}
	return &Client{client: openai.NewClientWithConfig(oc), model: model, timeout: timeout}, nil
}

// CreateThread opens a new remote thread tagged with the device id.
func (c *Client) CreateThread(ctx context.Context, deviceID, instructions string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	metadata := map[string]any{"device_id": deviceID, "source": "reveille"}
	if instructions != "" {
		metadata["instructions_digest"] = digest(instructions)
	}

	thread, err := c.client.CreateThread(ctx, openai.ThreadRequest{Metadata: metadata})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", errors.NewDefaultErrorMapper().MapError(err))
	}
	slog.Debug("Conversation thread created", "device_id", deviceID, "thread_id", thread.ID)
	return thread.ID, nil
}

// RecordTurn appends a message to the thread so the remote history matches
// what was said on the device.
func (c *Client) RecordTurn(ctx context.Context, threadID string, msg conversation.Message) error {
	if threadID == "" || strings.TrimSpace(msg.Text) == "" {
		return nil
	}
	role := msg.Role
	if role != conversation.RoleAssistant {
		role = string(openai.ThreadMessageRoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.client.CreateMessage(ctx, threadID, openai.MessageRequest{Role: role, Content: msg.Text})
	if err != nil {
		return fmt.Errorf("record turn on %s: %w", threadID, errors.NewDefaultErrorMapper().MapError(err))
	}
	return nil
}

// Complete asks the chat model for the next assistant reply.
func (c *Client) Complete(ctx context.Context, instructions string, history []conversation.Message) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if instructions != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case conversation.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case conversation.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", errors.NewDefaultErrorMapper().MapError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.Transient("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Respond records the input, completes, and records the reply. Recording
// failures are logged; only a failed completion fails the turn.
func (c *Client) Respond(ctx context.Context, ex conversation.Exchange) (string, error) {
	if err := c.RecordTurn(ctx, ex.ThreadID, ex.Input); err != nil {
		slog.Warn("Failed to record user turn", "thread_id", ex.ThreadID, "error", err)
	}

	history := append(append([]conversation.Message(nil), ex.History...), ex.Input)
	reply, err := c.Complete(ctx, ex.Instructions, history)
	if err != nil {
		return "", err
	}

	if err := c.RecordTurn(ctx, ex.ThreadID, conversation.Message{Role: conversation.RoleAssistant, Text: reply}); err != nil {
		slog.Warn("Failed to record assistant turn", "thread_id", ex.ThreadID, "error", err)
	}
	return reply, nil
}

func digest(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > 120 {
		return string(r[:120])
	}
	return s
}
