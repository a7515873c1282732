// Package conversation keeps the device-scoped link to an external
// conversation thread and the helpers shared by every conversation scope.
package conversation

import (
	"context"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	SummaryMaxLen = 256
)

type Message struct {
	Role string
	Text string
}

// Threads creates external conversation threads. The returned id is opaque.
type Threads interface {
	CreateThread(ctx context.Context, deviceID, instructions string) (string, error)
}

// Summarize renders the trailing user/assistant exchange as
// "user: ... | assistant: ...", capped at SummaryMaxLen runes.
func Summarize(history []Message) string {
	var lastUser, lastAssistant string
	userIdx, assistantIdx := -1, -1
	for i := len(history) - 1; i >= 0 && (userIdx < 0 || assistantIdx < 0); i-- {
		text := strings.TrimSpace(history[i].Text)
		if text == "" {
			continue
		}
		switch history[i].Role {
		case RoleUser:
			if userIdx < 0 {
				lastUser, userIdx = text, i
			}
		case RoleAssistant:
			if assistantIdx < 0 {
				lastAssistant, assistantIdx = text, i
			}
		}
	}

	var parts []string
	add := func(role, text string) {
		if text != "" {
			parts = append(parts, role+": "+text)
		}
	}
	if userIdx >= 0 && assistantIdx >= 0 && assistantIdx < userIdx {
		add(RoleAssistant, lastAssistant)
		add(RoleUser, lastUser)
	} else {
		add(RoleUser, lastUser)
		add(RoleAssistant, lastAssistant)
	}

	summary := strings.Join(parts, " | ")
	if r := []rune(summary); len(r) > SummaryMaxLen {
		summary = string(r[len(r)-SummaryMaxLen:])
	}
	return summary
}

// Expired reports whether a device conversation last used at lastUsed has
// outlived ttl. ttl <= 0 disables expiry; an unknown lastUsed never expires.
func Expired(lastUsed time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 || lastUsed.IsZero() {
		return false
	}
	return now.Sub(lastUsed) > ttl
}

// Exchange is one turn handed to a Responder: the thread it belongs to, the
// mode instructions, the history so far and the new input.
type Exchange struct {
	ThreadID     string
	Instructions string
	History      []Message
	Input        Message
}

// Responder produces the assistant reply for an exchange.
type Responder interface {
	Respond(ctx context.Context, ex Exchange) (string, error)
}
