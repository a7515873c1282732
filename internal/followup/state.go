// Package followup decides when a silent user gets nudged again and runs the
// single cancellable silence timer of a connection.
package followup

import (
	"fmt"
	"time"
)

// State is the per-connection follow-up bookkeeping. UserHasResponded is a
// latch: once set it stays set for the life of the connection.
type State struct {
	Count            int
	Max              int
	Delays           []time.Duration
	Step             time.Duration
	Enabled          bool
	UserHasResponded bool
}

func NewState(enabled bool, delays []time.Duration, step time.Duration, max int) State {
	return State{
		Enabled: enabled,
		Delays:  append([]time.Duration(nil), delays...),
		Step:    step,
		Max:     max,
	}
}

// Reset returns a fresh state with the same policy and no history.
func (s State) Reset() State {
	return NewState(s.Enabled, s.Delays, s.Step, s.Max)
}

// NextDelay is the silence required before follow-up number Count+1. Past the
// configured list, each further follow-up waits one more Step than the last.
func (s State) NextDelay() time.Duration {
	if len(s.Delays) == 0 {
		return time.Duration(s.Count+1) * s.Step
	}
	if s.Count < len(s.Delays) {
		return s.Delays[s.Count]
	}
	extra := s.Count - len(s.Delays) + 1
	return s.Delays[len(s.Delays)-1] + time.Duration(extra)*s.Step
}

func (s State) ShouldSchedule() bool {
	return s.Enabled && !s.UserHasResponded && s.Count < s.Max
}

// Exhausted reports that every allowed follow-up went unanswered.
func (s State) Exhausted() bool {
	return s.Enabled && !s.UserHasResponded && s.Count >= s.Max
}

// Prompt is the synthetic user text injected for follow-up n.
func Prompt(n int) string {
	return fmt.Sprintf("[No response from user - follow-up #%d]", n)
}
