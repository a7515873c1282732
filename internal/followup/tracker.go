package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/reveille/internal/concurrency"
)

const DefaultPollInterval = 500 * time.Millisecond

// Probe exposes the live activity of the connection to the timer.
type Probe interface {
	ClientSpeaking() bool
	AssistantBusy() bool
	// LastActivity is the later of "assistant finished speaking" and
	// "last speech activity", zero when neither happened yet.
	LastActivity() time.Time
}

// FireFunc delivers follow-up number n.
type FireFunc func(ctx context.Context, n int) error

// Tracker owns the follow-up state of one connection and at most one pending
// timer. Scheduling a new timer cancels the previous one.
type Tracker struct {
	mu      sync.Mutex
	state   State
	probe   Probe
	fire    FireFunc
	poll    time.Duration
	now     func() time.Time
	gen     uint64
	cancel  context.CancelFunc
	pending sync.WaitGroup
	stopped bool
}

type Option func(*Tracker)

func WithPollInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.poll = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func NewTracker(state State, probe Probe, fire FireFunc, opts ...Option) *Tracker {
	t := &Tracker{
		state: state,
		probe: probe,
		fire:  fire,
		poll:  DefaultPollInterval,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	s.Delays = append([]time.Duration(nil), t.state.Delays...)
	return s
}

// Schedule arms the timer for the next follow-up if the state allows one.
// ctx is handed to the fire callback; the timer itself stops with Stop or the
// next Schedule.
func (t *Tracker) Schedule(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || !t.state.ShouldSchedule() {
		return false
	}
	t.cancelLocked()

	t.gen++
	gen := t.gen
	delay := t.state.NextDelay()
	start := t.now()
	timerCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.pending.Add(1)
	concurrency.SafeGo(func() {
		defer t.pending.Done()
		t.run(ctx, timerCtx, gen, delay, start)
	}, nil)

	slog.Debug("Follow-up scheduled", "number", t.state.Count+1, "delay", delay)
	return true
}

// MarkUserResponded latches the response flag and cancels any pending timer.
func (t *Tracker) MarkUserResponded() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.UserHasResponded = true
	t.cancelLocked()
}

// Stop cancels the pending timer and refuses further scheduling.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.cancelLocked()
	t.mu.Unlock()
}

// Wait blocks until no timer goroutine is running.
func (t *Tracker) Wait() {
	t.pending.Wait()
}

func (t *Tracker) cancelLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
}

func (t *Tracker) run(fireCtx, timerCtx context.Context, gen uint64, delay time.Duration, start time.Time) {
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-timerCtx.Done():
			return
		case <-ticker.C:
		}

		if !t.current(gen) {
			return
		}
		if t.probe.ClientSpeaking() {
			slog.Debug("Follow-up aborted, client is speaking")
			return
		}
		if t.probe.AssistantBusy() {
			continue
		}

		ref := t.probe.LastActivity()
		if ref.IsZero() {
			ref = start
		}
		if t.now().Sub(ref) < delay {
			continue
		}

		n, ok := t.claim(gen)
		if !ok {
			return
		}
		slog.Info("Sending follow-up", "number", n, "silence", t.now().Sub(ref).Round(time.Millisecond))
		if err := t.fire(fireCtx, n); err != nil {
			slog.Warn("Follow-up delivery failed", "number", n, "error", err)
		}
		return
	}
}

func (t *Tracker) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen && !t.stopped && !t.state.UserHasResponded
}

// claim increments the counter unless the user responded or the timer was
// superseded in the meantime.
func (t *Tracker) claim(gen uint64) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.stopped || !t.state.ShouldSchedule() {
		return 0, false
	}
	t.state.Count++
	return t.state.Count, true
}
