package followup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextDelayEscalation(t *testing.T) {
	s := NewState(true, []time.Duration{10 * time.Second, 15 * time.Second, 20 * time.Second}, 10*time.Second, 5)

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, s.NextDelay())
		s.Count++
	}
	assert.Equal(t, []time.Duration{10 * time.Second, 15 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second}, got)
}

func TestNextDelayWithoutList(t *testing.T) {
	s := NewState(true, nil, 5*time.Second, 3)
	assert.Equal(t, 5*time.Second, s.NextDelay())
	s.Count = 2
	assert.Equal(t, 15*time.Second, s.NextDelay())
}

func TestShouldSchedule(t *testing.T) {
	s := NewState(true, []time.Duration{time.Second}, time.Second, 2)
	assert.True(t, s.ShouldSchedule())

	s.Count = 2
	assert.False(t, s.ShouldSchedule())
	assert.True(t, s.Exhausted())

	s = NewState(true, nil, time.Second, 2)
	s.UserHasResponded = true
	assert.False(t, s.ShouldSchedule())
	assert.False(t, s.Exhausted())

	assert.False(t, NewState(false, nil, time.Second, 5).ShouldSchedule())
	assert.False(t, NewState(true, nil, time.Second, 0).ShouldSchedule())
}

func TestResetKeepsPolicy(t *testing.T) {
	s := NewState(true, []time.Duration{time.Second}, 2*time.Second, 3)
	s.Count = 3
	s.UserHasResponded = true

	r := s.Reset()
	assert.Equal(t, 0, r.Count)
	assert.False(t, r.UserHasResponded)
	assert.Equal(t, 3, r.Max)
	assert.Equal(t, 2*time.Second, r.Step)
	assert.True(t, r.Enabled)
}

func TestPrompt(t *testing.T) {
	assert.Equal(t, "[No response from user - follow-up #3]", Prompt(3))
}

type fakeProbe struct {
	mu       sync.Mutex
	speaking bool
	busy     bool
	last     time.Time
}

func (p *fakeProbe) ClientSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

func (p *fakeProbe) AssistantBusy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

func (p *fakeProbe) LastActivity() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakeProbe) set(fn func(p *fakeProbe)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func TestTrackerFiresAfterSilence(t *testing.T) {
	probe := &fakeProbe{}
	fired := make(chan int, 1)
	tr := NewTracker(NewState(true, []time.Duration{30 * time.Millisecond}, 10*time.Millisecond, 3), probe,
		func(ctx context.Context, n int) error {
			fired <- n
			return nil
		}, WithPollInterval(5*time.Millisecond))

	require.True(t, tr.Schedule(context.Background()))

	select {
	case n := <-fired:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up never fired")
	}
	tr.Wait()
	assert.Equal(t, 1, tr.State().Count)
}

func TestTrackerUserResponseWins(t *testing.T) {
	probe := &fakeProbe{}
	var fired int32
	tr := NewTracker(NewState(true, []time.Duration{50 * time.Millisecond}, time.Second, 3), probe,
		func(ctx context.Context, n int) error {
			atomic.AddInt32(&fired, 1)
			return nil
		}, WithPollInterval(5*time.Millisecond))

	require.True(t, tr.Schedule(context.Background()))
	tr.MarkUserResponded()
	tr.Wait()

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.Equal(t, 0, tr.State().Count)
	assert.True(t, tr.State().UserHasResponded)
	assert.False(t, tr.Schedule(context.Background()), "latched state never reschedules")
}

func TestTrackerAbortsWhenClientSpeaks(t *testing.T) {
	probe := &fakeProbe{}
	var fired int32
	tr := NewTracker(NewState(true, []time.Duration{40 * time.Millisecond}, time.Second, 3), probe,
		func(ctx context.Context, n int) error {
			atomic.AddInt32(&fired, 1)
			return nil
		}, WithPollInterval(5*time.Millisecond))

	probe.set(func(p *fakeProbe) { p.speaking = true })
	require.True(t, tr.Schedule(context.Background()))
	tr.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
	assert.Equal(t, 0, tr.State().Count)
}

func TestTrackerWaitsWhileAssistantBusy(t *testing.T) {
	probe := &fakeProbe{}
	probe.set(func(p *fakeProbe) { p.busy = true })

	fired := make(chan int, 1)
	tr := NewTracker(NewState(true, []time.Duration{10 * time.Millisecond}, time.Second, 3), probe,
		func(ctx context.Context, n int) error {
			fired <- n
			return nil
		}, WithPollInterval(5*time.Millisecond))
	require.True(t, tr.Schedule(context.Background()))

	select {
	case <-fired:
		t.Fatal("fired while the assistant was speaking")
	case <-time.After(60 * time.Millisecond):
	}

	probe.set(func(p *fakeProbe) {
		p.busy = false
		p.last = time.Now()
	})
	select {
	case n := <-fired:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up never fired after assistant finished")
	}
	tr.Wait()
}

func TestTrackerRescheduleCancelsPrevious(t *testing.T) {
	probe := &fakeProbe{}
	fired := make(chan int, 4)
	tr := NewTracker(NewState(true, []time.Duration{40 * time.Millisecond}, time.Second, 5), probe,
		func(ctx context.Context, n int) error {
			fired <- n
			return nil
		}, WithPollInterval(5*time.Millisecond))

	require.True(t, tr.Schedule(context.Background()))
	require.True(t, tr.Schedule(context.Background()))
	require.True(t, tr.Schedule(context.Background()))

	select {
	case n := <-fired:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up never fired")
	}
	tr.Wait()
	assert.Len(t, fired, 0, "only the newest timer may fire")
	assert.Equal(t, 1, tr.State().Count)
}

func TestTrackerStop(t *testing.T) {
	probe := &fakeProbe{}
	tr := NewTracker(NewState(true, []time.Duration{time.Hour}, time.Second, 5), probe,
		func(ctx context.Context, n int) error { return nil }, WithPollInterval(5*time.Millisecond))

	require.True(t, tr.Schedule(context.Background()))
	tr.Stop()
	tr.Wait()
	assert.False(t, tr.Schedule(context.Background()))
}

func TestTrackerUsesLastActivity(t *testing.T) {
	probe := &fakeProbe{}
	now := time.Now()
	probe.set(func(p *fakeProbe) { p.last = now.Add(time.Hour) })

	var fired int32
	tr := NewTracker(NewState(true, []time.Duration{20 * time.Millisecond}, time.Second, 3), probe,
		func(ctx context.Context, n int) error {
			atomic.AddInt32(&fired, 1)
			return nil
		}, WithPollInterval(5*time.Millisecond))

	require.True(t, tr.Schedule(context.Background()))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "recent activity resets the silence clock")

	tr.Stop()
	tr.Wait()
}
