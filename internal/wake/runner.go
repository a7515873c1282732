package wake

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harunnryd/reveille/internal/concurrency"
	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/errors"

	"github.com/robfig/cron/v3"
)

type Result struct {
	Requests []Request
	Sent     int
}

// Runner scans on a cron schedule and dispatches what it fired. A tick that
// finds a scan in progress is skipped, whether it came from cron or from the
// immediate run on Start. Runs from other processes are made safe by the
// trigger and session guards.
type Runner struct {
	sched           *Scheduler
	disp            *Dispatcher
	schedule        string
	shutdownTimeout time.Duration
	now             func() time.Time

	scanning atomic.Bool
	inflight sync.WaitGroup

	mu       sync.RWMutex
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	lastScan time.Time
	lastErr  error
}

func NewRunner(sched *Scheduler, disp *Dispatcher, cfg config.SchedulerConfig) (*Runner, error) {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = config.DefaultSchedulerSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid scan schedule %q: %w", schedule, err)
	}
	shutdownTimeout, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}

	return &Runner{
		sched:           sched,
		disp:            disp,
		schedule:        schedule,
		shutdownTimeout: shutdownTimeout,
		now:             time.Now,
	}, nil
}

// RunOnce performs a single scan and dispatch.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	now := r.now()
	reqs, err := r.sched.ScanAndFire(ctx, now, 0)

	r.mu.Lock()
	r.lastScan = now
	r.lastErr = err
	r.mu.Unlock()

	if err != nil {
		return Result{}, err
	}
	return Result{Requests: reqs, Sent: r.disp.Dispatch(ctx, reqs)}, nil
}

func (r *Runner) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := r.cron.AddFunc(r.schedule, r.tick); err != nil {
		return fmt.Errorf("register scan schedule: %w", err)
	}

	slog.Info("Wake runner initialized", "schedule", r.schedule)
	return nil
}

func (r *Runner) tick() {
	r.mu.RLock()
	ctx := r.ctx
	r.mu.RUnlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !r.scanning.CompareAndSwap(false, true) {
		slog.Debug("Wake scan still running, skipping tick")
		return
	}
	defer r.scanning.Store(false)

	if _, err := r.RunOnce(ctx); err != nil {
		slog.Error("Wake scan failed", "error", err)
	}
}

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.cron == nil {
		r.mu.Unlock()
		return errors.Internal("wake runner not initialized")
	}
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.cron.Start()
	r.inflight.Add(1)
	r.mu.Unlock()

	concurrency.SafeGo(func() {
		defer r.inflight.Done()
		r.tick()
	}, nil)

	slog.Info("Wake runner started")
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	cronStopped := r.cron.Stop()
	r.cancel()
	r.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		<-cronStopped.Done()
		r.inflight.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("Wake runner stopped gracefully")
		return nil
	case <-time.After(r.shutdownTimeout):
		slog.Warn("Wake runner shutdown timeout, force stopping")
		return errors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.cron == nil {
		return errors.Internal("wake runner not initialized")
	}
	if !r.running {
		return errors.Internal("wake runner not running")
	}
	if r.lastErr != nil {
		return fmt.Errorf("last scan at %s: %w", r.lastScan.Format(time.RFC3339), errors.ErrTransient)
	}
	return nil
}

func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}
