// Package wake finds alarm triggers that are about to come due, claims the
// target devices with a session lock and asks them to connect.
package wake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/reveille/internal/config"
	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/recurrence"
	"github.com/harunnryd/reveille/internal/session"
	"github.com/harunnryd/reveille/internal/trigger"

	"github.com/oklog/ulid/v2"
)

// Request is one device that should open a session now.
type Request struct {
	ID          string
	DeviceID    string
	TriggerID   string
	OwnerID     string
	Label       string
	Mode        string
	SessionType string
	TriggeredAt time.Time
	ExpiresAt   time.Time
}

// Report counts what one scan did.
type Report struct {
	Due           int
	Processed     int
	Fired         int
	SkippedLocked int
	Failed        int
	Advanced      int
}

type Scheduler struct {
	triggers    *trigger.Store
	profiles    *trigger.Profiles
	locks       *session.Store
	sessionType string
	ttl         time.Duration
	lookahead   time.Duration
	mapper      *errors.DefaultErrorMapper
}

func NewScheduler(triggers *trigger.Store, profiles *trigger.Profiles, locks *session.Store, cfg config.SchedulerConfig) (*Scheduler, error) {
	ttl, err := config.DurationOrDefault(cfg.SessionTTL, config.DefaultSchedulerSessionTTL)
	if err != nil {
		return nil, fmt.Errorf("parse session ttl: %w", err)
	}
	lookahead, err := config.DurationOrDefault(cfg.Lookahead, config.DefaultSchedulerLookahead)
	if err != nil {
		return nil, fmt.Errorf("parse lookahead: %w", err)
	}

	sessionType := strings.TrimSpace(cfg.SessionType)
	if sessionType == "" {
		sessionType = session.DefaultType
	}

	return &Scheduler{
		triggers:    triggers,
		profiles:    profiles,
		locks:       locks,
		sessionType: sessionType,
		ttl:         ttl,
		lookahead:   lookahead,
		mapper:      errors.NewDefaultErrorMapper(),
	}, nil
}

func (s *Scheduler) Lookahead() time.Duration { return s.lookahead }

// ScanAndFire claims every device of every trigger due within now+lookahead
// and moves those triggers to their following occurrence. Only a failed due
// query fails the scan; everything else is logged per trigger or target.
func (s *Scheduler) ScanAndFire(ctx context.Context, now time.Time, lookahead time.Duration) ([]Request, error) {
	if lookahead <= 0 {
		lookahead = s.lookahead
	}

	due, err := s.triggers.Due(ctx, now.Add(lookahead))
	if err != nil {
		return nil, err
	}

	report := Report{Due: len(due)}
	var requests []Request
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		fired := s.fireTrigger(ctx, now, t, &report)
		requests = append(requests, fired...)
	}

	slog.Info("Wake scan finished",
		"due", report.Due,
		"processed", report.Processed,
		"fired", report.Fired,
		"skipped_locked", report.SkippedLocked,
		"failed", report.Failed,
		"advanced", report.Advanced)
	return requests, nil
}

func (s *Scheduler) fireTrigger(ctx context.Context, now time.Time, t *trigger.Trigger, report *Report) []Request {
	log := slog.With("trigger_id", t.ID, "owner_id", t.OwnerID)

	if t.Processed() {
		log.Debug("Trigger occurrence already processed", "next_occurrence", t.NextOccurrence)
		return nil
	}
	if len(t.Targets) == 0 {
		log.Warn("Trigger has no targets")
		return nil
	}
	report.Processed++

	tz, err := s.profiles.Timezone(ctx, t.OwnerID)
	if err != nil {
		report.Failed++
		log.Error("Cannot resolve owner timezone", "category", s.mapper.Category(err), "error", err)
		return nil
	}
	t.Timezone = tz
	next, err := recurrence.Next(t.Schedule.Rule(), t.Timezone, t.NextOccurrence)
	if err != nil {
		report.Failed++
		log.Error("Cannot compute next occurrence", "category", s.mapper.Category(err), "error", err)
		return nil
	}

	var requests []Request
	for _, target := range t.Targets {
		req, ok := s.fireTarget(ctx, now, t, target, report)
		if ok {
			requests = append(requests, req)
		}
	}
	if len(requests) == 0 {
		return nil
	}

	if err := s.triggers.Advance(ctx, t.ID, t.NextOccurrence, next); err != nil {
		log.Error("Failed to advance trigger", "category", s.mapper.Category(err), "next_occurrence", next, "error", err)
	} else {
		report.Advanced++
		log.Info("Trigger advanced", "fired_occurrence", t.NextOccurrence, "next_occurrence", next, "devices", len(requests))
	}
	return requests
}

func (s *Scheduler) fireTarget(ctx context.Context, now time.Time, t *trigger.Trigger, target trigger.Target, report *Report) (Request, bool) {
	deviceID := strings.ToLower(strings.TrimSpace(target.DeviceID))
	if deviceID == "" {
		slog.Warn("Skipping target without device id", "trigger_id", t.ID)
		return Request{}, false
	}
	log := slog.With("trigger_id", t.ID, "device_id", deviceID)

	existing, err := s.locks.Get(ctx, deviceID, now)
	if err != nil {
		report.Failed++
		log.Error("Failed to read session lock", "category", s.mapper.Category(err), "error", err)
		return Request{}, false
	}
	if existing != nil {
		report.SkippedLocked++
		log.Info("Device already has an active session", "expires_at", existing.ExpiresAt)
		return Request{}, false
	}

	modeName := strings.TrimSpace(target.Mode)
	if modeName == "" {
		modeName = trigger.DefaultMode
	}
	lock, err := s.locks.Create(ctx, deviceID, s.sessionType, s.ttl, session.Config{
		Mode:      modeName,
		TriggerID: t.ID,
		OwnerID:   t.OwnerID,
		Label:     t.Label,
	}, session.WithTriggeredAt(now.UTC()))
	if err != nil {
		report.Failed++
		log.Error("Failed to create session lock", "category", s.mapper.Category(err), "error", err)
		return Request{}, false
	}

	report.Fired++
	return Request{
		ID:          ulid.Make().String(),
		DeviceID:    deviceID,
		TriggerID:   t.ID,
		OwnerID:     t.OwnerID,
		Label:       t.Label,
		Mode:        modeName,
		SessionType: lock.SessionType,
		TriggeredAt: lock.TriggeredAt,
		ExpiresAt:   lock.ExpiresAt,
	}, true
}
