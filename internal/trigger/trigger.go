// Package trigger persists scheduled wake rules and the owner profiles their
// timezones come from.
package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/recurrence"
	"github.com/harunnryd/reveille/internal/record"
)

const (
	Collection  = "triggers"
	DefaultMode = "morning_alarm"
)

type Status string

const (
	StatusOn  Status = "on"
	StatusOff Status = "off"
)

type Target struct {
	DeviceID string
	Mode     string
}

type Schedule struct {
	Repeat    string
	TimeLocal string
	Days      []time.Weekday
}

func (s Schedule) Rule() recurrence.Rule {
	return recurrence.Rule{Repeat: s.Repeat, LocalTime: s.TimeLocal, Weekdays: s.Days}
}

type Trigger struct {
	ID             string
	OwnerID        string
	Label          string
	Schedule       Schedule
	Status         Status
	NextOccurrence time.Time
	// LastProcessed is zero until the trigger first fires.
	LastProcessed time.Time
	Targets       []Target
	// Timezone is filled from the owner profile at fire time and is never
	// persisted.
	Timezone string
}

// Processed reports whether the current occurrence has already been fired.
func (t *Trigger) Processed() bool {
	return !t.LastProcessed.IsZero() && !t.LastProcessed.Before(t.NextOccurrence)
}

func (t *Trigger) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.InvalidInput("trigger id is empty")
	}
	if strings.TrimSpace(t.OwnerID) == "" {
		return errors.InvalidInput(fmt.Sprintf("trigger %s: owner id is empty", t.ID))
	}
	if t.Status != StatusOn && t.Status != StatusOff {
		return errors.InvalidInput(fmt.Sprintf("trigger %s: status %q", t.ID, t.Status))
	}
	if strings.TrimSpace(t.Schedule.TimeLocal) == "" {
		return errors.InvalidInput(fmt.Sprintf("trigger %s: schedule time is empty", t.ID))
	}
	return nil
}

func encode(t *Trigger) record.Document {
	targets := make([]any, 0, len(t.Targets))
	for _, target := range t.Targets {
		targets = append(targets, map[string]any{"deviceID": target.DeviceID, "mode": target.Mode})
	}
	days := make([]any, 0, len(t.Schedule.Days))
	for _, d := range recurrence.FormatWeekdays(t.Schedule.Days) {
		days = append(days, d)
	}

	doc := record.Document{
		"ownerId": t.OwnerID,
		"label":   t.Label,
		"status":  string(t.Status),
		"schedule": map[string]any{
			"repeat":    t.Schedule.Repeat,
			"timeLocal": t.Schedule.TimeLocal,
			"days":      days,
		},
		"targets":   targets,
		"updatedAt": record.FormatTime(time.Now()),
	}
	if !t.NextOccurrence.IsZero() {
		doc["nextOccurrenceUTC"] = record.FormatTime(t.NextOccurrence)
	}
	if !t.LastProcessed.IsZero() {
		doc["lastProcessedUTC"] = record.FormatTime(t.LastProcessed)
	}
	return doc
}

// decode maps a stored document onto a Trigger. A targets field that is not a
// list, or holds non-object entries, makes the whole trigger malformed.
func decode(id string, doc record.Document) (*Trigger, error) {
	t := &Trigger{
		ID:      id,
		OwnerID: doc.String("ownerId"),
		Label:   doc.String("label"),
		Status:  Status(doc.String("status")),
	}

	var err error
	if t.NextOccurrence, err = doc.Time("nextOccurrenceUTC"); err != nil {
		return nil, fmt.Errorf("trigger %s nextOccurrenceUTC: %w", id, err)
	}
	if t.LastProcessed, err = doc.Time("lastProcessedUTC"); err != nil {
		return nil, fmt.Errorf("trigger %s lastProcessedUTC: %w", id, err)
	}

	if schedule := doc.Map("schedule"); schedule != nil {
		t.Schedule.Repeat = schedule.String("repeat")
		t.Schedule.TimeLocal = schedule.String("timeLocal")
		if raw, ok := schedule["days"].([]any); ok {
			names := make([]string, 0, len(raw))
			for _, v := range raw {
				if s, ok := v.(string); ok {
					names = append(names, s)
				}
			}
			t.Schedule.Days = recurrence.ParseWeekdays(names)
		}
	}

	rawTargets, present := doc["targets"]
	if present && rawTargets != nil {
		list, ok := rawTargets.([]any)
		if !ok {
			return nil, errors.Malformed(fmt.Sprintf("trigger %s: targets is %T, want list", id, rawTargets))
		}
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errors.Malformed(fmt.Sprintf("trigger %s: target %d is %T, want object", id, i, item))
			}
			entry := record.Document(m)
			mode := strings.TrimSpace(entry.String("mode"))
			if mode == "" {
				mode = DefaultMode
			}
			t.Targets = append(t.Targets, Target{
				DeviceID: strings.TrimSpace(entry.String("deviceID")),
				Mode:     mode,
			})
		}
	}
	return t, nil
}
