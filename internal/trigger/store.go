package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
	"github.com/harunnryd/reveille/internal/record"
)

type Store struct {
	records record.Store
}

func NewStore(records record.Store) *Store {
	return &Store{records: records}
}

// Due returns enabled triggers whose next occurrence is at or before upper,
// earliest first. Documents that cannot be decoded are skipped with a warning.
func (s *Store) Due(ctx context.Context, upper time.Time) ([]*Trigger, error) {
	entries, err := s.records.List(ctx, Collection)
	if err != nil {
		return nil, fmt.Errorf("query due triggers: %w", err)
	}

	var due []*Trigger
	for _, entry := range entries {
		if entry.Doc.String("status") != string(StatusOn) {
			continue
		}
		t, err := decode(entry.Key, entry.Doc)
		if err != nil {
			slog.Warn("Skipping malformed trigger", "trigger_id", entry.Key, "error", err)
			continue
		}
		if t.NextOccurrence.IsZero() || t.NextOccurrence.After(upper) {
			continue
		}
		due = append(due, t)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextOccurrence.Before(due[j].NextOccurrence)
	})
	return due, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Trigger, error) {
	doc, err := s.records.Get(ctx, Collection, id)
	if err != nil {
		return nil, err
	}
	return decode(id, doc)
}

func (s *Store) List(ctx context.Context) ([]*Trigger, error) {
	entries, err := s.records.List(ctx, Collection)
	if err != nil {
		return nil, err
	}
	out := make([]*Trigger, 0, len(entries))
	for _, entry := range entries {
		t, err := decode(entry.Key, entry.Doc)
		if err != nil {
			slog.Warn("Skipping malformed trigger", "trigger_id", entry.Key, "error", err)
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Put creates or replaces a trigger.
func (s *Store) Put(ctx context.Context, t *Trigger) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return s.records.Set(ctx, Collection, t.ID, encode(t))
}

// Advance records that the occurrence at lastProcessed fired and moves the
// trigger to next, in one write.
func (s *Store) Advance(ctx context.Context, id string, lastProcessed, next time.Time) error {
	if !lastProcessed.Before(next) {
		return errors.InvalidInput(fmt.Sprintf("trigger %s: next occurrence %s not after %s", id, next, lastProcessed))
	}
	return s.records.Merge(ctx, Collection, id, record.Document{
		"lastProcessedUTC":  record.FormatTime(lastProcessed),
		"nextOccurrenceUTC": record.FormatTime(next),
		"updatedAt":         record.FormatTime(time.Now()),
	})
}

// SetStatus soft-enables or soft-disables a trigger; triggers are never deleted.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	if status != StatusOn && status != StatusOff {
		return errors.InvalidInput(fmt.Sprintf("status %q", status))
	}
	if _, err := s.records.Get(ctx, Collection, id); err != nil {
		return err
	}
	return s.records.Merge(ctx, Collection, id, record.Document{
		"status":    string(status),
		"updatedAt": record.FormatTime(time.Now()),
	})
}
