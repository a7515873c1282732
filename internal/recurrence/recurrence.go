// Package recurrence computes the next wall-clock occurrence of a weekly rule
// in an owner's timezone.
package recurrence

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/reveille/internal/errors"
)

const RepeatWeekly = "weekly"

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// Rule is a repeating local wall-clock time. An empty Weekdays set means every day.
type Rule struct {
	Repeat    string
	LocalTime string
	Weekdays  []time.Weekday
}

type clock struct {
	hour, minute, second int
}

// Next returns the smallest UTC instant strictly after ref whose local time in
// tz equals the rule's time of day on an allowed weekday.
func Next(rule Rule, tz string, ref time.Time) (time.Time, error) {
	if strings.TrimSpace(tz) == "" {
		return time.Time{}, fmt.Errorf("compute next occurrence: %w", errors.ErrMissingTimezone)
	}
	repeat := strings.ToLower(strings.TrimSpace(rule.Repeat))
	if repeat != "" && repeat != RepeatWeekly {
		return time.Time{}, errors.InvalidInput(fmt.Sprintf("unsupported repeat %q", rule.Repeat))
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, errors.InvalidInput(fmt.Sprintf("timezone %q: %v", tz, err))
	}
	at, err := parseClock(rule.LocalTime)
	if err != nil {
		return time.Time{}, err
	}

	allowed := make(map[time.Weekday]bool, len(rule.Weekdays))
	for _, d := range rule.Weekdays {
		allowed[d] = true
	}

	local := ref.In(loc)
	y, m, d := local.Date()
	for offset := 0; offset <= 7; offset++ {
		candidate := time.Date(y, m, d+offset, at.hour, at.minute, at.second, 0, loc)
		if len(allowed) > 0 && !allowed[candidate.Weekday()] {
			continue
		}
		if candidate.After(ref) {
			return candidate.UTC(), nil
		}
	}

	return time.Date(y, m, d+7, at.hour, at.minute, at.second, 0, loc).UTC(), nil
}

func parseClock(s string) (clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return clock{}, errors.InvalidInput(fmt.Sprintf("local time %q, want HH:MM[:SS]", s))
	}
	limits := []int{23, 59, 59}
	values := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return clock{}, errors.InvalidInput(fmt.Sprintf("local time %q, want HH:MM[:SS]", s))
		}
		values[i] = n
	}
	return clock{hour: values[0], minute: values[1], second: values[2]}, nil
}

// ParseWeekday accepts "Mon".."Sun" and full English names, case-insensitively.
func ParseWeekday(name string) (time.Weekday, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if len(key) > 3 {
		key = key[:3]
	}
	d, ok := weekdayNames[key]
	return d, ok
}

// ParseWeekdays keeps the recognised names and drops the rest with a warning.
func ParseWeekdays(names []string) []time.Weekday {
	days := make([]time.Weekday, 0, len(names))
	for _, name := range names {
		d, ok := ParseWeekday(name)
		if !ok {
			slog.Warn("Dropping unknown weekday", "day", name)
			continue
		}
		days = append(days, d)
	}
	return days
}

// FormatWeekdays renders days with the short names stored on trigger documents.
func FormatWeekdays(days []time.Weekday) []string {
	out := make([]string, 0, len(days))
	for _, d := range days {
		out = append(out, d.String()[:3])
	}
	return out
}
