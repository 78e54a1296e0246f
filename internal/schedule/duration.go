package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskpilot/internal/model"
)

// DefaultSpan is used when a task's duration is absent or malformed.
const DefaultSpan = time.Hour

// defaultDueTime is assumed when a due date has no explicit time.
const defaultDueTime = "17:00"

// ParseSpan parses an "HH:MM" span string into a duration.
// Absent or malformed input resolves to DefaultSpan; it never errors.
func ParseSpan(s string) time.Duration {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return DefaultSpan
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if d <= 0 {
		return DefaultSpan
	}
	return d
}

// ParseHHMM parses a wall-clock "HH:MM" string.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// minutesOrDefault parses "HH:MM" to minutes from midnight, falling back to
// def when the value is absent or malformed.
func minutesOrDefault(s string, def int) int {
	h, m, err := ParseHHMM(s)
	if err != nil {
		return def
	}
	return h*60 + m
}

// ComputeDeadline resolves the absolute end of the scheduling horizon.
//
// Without an explicit due date the deadline is priority-based: now+1d for
// high, now+3d for medium, now+7d for low. An explicit due date always wins:
// it is combined with the due time (17:00 if absent) and interpreted in the
// user's fixed offset.
func ComputeDeadline(t model.Task, now time.Time, wh model.WorkingHours) time.Time {
	if strings.TrimSpace(t.DueDate) == "" {
		return now.Add(priorityHorizon(t.Priority))
	}

	loc := wh.Location()
	day, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(t.DueDate), loc)
	if err != nil {
		return now.Add(priorityHorizon(t.Priority))
	}

	due := t.DueTime
	if strings.TrimSpace(due) == "" {
		due = defaultDueTime
	}
	h, m, err := ParseHHMM(due)
	if err != nil {
		h, m, _ = ParseHHMM(defaultDueTime)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, loc)
}

func priorityHorizon(p model.Priority) time.Duration {
	switch p {
	case model.PriorityHigh:
		return 24 * time.Hour
	case model.PriorityLow:
		return 7 * 24 * time.Hour
	default:
		return 3 * 24 * time.Hour
	}
}
