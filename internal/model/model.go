package model

import "time"

// Priority of a task. Drives both deadline defaults and slot selection.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ParsePriority normalizes a raw priority string, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Rank returns a comparable weight (higher means more urgent).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// TaskStatus is the lifecycle state of a task.
//
// pending          created by the extraction layer, not yet ours
// accepted         ready for the scheduling engine
// scheduled        committed to the calendar
// pending_conflict_resolution  waiting on a human decision (or timeout)
// pending_manual_schedule      engine gave up; user must place it by hand
// skipped          terminal, user chose not to schedule
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusAccepted        TaskStatus = "accepted"
	StatusScheduled       TaskStatus = "scheduled"
	StatusPendingConflict TaskStatus = "pending_conflict_resolution"
	StatusPendingManual   TaskStatus = "pending_manual_schedule"
	StatusSkipped         TaskStatus = "skipped"
)

// Task is the unit of scheduling. ScheduledStart/ScheduledEnd and
// CalendarEventID are either all set or all unset; only the calendar event
// writer sets them.
type Task struct {
	ID       string
	UserID   int64
	Title    string
	Priority Priority

	// Duration is an "HH:MM" span string. Malformed or empty values resolve
	// to a 1 hour default, never an error.
	Duration string

	// DueDate ("2006-01-02") and DueTime ("HH:MM") are optional. A present
	// DueDate always overrides the priority-based deadline default.
	DueDate string
	DueTime string

	Status TaskStatus

	ScheduledStart  *time.Time
	ScheduledEnd    *time.Time
	CalendarEventID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Window returns the scheduled window if the task has one.
func (t *Task) Window() (start, end time.Time, ok bool) {
	if t.ScheduledStart == nil || t.ScheduledEnd == nil {
		return time.Time{}, time.Time{}, false
	}
	return *t.ScheduledStart, *t.ScheduledEnd, true
}

// WorkingHours is a user's weekly availability, interpreted in the user's
// fixed UTC offset. Read-only to the engine.
type WorkingHours struct {
	// Days is indexed by time.Weekday (Sunday = 0).
	Days [7]bool

	Start string // "HH:MM"
	End   string // "HH:MM"

	// Optional break window; empty strings mean no break.
	BreakStart string
	BreakEnd   string

	UTCOffsetMinutes int
}

// DefaultWorkingHours is Mon-Fri 09:00-17:00 UTC, no break.
func DefaultWorkingHours() WorkingHours {
	var wh WorkingHours
	for d := time.Monday; d <= time.Friday; d++ {
		wh.Days[d] = true
	}
	wh.Start = "09:00"
	wh.End = "17:00"
	return wh
}

// Location returns the fixed-offset location working hours are defined in.
func (w WorkingHours) Location() *time.Location {
	if w.UTCOffsetMinutes == 0 {
		return time.UTC
	}
	return time.FixedZone("user", w.UTCOffsetMinutes*60)
}

// HasBreak reports whether a break window is configured.
func (w WorkingHours) HasBreak() bool {
	return w.BreakStart != "" && w.BreakEnd != ""
}

// BusySlot is a transient occupied interval, sourced from an external
// calendar event or another scheduled task. Never persisted on its own.
type BusySlot struct {
	Start    time.Time
	End      time.Time
	SourceID string
	Title    string
}

// Overlaps reports half-open interval overlap with [start, end).
func (b BusySlot) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && end.After(b.Start)
}

// Conflict describes one commitment blocking a required window.
type Conflict struct {
	Slot BusySlot

	// TaskID is set for internal conflicts (another scheduled task).
	TaskID   string
	External bool

	// PriorityRelevant marks a blocking task with strictly lower priority
	// than the incoming one. Ordering metadata for the bump strategy only;
	// it is not a hard block.
	PriorityRelevant bool
}

// ConflictRequest correlates a task awaiting a human decision with what is
// blocking it. Persisted so resolution state survives a restart.
type ConflictRequest struct {
	TaskID        string
	UserID        int64
	RequiredStart time.Time
	RequiredEnd   time.Time
	Conflicts     []Conflict
	CreatedAt     time.Time
}
