// Package calendar talks to the user's external calendar. The engine only
// sees the Provider interface; the Google implementation lives in google.go.
package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrAuthExpired marks a calendar call that failed because the user's
// credentials are no longer valid. The engine reacts by disconnecting the
// calendar and asking the user to re-link it.
var ErrAuthExpired = errors.New("calendar authorization expired")

// Event is a busy interval on the external calendar. TaskID is set when the
// event was created by us for a task.
type Event struct {
	ID     string
	Title  string
	Start  time.Time
	End    time.Time
	TaskID string
}

// Provider is the calendar API the engine schedules against. All windows are
// half-open [start, end).
type Provider interface {
	ListEvents(ctx context.Context, userID int64, start, end time.Time) ([]Event, error)
	CreateEvent(ctx context.Context, userID int64, ev Event) (string, error)
	UpdateEvent(ctx context.Context, userID int64, ev Event) error
	DeleteEvent(ctx context.Context, userID int64, eventID string) error
}
