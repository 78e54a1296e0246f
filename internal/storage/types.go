package storage

import (
	"context"
	"errors"
	"time"

	"taskpilot/internal/model"
)

var (
	ErrNotFound = errors.New("not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// User is one person the bot schedules for. ID doubles as the Telegram chat
// id for direct messages.
type User struct {
	ID         int64
	ChatID     int64
	CalendarID string // external calendar id, e.g. "primary"
	Connected  bool
}

// Window is a committed schedule: start/end and the external event id are
// always written together (and cleared together).
type Window struct {
	Start   time.Time
	End     time.Time
	EventID string
}

// TaskPatch is a partial task update. Schedule and ClearSchedule are
// mutually exclusive.
type TaskPatch struct {
	Status        *model.TaskStatus
	Schedule      *Window
	ClearSchedule bool
}

// Store is the persistence API consumed by the engine and the bot surface.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t model.Task) error
	GetTask(ctx context.Context, id string) (model.Task, error)
	UpdateTask(ctx context.Context, id string, patch TaskPatch) error
	UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error
	TasksByStatus(ctx context.Context, userID int64, status model.TaskStatus) ([]model.Task, error)

	// Working hours. Returns defaults when the user has none stored.
	WorkingHours(ctx context.Context, userID int64) (model.WorkingHours, error)
	PutWorkingHours(ctx context.Context, userID int64, wh model.WorkingHours) error

	// Conflict requests, keyed by task id. Durable so resolution state
	// survives a restart.
	PutConflictRequest(ctx context.Context, req model.ConflictRequest) error
	GetConflictRequest(ctx context.Context, taskID string) (model.ConflictRequest, bool, error)
	DeleteConflictRequest(ctx context.Context, taskID string) error
	ListConflictRequests(ctx context.Context) ([]model.ConflictRequest, error)

	// Users and their calendar connection.
	UpsertUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id int64) (User, bool, error)
	ListConnectedUsers(ctx context.Context) ([]User, error)
	SetCalendarConnected(ctx context.Context, userID int64, connected bool) error
	SaveCalendarToken(ctx context.Context, userID int64, tokenJSON string) error
	CalendarToken(ctx context.Context, userID int64) (string, error)

	Close() error
}
