package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskpilot/internal/calendar"
	"taskpilot/internal/model"
	"taskpilot/internal/storage"
)

// fakeStore is an in-memory storage.Store for engine tests.
type fakeStore struct {
	mu     sync.Mutex
	tasks  map[string]model.Task
	hours  map[int64]model.WorkingHours
	reqs   map[string]model.ConflictRequest
	users  map[int64]storage.User
	tokens map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks:  map[string]model.Task{},
		hours:  map[int64]model.WorkingHours{},
		reqs:   map[string]model.ConflictRequest{},
		users:  map[int64]storage.User{},
		tokens: map[int64]string{},
	}
}

func (f *fakeStore) CreateTask(_ context.Context, t model.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	return nil
}

func (f *fakeStore) GetTask(_ context.Context, id string) (model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return model.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) UpdateTask(_ context.Context, id string, patch storage.TaskPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	switch {
	case patch.Schedule != nil:
		start, end := patch.Schedule.Start, patch.Schedule.End
		t.ScheduledStart, t.ScheduledEnd = &start, &end
		t.CalendarEventID = patch.Schedule.EventID
	case patch.ClearSchedule:
		t.ScheduledStart, t.ScheduledEnd = nil, nil
		t.CalendarEventID = ""
	}
	f.tasks[id] = t
	return nil
}

func (f *fakeStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	return f.UpdateTask(ctx, id, storage.TaskPatch{Status: &status})
}

func (f *fakeStore) TasksByStatus(_ context.Context, userID int64, status model.TaskStatus) ([]model.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Task
	for _, t := range f.tasks {
		if t.UserID == userID && t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) WorkingHours(_ context.Context, userID int64) (model.WorkingHours, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if wh, ok := f.hours[userID]; ok {
		return wh, nil
	}
	return model.DefaultWorkingHours(), nil
}

func (f *fakeStore) PutWorkingHours(_ context.Context, userID int64, wh model.WorkingHours) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hours[userID] = wh
	return nil
}

func (f *fakeStore) PutConflictRequest(_ context.Context, req model.ConflictRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs[req.TaskID] = req
	return nil
}

func (f *fakeStore) GetConflictRequest(_ context.Context, taskID string) (model.ConflictRequest, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.reqs[taskID]
	return req, ok, nil
}

func (f *fakeStore) DeleteConflictRequest(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reqs, taskID)
	return nil
}

func (f *fakeStore) ListConflictRequests(_ context.Context) ([]model.ConflictRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ConflictRequest
	for _, req := range f.reqs {
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeStore) UpsertUser(_ context.Context, u storage.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = u
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id int64) (storage.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	return u, ok, nil
}

func (f *fakeStore) ListConnectedUsers(_ context.Context) ([]storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.User
	for _, u := range f.users {
		if u.Connected {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) SetCalendarConnected(_ context.Context, userID int64, connected bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return storage.ErrNotFound
	}
	u.Connected = connected
	f.users[userID] = u
	return nil
}

func (f *fakeStore) SaveCalendarToken(_ context.Context, userID int64, tokenJSON string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[userID] = tokenJSON
	return nil
}

func (f *fakeStore) CalendarToken(_ context.Context, userID int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[userID], nil
}

func (f *fakeStore) Close() error { return nil }

// fakeCalendar is an in-memory calendar.Provider.
type fakeCalendar struct {
	mu        sync.Mutex
	events    map[string]calendar.Event
	nextID    int
	createErr error
	updateErr error
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: map[string]calendar.Event{}}
}

func (f *fakeCalendar) addEvent(title string, start, end time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ev-%d", f.nextID)
	f.events[id] = calendar.Event{ID: id, Title: title, Start: start, End: end}
	return id
}

func (f *fakeCalendar) ListEvents(_ context.Context, _ int64, start, end time.Time) ([]calendar.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []calendar.Event
	for _, ev := range f.events {
		if ev.Start.Before(end) && ev.End.After(start) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeCalendar) CreateEvent(_ context.Context, _ int64, ev calendar.Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	ev.ID = fmt.Sprintf("ev-%d", f.nextID)
	f.events[ev.ID] = ev
	return ev.ID, nil
}

func (f *fakeCalendar) UpdateEvent(_ context.Context, _ int64, ev calendar.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.events[ev.ID]; !ok {
		return fmt.Errorf("event %s not found", ev.ID)
	}
	f.events[ev.ID] = ev
	return nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ int64, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, eventID)
	return nil
}

// fakeMessenger records everything the engine sends.
type fakeMessenger struct {
	mu        sync.Mutex
	texts     []string
	decisions []model.ConflictRequest
	timeouts  []time.Duration
}

func (f *fakeMessenger) SendText(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeMessenger) SendDecisionRequest(_ context.Context, _ int64, _ model.Task, req model.ConflictRequest, timeout time.Duration, _ *time.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, req)
	f.timeouts = append(f.timeouts, timeout)
	return nil
}

func (f *fakeMessenger) decisionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}
