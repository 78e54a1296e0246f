package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/calendar"
	"taskpilot/internal/model"
	"taskpilot/internal/notify"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// commit writes the chosen window to the external calendar and, on success,
// persists the event id + window and flips the task to scheduled.
//
// expect is the optimistic precondition: the task is re-read immediately
// before the calendar write, and a status that moved on is a no-op, not an
// error. Auth expiry disconnects the calendar and prompts a re-link; any
// other calendar failure leaves the task as it was for a later tick.
func (s *Service) commit(ctx context.Context, u storage.User, taskID string, expect model.TaskStatus, start, end time.Time) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != expect {
		s.log.Debug("commit skipped, task moved on",
			logx.String("task_id", taskID),
			logx.String("status", string(task.Status)))
		return nil
	}

	eventID, err := s.cal.CreateEvent(ctx, u.ID, calendar.Event{
		Title:  task.Title,
		Start:  start,
		End:    end,
		TaskID: task.ID,
	})
	if err != nil {
		if errors.Is(err, calendar.ErrAuthExpired) {
			s.disconnectCalendar(ctx, u)
			return nil
		}
		return fmt.Errorf("create calendar event: %w", err)
	}

	scheduled := model.StatusScheduled
	err = s.store.UpdateTask(ctx, taskID, storage.TaskPatch{
		Status:   &scheduled,
		Schedule: &storage.Window{Start: start, End: end, EventID: eventID},
	})
	if err != nil {
		return fmt.Errorf("persist schedule: %w", err)
	}

	wh, whErr := s.store.WorkingHours(ctx, u.ID)
	loc := wh.Location()
	if whErr != nil {
		loc = time.UTC
	}
	s.notifyText(ctx, u.ChatID, notify.RenderScheduled(task, start, end, loc))
	s.log.Info("task scheduled",
		logx.String("task_id", taskID),
		logx.String("event_id", eventID),
		logx.Time("start", start))
	return nil
}

// moveScheduledTask relocates an already-scheduled task (the bump path):
// the calendar event is updated in place, then the stored window follows.
func (s *Service) moveScheduledTask(ctx context.Context, u storage.User, task model.Task, start, end time.Time) error {
	if err := s.cal.UpdateEvent(ctx, u.ID, calendar.Event{
		ID:     task.CalendarEventID,
		Title:  task.Title,
		Start:  start,
		End:    end,
		TaskID: task.ID,
	}); err != nil {
		if errors.Is(err, calendar.ErrAuthExpired) {
			s.disconnectCalendar(ctx, u)
		}
		return fmt.Errorf("move calendar event: %w", err)
	}
	err := s.store.UpdateTask(ctx, task.ID, storage.TaskPatch{
		Schedule: &storage.Window{Start: start, End: end, EventID: task.CalendarEventID},
	})
	if err != nil {
		return fmt.Errorf("persist moved schedule: %w", err)
	}
	return nil
}

func (s *Service) disconnectCalendar(ctx context.Context, u storage.User) {
	if err := s.store.SetCalendarConnected(ctx, u.ID, false); err != nil {
		s.log.Error("disconnect calendar", logx.Int64("user_id", u.ID), logx.Err(err))
	}
	s.notifyText(ctx, u.ChatID,
		"Your calendar connection has expired. Use /connect to link it again; scheduling is paused until then.")
	s.log.Warn("calendar authorization expired", logx.Int64("user_id", u.ID))
}
