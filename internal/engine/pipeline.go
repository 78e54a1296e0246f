package engine

import (
	"context"
	"fmt"
	"time"

	"taskpilot/internal/model"
	"taskpilot/internal/schedule"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// processTask places one accepted task: resolve the horizon, enumerate
// candidates against the live busy-set, pick one, commit. An empty candidate
// list opens the conflict-resolution workflow instead.
func (s *Service) processTask(ctx context.Context, u storage.User, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	// Another path (a decision callback, a previous tick) may have touched
	// the task since the batch was listed.
	if task.Status != model.StatusAccepted {
		return nil
	}

	wh, err := s.store.WorkingHours(ctx, u.ID)
	if err != nil {
		return err
	}

	now := s.now()
	deadline := schedule.ComputeDeadline(task, now, wh)
	dur := schedule.ParseSpan(task.Duration)

	busy, others, err := s.busySet(ctx, u, task.ID, now, deadline)
	if err != nil {
		return err
	}

	candidates := schedule.FindSlots(now, deadline, busy, dur, wh)
	if len(candidates) == 0 {
		return s.openConflict(ctx, u, task, now, deadline, dur, wh, others, busy)
	}

	slot := schedule.SelectSlot(candidates, task.Priority, deadline, now)
	return s.commit(ctx, u, task.ID, model.StatusAccepted, slot.Start, slot.End)
}

// busySet assembles every known commitment in [from, to): the user's other
// scheduled tasks plus external calendar events. It also returns the
// scheduled tasks for diagnostic conflict listing.
func (s *Service) busySet(ctx context.Context, u storage.User, excludeTaskID string, from, to time.Time) ([]model.BusySlot, []model.Task, error) {
	others, err := s.store.TasksByStatus(ctx, u.ID, model.StatusScheduled)
	if err != nil {
		return nil, nil, err
	}
	busy := schedule.BusyFromTasks(others, excludeTaskID)

	if to.After(from) {
		events, err := s.cal.ListEvents(ctx, u.ID, from, to)
		if err != nil {
			return nil, nil, fmt.Errorf("list calendar events: %w", err)
		}
		for _, ev := range events {
			// Events we created for the task being placed are its own old
			// bookings, not blockers.
			if ev.TaskID == excludeTaskID {
				continue
			}
			// Task-correlated events carry the task id as source so a later
			// pass can strip a specific task's booking from the set.
			src := ev.ID
			if ev.TaskID != "" {
				src = ev.TaskID
			}
			busy = append(busy, model.BusySlot{Start: ev.Start, End: ev.End, SourceID: src, Title: ev.Title})
		}
	}
	return busy, others, nil
}

// openConflict runs the diagnostic detector, parks the task in
// pending_conflict_resolution, asks the user for a strategy, and arms the
// timeout fallback.
func (s *Service) openConflict(ctx context.Context, u storage.User, task model.Task, now, deadline time.Time, dur time.Duration, wh model.WorkingHours, others []model.Task, busy []model.BusySlot) error {
	// The required window is where the task would go if nothing were in the
	// way: the first in-hours grid slot of the horizon.
	free := schedule.FindSlots(now, deadline, nil, dur, wh)
	if len(free) == 0 {
		// Not a conflict: the horizon has no working-hours room at all, so no
		// strategy can help. Hand it to the user.
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingManual); err != nil {
			return err
		}
		s.notifyText(ctx, u.ChatID, fmt.Sprintf(
			"I can't fit %q before its deadline: there are no working hours left in the window. Please schedule it by hand.", task.Title))
		return nil
	}
	required := free[0]

	// The diagnostic listing covers the whole remaining horizon, not just the
	// required window: the user should see everything standing in the way.
	conflicts := schedule.DetectConflicts(required.Start, deadline, task.Priority, others, externalOnly(busy, others))
	req := model.ConflictRequest{
		TaskID:        task.ID,
		UserID:        u.ID,
		RequiredStart: required.Start,
		RequiredEnd:   required.End,
		Conflicts:     conflicts,
		CreatedAt:     now,
	}

	// Optimistic re-check right before the state flip.
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if fresh.Status != model.StatusAccepted {
		return nil
	}
	if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingConflict); err != nil {
		return err
	}
	if err := s.store.PutConflictRequest(ctx, req); err != nil {
		return err
	}

	timeout := s.config().ResolutionTimeout
	if err := s.msgr.SendDecisionRequest(ctx, u.ChatID, task, req, timeout, wh.Location()); err != nil {
		s.log.Warn("decision request not delivered",
			logx.String("task_id", task.ID), logx.Err(err))
	}
	s.armTimer(task.ID, timeout)
	s.log.Info("conflict opened",
		logx.String("task_id", task.ID),
		logx.Int("conflicts", len(conflicts)))
	return nil
}

// externalOnly strips task-sourced entries from a busy-set, leaving calendar
// events. DetectConflicts takes tasks separately and would double-report
// otherwise.
func externalOnly(busy []model.BusySlot, tasks []model.Task) []model.BusySlot {
	ids := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		ids[t.ID] = struct{}{}
	}
	out := make([]model.BusySlot, 0, len(busy))
	for _, b := range busy {
		if _, isTask := ids[b.SourceID]; isTask {
			continue
		}
		out = append(out, b)
	}
	return out
}

func (s *Service) notifyText(ctx context.Context, chatID int64, text string) {
	if err := s.msgr.SendText(ctx, chatID, text); err != nil {
		s.log.Warn("notification not delivered", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
