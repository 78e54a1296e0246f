package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"taskpilot/internal/model"
	"taskpilot/internal/schedule"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// Resolve applies a human decision (or the timeout fallback) to a task in
// pending_conflict_resolution. The returned string is a short acknowledgement
// suitable for a callback answer.
//
// Every path here is optimistic: the authoritative status is re-read first,
// and a task that already moved on makes the whole call a no-op. That is what
// lets the human callback, the timeout timer, and the next tick race freely.
func (s *Service) Resolve(ctx context.Context, taskID string, kind model.ResolutionKind) (string, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Status != model.StatusPendingConflict {
		return "Already handled.", nil
	}

	u, ok, err := s.store.GetUser(ctx, task.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("task %s belongs to unknown user %d", taskID, task.UserID)
	}

	req, found, err := s.store.GetConflictRequest(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !found {
		// The request is gone but the status was not rolled forward; retry
		// from scratch on the next tick.
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.StatusAccepted); err != nil {
			return "", err
		}
		return "That request expired; I'll retry the task.", nil
	}

	s.cancelTimer(taskID)
	defer func() {
		if err := s.store.DeleteConflictRequest(context.WithoutCancel(ctx), taskID); err != nil {
			s.log.Warn("delete conflict request", logx.String("task_id", taskID), logx.Err(err))
		}
	}()

	s.log.Info("resolution applied",
		logx.String("task_id", taskID),
		logx.String("kind", string(kind)))

	switch kind {
	case model.ResolveBump:
		return s.resolveBump(ctx, u, task, req)
	case model.ResolveDefer:
		return s.resolveDefer(ctx, u, task)
	case model.ResolveForce:
		return s.resolveForce(ctx, u, task)
	case model.ResolveSkip:
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.StatusSkipped); err != nil {
			return "", err
		}
		return "Skipped.", nil
	case model.ResolveTimeout:
		return s.resolveTimeout(ctx, u, task)
	default:
		return "", fmt.Errorf("unknown resolution kind %q", kind)
	}
}

// resolveBump moves the conflicting internal tasks out of the required
// window, lowest priority first, then books the original task into it.
// Displaced tasks are re-placed after the required window; each move is
// verified against a fresh read and folded into the working busy-set so
// later victims in the same pass see it. If not a single conflicting task
// could be moved, nothing is bumped and the original task goes to
// pending_manual_schedule.
func (s *Service) resolveBump(ctx context.Context, u storage.User, task model.Task, req model.ConflictRequest) (string, error) {
	victims, err := s.freshVictims(ctx, req)
	if err != nil {
		return "", err
	}
	if len(victims) == 0 {
		// Only external events block; there is nothing of ours to move.
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingManual); err != nil {
			return "", err
		}
		s.notifyText(ctx, u.ChatID, fmt.Sprintf(
			"Only calendar events block %q; I can't move those. Please handle it manually.", task.Title))
		return "Nothing I can move.", nil
	}

	wh, err := s.store.WorkingHours(ctx, u.ID)
	if err != nil {
		return "", err
	}

	searchFrom := req.RequiredEnd
	searchTo := searchFrom.Add(s.config().BumpHorizon)
	busy, _, err := s.busySet(ctx, u, task.ID, searchFrom, searchTo)
	if err != nil {
		return "", err
	}
	// The original task will occupy the required window.
	busy = append(busy, model.BusySlot{Start: req.RequiredStart, End: req.RequiredEnd, SourceID: task.ID})

	moved := 0
	for _, v := range victims {
		start, end, _ := v.Window()
		span := end.Sub(start)
		if span <= 0 {
			span = schedule.ParseSpan(v.Duration)
		}

		// The victim's own current booking must not block its new slot.
		cands := schedule.FindSlots(searchFrom, searchTo, busyExcluding(busy, v.ID), span, wh)
		if len(cands) == 0 {
			s.log.Warn("no new slot for displaced task", logx.String("task_id", v.ID))
			continue
		}
		slot := cands[0]

		// Fresh read: the victim may have been rescheduled or finished while
		// this pass was running.
		fresh, err := s.store.GetTask(ctx, v.ID)
		if err != nil || fresh.Status != model.StatusScheduled {
			continue
		}
		if err := s.moveScheduledTask(ctx, u, fresh, slot.Start, slot.End); err != nil {
			s.log.Warn("bump move failed", logx.String("task_id", v.ID), logx.Err(err))
			continue
		}
		busy = append(busy, model.BusySlot{Start: slot.Start, End: slot.End, SourceID: v.ID})
		moved++
	}

	if moved == 0 {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingManual); err != nil {
			return "", err
		}
		s.notifyText(ctx, u.ChatID, fmt.Sprintf(
			"I couldn't move any of the tasks blocking %q. Please handle it manually.", task.Title))
		return "Couldn't move anything.", nil
	}

	if err := s.commit(ctx, u, task.ID, model.StatusPendingConflict, req.RequiredStart, req.RequiredEnd); err != nil {
		return "", err
	}
	s.notifyText(ctx, u.ChatID, fmt.Sprintf("Moved %d task(s) to make room for %q.", moved, task.Title))
	return "Done, conflicts moved.", nil
}

func busyExcluding(busy []model.BusySlot, sourceID string) []model.BusySlot {
	out := make([]model.BusySlot, 0, len(busy))
	for _, b := range busy {
		if b.SourceID == sourceID {
			continue
		}
		out = append(out, b)
	}
	return out
}

// freshVictims re-reads the internal conflicts of a request and keeps the
// ones still scheduled, ordered lowest priority first.
func (s *Service) freshVictims(ctx context.Context, req model.ConflictRequest) ([]model.Task, error) {
	var out []model.Task
	for _, c := range req.Conflicts {
		if c.External || c.TaskID == "" {
			continue
		}
		t, err := s.store.GetTask(ctx, c.TaskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if t.Status != model.StatusScheduled {
			continue
		}
		if _, _, ok := t.Window(); !ok {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() < out[j].Priority.Rank()
	})
	return out, nil
}

// resolveDefer looks for a later slot for the task itself, searching past the
// deadline by the configured extension with the normal busy-set.
func (s *Service) resolveDefer(ctx context.Context, u storage.User, task model.Task) (string, error) {
	slot, ok, err := s.findAnySlot(ctx, u, task, s.config().DeferExtension)
	if err != nil {
		return "", err
	}
	if !ok {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingManual); err != nil {
			return "", err
		}
		s.notifyText(ctx, u.ChatID, fmt.Sprintf(
			"No later slot for %q either, even past the deadline. Please schedule it manually.", task.Title))
		return "No later slot found.", nil
	}
	if err := s.commit(ctx, u, task.ID, model.StatusPendingConflict, slot.Start, slot.End); err != nil {
		return "", err
	}
	return "Found a later slot.", nil
}

// resolveForce books the first grid slot in the horizon with conflicts
// deliberately ignored. Only a horizon without any working-hours room at all
// still fails, into pending_manual_schedule.
func (s *Service) resolveForce(ctx context.Context, u storage.User, task model.Task) (string, error) {
	wh, err := s.store.WorkingHours(ctx, u.ID)
	if err != nil {
		return "", err
	}
	now := s.now()
	deadline := schedule.ComputeDeadline(task, now, wh)
	dur := schedule.ParseSpan(task.Duration)

	cands := schedule.FindSlots(now, deadline, nil, dur, wh)
	if len(cands) == 0 {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingManual); err != nil {
			return "", err
		}
		s.notifyText(ctx, u.ChatID, fmt.Sprintf(
			"There is no working-hours slot at all for %q before the deadline. Please schedule it manually.", task.Title))
		return "No slot even ignoring conflicts.", nil
	}
	if err := s.commit(ctx, u, task.ID, model.StatusPendingConflict, cands[0].Start, cands[0].End); err != nil {
		return "", err
	}
	return "Booked it over the conflicts.", nil
}

// resolveTimeout is the automatic fallback: schedule the earliest slot that
// is actually free at fire time, extending past the deadline only if needed.
func (s *Service) resolveTimeout(ctx context.Context, u storage.User, task model.Task) (string, error) {
	slot, ok, err := s.findAnySlot(ctx, u, task, 0)
	if err != nil {
		return "", err
	}
	if !ok {
		slot, ok, err = s.findAnySlot(ctx, u, task, s.config().DeferExtension)
		if err != nil {
			return "", err
		}
	}
	if !ok {
		if err := s.store.UpdateTaskStatus(ctx, task.ID, model.StatusPendingManual); err != nil {
			return "", err
		}
		s.notifyText(ctx, u.ChatID, fmt.Sprintf(
			"You didn't answer in time and I couldn't find any free slot for %q. Please schedule it manually.", task.Title))
		return "", nil
	}

	wh, _ := s.store.WorkingHours(ctx, u.ID)
	if err := s.commit(ctx, u, task.ID, model.StatusPendingConflict, slot.Start, slot.End); err != nil {
		return "", err
	}
	s.notifyText(ctx, u.ChatID, fmt.Sprintf(
		"No answer within %s, so I picked the earliest free slot for %q: %s.",
		s.config().ResolutionTimeout, task.Title,
		slot.Start.In(wh.Location()).Format("Mon Jan 2 15:04")))
	return "", nil
}

// findAnySlot runs the normal placement search for a task and returns the
// earliest candidate, with the horizon optionally extended past the deadline.
func (s *Service) findAnySlot(ctx context.Context, u storage.User, task model.Task, extension time.Duration) (schedule.Slot, bool, error) {
	wh, err := s.store.WorkingHours(ctx, u.ID)
	if err != nil {
		return schedule.Slot{}, false, err
	}
	now := s.now()
	deadline := schedule.ComputeDeadline(task, now, wh).Add(extension)
	dur := schedule.ParseSpan(task.Duration)

	busy, _, err := s.busySet(ctx, u, task.ID, now, deadline)
	if err != nil {
		return schedule.Slot{}, false, err
	}
	cands := schedule.FindSlots(now, deadline, busy, dur, wh)
	if len(cands) == 0 {
		return schedule.Slot{}, false, nil
	}
	return cands[0], true, nil
}
