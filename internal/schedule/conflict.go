package schedule

import (
	"sort"
	"time"

	"taskpilot/internal/model"
)

// BusyFromTasks converts the scheduled windows of other tasks into busy
// slots, skipping excludeID (the task being placed) and tasks without a
// committed window.
func BusyFromTasks(tasks []model.Task, excludeID string) []model.BusySlot {
	out := make([]model.BusySlot, 0, len(tasks))
	for _, t := range tasks {
		if t.ID == excludeID {
			continue
		}
		start, end, ok := t.Window()
		if !ok {
			continue
		}
		out = append(out, model.BusySlot{Start: start, End: end, SourceID: t.ID, Title: t.Title})
	}
	return out
}

// DetectConflicts lists every commitment overlapping [start, end): other
// scheduled tasks of the same user plus external calendar events. Internal
// conflicts from a strictly lower-priority task are tagged PriorityRelevant,
// which feeds the bump ordering but is not a hard block on its own.
func DetectConflicts(start, end time.Time, incoming model.Priority, others []model.Task, events []model.BusySlot) []model.Conflict {
	var out []model.Conflict
	for _, t := range others {
		s, e, ok := t.Window()
		if !ok || t.Status != model.StatusScheduled {
			continue
		}
		slot := model.BusySlot{Start: s, End: e, SourceID: t.ID, Title: t.Title}
		if !slot.Overlaps(start, end) {
			continue
		}
		out = append(out, model.Conflict{
			Slot:             slot,
			TaskID:           t.ID,
			PriorityRelevant: t.Priority.Rank() < incoming.Rank(),
		})
	}
	for _, ev := range events {
		if !ev.Overlaps(start, end) {
			continue
		}
		out = append(out, model.Conflict{Slot: ev, External: true})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Slot.Start.Before(out[j].Slot.Start)
	})
	return out
}
