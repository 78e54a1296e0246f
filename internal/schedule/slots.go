package schedule

import (
	"time"

	"taskpilot/internal/model"
)

// GridStep is the fixed discretization of candidate start times.
const GridStep = 15 * time.Minute

// Slot is a candidate window for a task.
type Slot struct {
	Start time.Time
	End   time.Time
}

// FindSlots enumerates every non-conflicting candidate window of the given
// duration on the 15-minute grid between earliest and horizonEnd, inside the
// user's working hours.
//
// The walk starts at earliest rounded up to the next grid boundary. Days with
// the weekday disabled are skipped to the next day's start of work; a grid
// point before start-of-work advances to start-of-work, one at or after
// end-of-work jumps to the next working day. A candidate must fit entirely
// before end-of-work and before horizonEnd. The busy overlap test is exact
// half-open: [s,e) conflicts with [bs,be) iff s < be && e > bs; adjacent
// bookings do not conflict.
//
// An empty result means "no adequate slot in the horizon"; the caller decides
// whether that triggers conflict resolution.
func FindSlots(earliest, horizonEnd time.Time, busy []model.BusySlot, dur time.Duration, wh model.WorkingHours) []Slot {
	if dur <= 0 {
		dur = DefaultSpan
	}
	loc := wh.Location()

	startMin := minutesOrDefault(wh.Start, 9*60)
	endMin := minutesOrDefault(wh.End, 17*60)
	if endMin <= startMin {
		return nil
	}

	breakStart, breakEnd := -1, -1
	if wh.HasBreak() {
		breakStart = minutesOrDefault(wh.BreakStart, -1)
		breakEnd = minutesOrDefault(wh.BreakEnd, -1)
		if breakStart < 0 || breakEnd <= breakStart {
			breakStart, breakEnd = -1, -1
		}
	}

	var out []Slot
	cursor := ceilToGrid(earliest.In(loc))

	for cursor.Before(horizonEnd) {
		if !wh.Days[cursor.Weekday()] {
			cursor = dayAtMinute(cursor.AddDate(0, 0, 1), startMin)
			continue
		}

		dayMin := cursor.Hour()*60 + cursor.Minute()
		if dayMin < startMin {
			cursor = dayAtMinute(cursor, startMin)
			continue
		}
		if dayMin >= endMin {
			cursor = dayAtMinute(cursor.AddDate(0, 0, 1), startMin)
			continue
		}

		end := cursor.Add(dur)
		endDayMin := dayMin + int(dur/time.Minute)
		if endDayMin > endMin {
			// No later start on this day can fit either.
			cursor = dayAtMinute(cursor.AddDate(0, 0, 1), startMin)
			continue
		}
		if end.After(horizonEnd) {
			// The horizon only shrinks from here on.
			break
		}

		ok := true
		if breakStart >= 0 && dayMin < breakEnd && endDayMin > breakStart {
			ok = false
		}
		if ok {
			for _, b := range busy {
				if b.Overlaps(cursor, end) {
					ok = false
					break
				}
			}
		}
		if ok {
			out = append(out, Slot{Start: cursor, End: end})
		}
		cursor = cursor.Add(GridStep)
	}
	return out
}

// ceilToGrid rounds t up to the next 15-minute wall-clock boundary.
func ceilToGrid(t time.Time) time.Time {
	t = t.Truncate(time.Second)
	base := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	over := t.Sub(base)
	step := (over + GridStep - 1) / GridStep * GridStep
	return base.Add(step)
}

// dayAtMinute returns t's calendar day at the given minutes-from-midnight.
func dayAtMinute(t time.Time, min int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), min/60, min%60, 0, 0, t.Location())
}
