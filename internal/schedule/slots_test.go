package schedule

import (
	"testing"
	"time"

	"taskpilot/internal/model"
)

// Mon 2026-03-02 is a Monday; keeps weekday math readable.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestFindSlotsEmptyCalendarAlwaysYields(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	durations := []time.Duration{15 * time.Minute, time.Hour, 2 * time.Hour, 8 * time.Hour}
	for _, dur := range durations {
		earliest := monday.Add(8 * time.Hour) // 08:00, before work
		horizon := earliest.Add(7 * 24 * time.Hour)
		slots := FindSlots(earliest, horizon, nil, dur, wh)
		if len(slots) == 0 {
			t.Fatalf("no slots for duration %v despite empty calendar", dur)
		}
		for _, s := range slots {
			if s.End.Sub(s.Start) != dur {
				t.Fatalf("slot %v has wrong length, want %v", s, dur)
			}
			if s.Start.Minute()%15 != 0 || s.Start.Second() != 0 {
				t.Fatalf("slot start %v not grid-aligned", s.Start)
			}
		}
	}
}

func TestFindSlotsNeverOverlapsBusy(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	busy := []model.BusySlot{
		{Start: monday.Add(10 * time.Hour), End: monday.Add(11 * time.Hour)},
		{Start: monday.Add(13*time.Hour + 30*time.Minute), End: monday.Add(15 * time.Hour)},
	}
	slots := FindSlots(monday.Add(9*time.Hour), monday.Add(24*time.Hour), busy, time.Hour, wh)
	if len(slots) == 0 {
		t.Fatal("expected candidates around the busy blocks")
	}
	for _, s := range slots {
		for _, b := range busy {
			if s.Start.Before(b.End) && s.End.After(b.Start) {
				t.Fatalf("slot %v..%v overlaps busy %v..%v", s.Start, s.End, b.Start, b.End)
			}
		}
	}
}

func TestFindSlotsAdjacentBookingIsNotConflict(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	// Busy 09:00-10:00. A 10:00 start must be offered: half-open intervals,
	// no implicit buffer.
	busy := []model.BusySlot{{Start: monday.Add(9 * time.Hour), End: monday.Add(10 * time.Hour)}}
	slots := FindSlots(monday.Add(9*time.Hour), monday.Add(17*time.Hour), busy, time.Hour, wh)

	found := false
	for _, s := range slots {
		if s.Start.Equal(monday.Add(10 * time.Hour)) {
			found = true
		}
		if s.Start.Before(monday.Add(10 * time.Hour)) {
			t.Fatalf("slot %v starts inside busy block", s.Start)
		}
	}
	if !found {
		t.Fatal("expected a candidate starting exactly at busy end (10:00)")
	}
}

func TestFindSlotsSkipsDisabledDays(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	saturday := monday.AddDate(0, 0, 5)
	slots := FindSlots(saturday, saturday.Add(7*24*time.Hour), nil, time.Hour, wh)
	if len(slots) == 0 {
		t.Fatal("expected slots on the following Monday")
	}
	first := slots[0]
	wantStart := monday.AddDate(0, 0, 7).Add(9 * time.Hour)
	if !first.Start.Equal(wantStart) {
		t.Fatalf("first slot = %v, want Monday 09:00 (%v)", first.Start, wantStart)
	}
}

func TestFindSlotsClampsToWorkingDay(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	slots := FindSlots(monday, monday.Add(24*time.Hour), nil, time.Hour, wh)
	for _, s := range slots {
		startMin := s.Start.Hour()*60 + s.Start.Minute()
		endMin := startMin + int(s.End.Sub(s.Start)/time.Minute)
		if startMin < 9*60 {
			t.Fatalf("slot %v starts before work", s.Start)
		}
		if endMin > 17*60 {
			t.Fatalf("slot %v..%v extends past end of work", s.Start, s.End)
		}
	}
}

func TestFindSlotsExcludesBreakWindow(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()
	wh.BreakStart = "12:00"
	wh.BreakEnd = "13:00"

	slots := FindSlots(monday.Add(9*time.Hour), monday.Add(17*time.Hour), nil, time.Hour, wh)
	for _, s := range slots {
		startMin := s.Start.Hour()*60 + s.Start.Minute()
		endMin := startMin + 60
		if startMin < 13*60 && endMin > 12*60 {
			t.Fatalf("slot %v..%v intersects the break", s.Start, s.End)
		}
	}
}

func TestFindSlotsRoundsEarliestUpToGrid(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	earliest := monday.Add(9*time.Hour + 7*time.Minute)
	slots := FindSlots(earliest, monday.Add(17*time.Hour), nil, 30*time.Minute, wh)
	if len(slots) == 0 {
		t.Fatal("expected slots")
	}
	if want := monday.Add(9*time.Hour + 15*time.Minute); !slots[0].Start.Equal(want) {
		t.Fatalf("first slot = %v, want %v", slots[0].Start, want)
	}
}

func TestFindSlotsFullDayBusyYieldsNothing(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	busy := []model.BusySlot{{Start: monday.Add(9 * time.Hour), End: monday.Add(17 * time.Hour)}}
	slots := FindSlots(monday.Add(9*time.Hour), monday.Add(17*time.Hour), busy, time.Hour, wh)
	if len(slots) != 0 {
		t.Fatalf("expected no slots, got %d", len(slots))
	}
}

func TestFindSlotsRespectsUserOffset(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()
	wh.UTCOffsetMinutes = -300 // UTC-5

	// 13:30 UTC is 08:30 local; the first candidate must be 09:00 local.
	earliest := monday.Add(13*time.Hour + 30*time.Minute)
	slots := FindSlots(earliest, earliest.Add(24*time.Hour), nil, time.Hour, wh)
	if len(slots) == 0 {
		t.Fatal("expected slots")
	}
	want := monday.Add(14 * time.Hour) // 09:00 UTC-5
	if !slots[0].Start.Equal(want) {
		t.Fatalf("first slot = %v, want %v", slots[0].Start.UTC(), want)
	}
}

// High-priority task due tomorrow 10:00 on an empty calendar lands on
// tomorrow's earliest grid slot whose end fits before the deadline.
func TestScenarioDueTomorrowMorning(t *testing.T) {
	t.Parallel()
	wh := model.DefaultWorkingHours()

	now := monday.Add(18*time.Hour + 30*time.Minute) // Monday evening, after work
	task := model.Task{Priority: model.PriorityHigh, Duration: "01:00", DueDate: "2026-03-03", DueTime: "10:00"}

	deadline := ComputeDeadline(task, now, wh)
	slots := FindSlots(now, deadline, nil, ParseSpan(task.Duration), wh)
	if len(slots) == 0 {
		t.Fatal("expected at least one candidate before the deadline")
	}
	picked := SelectSlot(slots, task.Priority, deadline, now)

	wantStart := monday.AddDate(0, 0, 1).Add(9 * time.Hour)
	if !picked.Start.Equal(wantStart) {
		t.Fatalf("picked %v, want Tuesday 09:00 (%v)", picked.Start, wantStart)
	}
	if picked.End.After(deadline) {
		t.Fatalf("picked slot ends %v, after deadline %v", picked.End, deadline)
	}
}
