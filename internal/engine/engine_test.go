package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"taskpilot/internal/calendar"
	"taskpilot/internal/model"
	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// monday is 2026-03-02 00:00 UTC, a Monday.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, cfg Config) (*Service, *fakeStore, *fakeCalendar, *fakeMessenger) {
	t.Helper()
	st := newFakeStore()
	cal := newFakeCalendar()
	msgr := &fakeMessenger{}
	s := New(cfg, st, cal, msgr, logx.Nop())
	// Fixed clock: Monday 08:00 UTC, one hour before work starts.
	s.now = func() time.Time { return monday.Add(8 * time.Hour) }
	s.baseCtx = context.Background()
	_ = st.UpsertUser(context.Background(), storage.User{ID: 1, ChatID: 1, Connected: true})
	return s, st, cal, msgr
}

func acceptedTask(id string, p model.Priority, dur, dueDate, dueTime string) model.Task {
	return model.Task{
		ID: id, UserID: 1, Title: "task " + id,
		Priority: p, Duration: dur, DueDate: dueDate, DueTime: dueTime,
		Status: model.StatusAccepted,
	}
}

func scheduleExisting(t *testing.T, st *fakeStore, cal *fakeCalendar, id string, p model.Priority, start, end time.Time) {
	t.Helper()
	ctx := context.Background()
	evID, err := cal.CreateEvent(ctx, 1, calendar.Event{Title: "task " + id, Start: start, End: end, TaskID: id})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
	task := model.Task{
		ID: id, UserID: 1, Title: "task " + id, Priority: p,
		Status:          model.StatusScheduled,
		ScheduledStart:  &start,
		ScheduledEnd:    &end,
		CalendarEventID: evID,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
}

func TestTickSchedulesTaskOnEmptyCalendar(t *testing.T) {
	t.Parallel()
	s, st, cal, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	_ = st.CreateTask(ctx, acceptedTask("t1", model.PriorityHigh, "01:00", "", ""))

	s.Tick(ctx)

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	wantStart := monday.Add(9 * time.Hour)
	if got.ScheduledStart == nil || !got.ScheduledStart.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", got.ScheduledStart, wantStart)
	}
	if got.ScheduledEnd == nil || !got.ScheduledEnd.Equal(wantStart.Add(time.Hour)) {
		t.Fatalf("end = %v", got.ScheduledEnd)
	}
	ev, ok := cal.events[got.CalendarEventID]
	if !ok || ev.TaskID != "t1" {
		t.Fatalf("calendar event missing or uncorrelated: %+v", ev)
	}
}

func TestTickSequentialBusySetWithinOneTick(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	_ = st.CreateTask(ctx, acceptedTask("a", model.PriorityHigh, "01:00", "", ""))
	_ = st.CreateTask(ctx, acceptedTask("b", model.PriorityHigh, "01:00", "", ""))

	s.Tick(ctx)

	a, _ := st.GetTask(ctx, "a")
	b, _ := st.GetTask(ctx, "b")
	if a.Status != model.StatusScheduled || b.Status != model.StatusScheduled {
		t.Fatalf("statuses: %s, %s", a.Status, b.Status)
	}
	aStart, aEnd, _ := a.Window()
	bStart, bEnd, _ := b.Window()
	if aStart.Before(bEnd) && aEnd.After(bStart) {
		t.Fatalf("windows overlap: a=%v-%v b=%v-%v", aStart, aEnd, bStart, bEnd)
	}
}

func TestFullDayBusyOpensConflict(t *testing.T) {
	t.Parallel()
	s, st, cal, msgr := newTestEngine(t, Config{})
	ctx := context.Background()
	scheduleExisting(t, st, cal, "v1", model.PriorityLow, monday.Add(9*time.Hour), monday.Add(13*time.Hour))
	scheduleExisting(t, st, cal, "v2", model.PriorityMedium, monday.Add(13*time.Hour), monday.Add(17*time.Hour))
	_ = st.CreateTask(ctx, acceptedTask("t1", model.PriorityHigh, "01:00", "2026-03-02", ""))

	s.Tick(ctx)

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusPendingConflict {
		t.Fatalf("status = %s, want pending_conflict_resolution", got.Status)
	}
	req, ok, _ := st.GetConflictRequest(ctx, "t1")
	if !ok {
		t.Fatal("conflict request not persisted")
	}
	internal := 0
	for _, c := range req.Conflicts {
		if !c.External {
			internal++
		}
	}
	if internal != 2 {
		t.Fatalf("got %d internal conflicts, want 2: %+v", internal, req.Conflicts)
	}
	if msgr.decisionCount() != 1 {
		t.Fatalf("decision requests sent = %d, want 1", msgr.decisionCount())
	}
	if msgr.timeouts[0] != 30*time.Minute {
		t.Fatalf("decision request carried timeout %v, want the configured 30m", msgr.timeouts[0])
	}
	s.timersMu.Lock()
	_, armed := s.timers["t1"]
	s.timersMu.Unlock()
	if !armed {
		t.Fatal("timeout timer not armed")
	}
}

func TestNoWorkingHoursGoesManual(t *testing.T) {
	t.Parallel()
	s, st, _, msgr := newTestEngine(t, Config{})
	ctx := context.Background()
	_ = st.PutWorkingHours(ctx, 1, model.WorkingHours{Start: "09:00", End: "17:00"}) // no enabled days
	_ = st.CreateTask(ctx, acceptedTask("t1", model.PriorityHigh, "01:00", "", ""))

	s.Tick(ctx)

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusPendingManual {
		t.Fatalf("status = %s, want pending_manual_schedule", got.Status)
	}
	if len(msgr.texts) == 0 {
		t.Fatal("user was not told")
	}
}

func TestResolveBumpMovesVictimAndSchedulesOriginal(t *testing.T) {
	t.Parallel()
	s, st, cal, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	scheduleExisting(t, st, cal, "v1", model.PriorityLow, monday.Add(9*time.Hour), monday.Add(13*time.Hour))
	seedConflict(t, st, "t1", model.PriorityHigh,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour),
		[]model.Conflict{{
			Slot:             model.BusySlot{Start: monday.Add(9 * time.Hour), End: monday.Add(13 * time.Hour), SourceID: "v1"},
			TaskID:           "v1",
			PriorityRelevant: true,
		}})

	if _, err := s.Resolve(ctx, "t1", model.ResolveBump); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	orig, _ := st.GetTask(ctx, "t1")
	if orig.Status != model.StatusScheduled {
		t.Fatalf("original status = %s", orig.Status)
	}
	oStart, oEnd, _ := orig.Window()
	if !oStart.Equal(monday.Add(9*time.Hour)) || !oEnd.Equal(monday.Add(10*time.Hour)) {
		t.Fatalf("original window = %v-%v, want the required window", oStart, oEnd)
	}

	victim, _ := st.GetTask(ctx, "v1")
	vStart, vEnd, _ := victim.Window()
	if !vStart.Equal(monday.Add(10 * time.Hour)) {
		t.Fatalf("victim start = %v, want 10:00", vStart)
	}
	if vEnd.Sub(vStart) != 4*time.Hour {
		t.Fatalf("victim span changed: %v", vEnd.Sub(vStart))
	}
	ev := cal.events[victim.CalendarEventID]
	if !ev.Start.Equal(vStart) {
		t.Fatalf("calendar event not moved: %+v", ev)
	}
	if _, ok, _ := st.GetConflictRequest(ctx, "t1"); ok {
		t.Fatal("conflict request not discarded")
	}
}

func TestResolveBumpAllFailLeavesEverythingAlone(t *testing.T) {
	t.Parallel()
	// A 30-minute bump horizon cannot fit the 4-hour victim anywhere.
	s, st, cal, msgr := newTestEngine(t, Config{BumpHorizon: 30 * time.Minute})
	ctx := context.Background()
	scheduleExisting(t, st, cal, "v1", model.PriorityLow, monday.Add(9*time.Hour), monday.Add(13*time.Hour))
	seedConflict(t, st, "t1", model.PriorityHigh,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour),
		[]model.Conflict{{
			Slot:   model.BusySlot{Start: monday.Add(9 * time.Hour), End: monday.Add(13 * time.Hour), SourceID: "v1"},
			TaskID: "v1",
		}})

	if _, err := s.Resolve(ctx, "t1", model.ResolveBump); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	orig, _ := st.GetTask(ctx, "t1")
	if orig.Status != model.StatusPendingManual {
		t.Fatalf("original status = %s, want pending_manual_schedule", orig.Status)
	}
	victim, _ := st.GetTask(ctx, "v1")
	vStart, _, _ := victim.Window()
	if !vStart.Equal(monday.Add(9 * time.Hour)) {
		t.Fatalf("victim moved despite failed bump: %v", vStart)
	}
	if len(msgr.texts) == 0 {
		t.Fatal("user was not told the bump failed")
	}
}

func TestCalendarAuthExpiryDisconnectsUser(t *testing.T) {
	t.Parallel()
	s, st, cal, msgr := newTestEngine(t, Config{})
	ctx := context.Background()
	cal.createErr = calendar.ErrAuthExpired
	_ = st.CreateTask(ctx, acceptedTask("t1", model.PriorityHigh, "01:00", "", ""))

	s.Tick(ctx)

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusAccepted {
		t.Fatalf("status = %s, want accepted (left for after the reconnect)", got.Status)
	}
	if got.CalendarEventID != "" {
		t.Fatalf("task got an event id without a calendar write: %q", got.CalendarEventID)
	}
	u, _, _ := st.GetUser(ctx, 1)
	if u.Connected {
		t.Fatal("user still marked calendar-connected after auth expiry")
	}
	var prompted bool
	for _, txt := range msgr.texts {
		if strings.Contains(txt, "/connect") {
			prompted = true
		}
	}
	if !prompted {
		t.Fatalf("no reconnect prompt sent: %q", msgr.texts)
	}
}

func TestResolveDeferFindsSlotPastDeadline(t *testing.T) {
	t.Parallel()
	s, st, cal, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	// The deadline day is fully booked; only the extended horizon has room.
	scheduleExisting(t, st, cal, "v1", model.PriorityMedium, monday.Add(9*time.Hour), monday.Add(17*time.Hour))
	seedConflict(t, st, "t1", model.PriorityHigh,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour), nil)

	if _, err := s.Resolve(ctx, "t1", model.ResolveDefer); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	start, _, _ := got.Window()
	want := monday.Add(24*time.Hour + 9*time.Hour) // Tuesday 09:00
	if !start.Equal(want) {
		t.Fatalf("start = %v, want %v", start, want)
	}
	if _, ok, _ := st.GetConflictRequest(ctx, "t1"); ok {
		t.Fatal("conflict request not discarded")
	}
}

func TestResolveDeferNoSlotGoesManual(t *testing.T) {
	t.Parallel()
	s, st, _, msgr := newTestEngine(t, Config{})
	ctx := context.Background()
	_ = st.PutWorkingHours(ctx, 1, model.WorkingHours{Start: "09:00", End: "17:00"}) // no enabled days
	seedConflict(t, st, "t1", model.PriorityHigh,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour), nil)

	if _, err := s.Resolve(ctx, "t1", model.ResolveDefer); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusPendingManual {
		t.Fatalf("status = %s, want pending_manual_schedule", got.Status)
	}
	if len(msgr.texts) == 0 {
		t.Fatal("user was not told to schedule by hand")
	}
}

func TestResolveSkipIsTerminalAndIdempotent(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	seedConflict(t, st, "t1", model.PriorityMedium,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour), nil)

	if _, err := s.Resolve(ctx, "t1", model.ResolveSkip); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusSkipped {
		t.Fatalf("status = %s, want skipped", got.Status)
	}

	ack, err := s.Resolve(ctx, "t1", model.ResolveBump)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if !strings.Contains(ack, "Already handled") {
		t.Fatalf("ack = %q", ack)
	}
	got, _ = st.GetTask(ctx, "t1")
	if got.Status != model.StatusSkipped {
		t.Fatalf("second resolve changed status to %s", got.Status)
	}
}

func TestResolveTimeoutSchedulesEarliestFreeSlot(t *testing.T) {
	t.Parallel()
	s, st, _, msgr := newTestEngine(t, Config{})
	ctx := context.Background()
	// Whatever blocked the task at request time is gone by fire time.
	seedConflict(t, st, "t1", model.PriorityMedium,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour), nil)

	if _, err := s.Resolve(ctx, "t1", model.ResolveTimeout); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	start, _, _ := got.Window()
	if !start.Equal(monday.Add(9 * time.Hour)) {
		t.Fatalf("start = %v, want earliest 09:00", start)
	}
	var told bool
	for _, txt := range msgr.texts {
		if strings.Contains(txt, "No answer") {
			told = true
		}
	}
	if !told {
		t.Fatalf("user not told about the automatic choice: %q", msgr.texts)
	}
}

func TestResolveForceIgnoresConflicts(t *testing.T) {
	t.Parallel()
	s, st, cal, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	scheduleExisting(t, st, cal, "v1", model.PriorityLow, monday.Add(9*time.Hour), monday.Add(17*time.Hour))
	seedConflict(t, st, "t1", model.PriorityHigh,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour), nil)

	if _, err := s.Resolve(ctx, "t1", model.ResolveForce); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
	start, _, _ := got.Window()
	if !start.Equal(monday.Add(9 * time.Hour)) {
		t.Fatalf("start = %v, want 09:00 over the conflict", start)
	}
	victim, _ := st.GetTask(ctx, "v1")
	vStart, _, _ := victim.Window()
	if !vStart.Equal(monday.Add(9 * time.Hour)) {
		t.Fatal("force must not move the blocking task")
	}
}

func TestRearmTimersAfterRestart(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	seedConflict(t, st, "t1", model.PriorityMedium,
		monday.Add(9*time.Hour), monday.Add(10*time.Hour), nil)

	s.rearmTimers(ctx)
	defer s.stopAllTimers()

	s.timersMu.Lock()
	_, armed := s.timers["t1"]
	s.timersMu.Unlock()
	if !armed {
		t.Fatal("persisted conflict request did not re-arm its timer")
	}
}

func TestTickReentrancyGuard(t *testing.T) {
	t.Parallel()
	s, st, _, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	_ = st.CreateTask(ctx, acceptedTask("t1", model.PriorityHigh, "01:00", "", ""))

	s.running.Store(true)
	s.Tick(ctx)
	s.running.Store(false)

	got, _ := st.GetTask(ctx, "t1")
	if got.Status != model.StatusAccepted {
		t.Fatalf("guarded tick still ran the pipeline: %s", got.Status)
	}
}

// seedConflict puts a task straight into pending_conflict_resolution with a
// persisted request, the state a decision or timeout acts on.
func seedConflict(t *testing.T, st *fakeStore, id string, p model.Priority, reqStart, reqEnd time.Time, conflicts []model.Conflict) {
	t.Helper()
	ctx := context.Background()
	task := model.Task{
		ID: id, UserID: 1, Title: "task " + id, Priority: p,
		Duration: "01:00", DueDate: "2026-03-02",
		Status: model.StatusPendingConflict,
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	err := st.PutConflictRequest(ctx, model.ConflictRequest{
		TaskID: id, UserID: 1,
		RequiredStart: reqStart, RequiredEnd: reqEnd,
		Conflicts: conflicts,
		CreatedAt: reqStart.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
}
