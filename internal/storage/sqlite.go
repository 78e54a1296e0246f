package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskpilot/internal/model"
	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store, creating the file and schema on first use.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

const taskCols = `id, user_id, title, priority, duration, due_date, due_time, status,
	scheduled_start, scheduled_end, event_id, created_at, updated_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t model.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Title, string(t.Priority), t.Duration, t.DueDate, t.DueTime,
		string(t.Status), timePtr(t.ScheduledStart), timePtr(t.ScheduledEnd), t.CalendarEventID,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{fmtTime(time.Now().UTC())}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	switch {
	case patch.Schedule != nil:
		sets = append(sets, "scheduled_start = ?", "scheduled_end = ?", "event_id = ?")
		args = append(args, fmtTime(patch.Schedule.Start), fmtTime(patch.Schedule.End), patch.Schedule.EventID)
	case patch.ClearSchedule:
		sets = append(sets, "scheduled_start = NULL", "scheduled_end = NULL", "event_id = ''")
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	return s.UpdateTask(ctx, id, TaskPatch{Status: &status})
}

func (s *sqliteStore) TasksByStatus(ctx context.Context, userID int64, status model.TaskStatus) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE user_id = ? AND status = ? ORDER BY created_at`,
		userID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var (
		t                    model.Task
		priority, status     string
		schedStart, schedEnd sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &priority, &t.Duration, &t.DueDate, &t.DueTime,
		&status, &schedStart, &schedEnd, &t.CalendarEventID, &createdAt, &updatedAt)
	if err != nil {
		return model.Task{}, err
	}
	t.Priority = model.Priority(priority)
	t.Status = model.TaskStatus(status)
	t.ScheduledStart = parseTimePtr(schedStart)
	t.ScheduledEnd = parseTimePtr(schedEnd)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return t, nil
}

// ---- working hours ----

func (s *sqliteStore) WorkingHours(ctx context.Context, userID int64) (model.WorkingHours, error) {
	var (
		days                       string
		start, end, brStart, brEnd string
		offset                     int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT days, work_start, work_end, break_start, break_end, utc_offset_min
		 FROM working_hours WHERE user_id = ?`, userID).
		Scan(&days, &start, &end, &brStart, &brEnd, &offset)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultWorkingHours(), nil
	}
	if err != nil {
		return model.WorkingHours{}, err
	}

	wh := model.WorkingHours{
		Start: start, End: end,
		BreakStart: brStart, BreakEnd: brEnd,
		UTCOffsetMinutes: offset,
	}
	for i := 0; i < 7 && i < len(days); i++ {
		wh.Days[i] = days[i] == '1'
	}
	return wh, nil
}

func (s *sqliteStore) PutWorkingHours(ctx context.Context, userID int64, wh model.WorkingHours) error {
	days := make([]byte, 7)
	for i, on := range wh.Days {
		if on {
			days[i] = '1'
		} else {
			days[i] = '0'
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO working_hours(user_id, days, work_start, work_end, break_start, break_end, utc_offset_min)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   days=excluded.days, work_start=excluded.work_start, work_end=excluded.work_end,
		   break_start=excluded.break_start, break_end=excluded.break_end,
		   utc_offset_min=excluded.utc_offset_min`,
		userID, string(days), wh.Start, wh.End, wh.BreakStart, wh.BreakEnd, wh.UTCOffsetMinutes)
	return err
}

// ---- conflict requests ----

func (s *sqliteStore) PutConflictRequest(ctx context.Context, req model.ConflictRequest) error {
	conflicts, err := json.Marshal(req.Conflicts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflict_requests(task_id, user_id, required_start, required_end, conflicts, created_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   user_id=excluded.user_id, required_start=excluded.required_start,
		   required_end=excluded.required_end, conflicts=excluded.conflicts,
		   created_at=excluded.created_at`,
		req.TaskID, req.UserID, fmtTime(req.RequiredStart), fmtTime(req.RequiredEnd),
		string(conflicts), fmtTime(req.CreatedAt))
	return err
}

func (s *sqliteStore) GetConflictRequest(ctx context.Context, taskID string) (model.ConflictRequest, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, user_id, required_start, required_end, conflicts, created_at
		 FROM conflict_requests WHERE task_id = ?`, taskID)
	req, err := scanConflictRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConflictRequest{}, false, nil
	}
	if err != nil {
		return model.ConflictRequest{}, false, err
	}
	return req, true, nil
}

func (s *sqliteStore) DeleteConflictRequest(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conflict_requests WHERE task_id = ?`, taskID)
	return err
}

func (s *sqliteStore) ListConflictRequests(ctx context.Context) ([]model.ConflictRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, user_id, required_start, required_end, conflicts, created_at
		 FROM conflict_requests ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConflictRequest
	for rows.Next() {
		req, err := scanConflictRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanConflictRequest(row rowScanner) (model.ConflictRequest, error) {
	var (
		req                  model.ConflictRequest
		reqStart, reqEnd     string
		conflicts, createdAt string
	)
	err := row.Scan(&req.TaskID, &req.UserID, &reqStart, &reqEnd, &conflicts, &createdAt)
	if err != nil {
		return model.ConflictRequest{}, err
	}
	req.RequiredStart, _ = time.Parse(time.RFC3339Nano, reqStart)
	req.RequiredEnd, _ = time.Parse(time.RFC3339Nano, reqEnd)
	req.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if err := json.Unmarshal([]byte(conflicts), &req.Conflicts); err != nil {
		return model.ConflictRequest{}, err
	}
	return req, nil
}

// ---- users ----

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, chat_id, calendar_id, connected)
		 VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id, calendar_id=excluded.calendar_id, connected=excluded.connected`,
		u.ID, u.ChatID, u.CalendarID, boolInt(u.Connected))
	return err
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	var (
		u         User
		connected int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, calendar_id, connected FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.ChatID, &u.CalendarID, &connected)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.Connected = connected != 0
	return u, true, nil
}

func (s *sqliteStore) ListConnectedUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, calendar_id, connected FROM users WHERE connected = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u         User
			connected int
		)
		if err := rows.Scan(&u.ID, &u.ChatID, &u.CalendarID, &connected); err != nil {
			return nil, err
		}
		u.Connected = connected != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetCalendarConnected(ctx context.Context, userID int64, connected bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET connected = ? WHERE id = ?`, boolInt(connected), userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) SaveCalendarToken(ctx context.Context, userID int64, tokenJSON string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET token_json = ? WHERE id = ?`, tokenJSON, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) CalendarToken(ctx context.Context, userID int64) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token_json FROM users WHERE id = ?`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return token, err
}

// ---- helpers ----

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
