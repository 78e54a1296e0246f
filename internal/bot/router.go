// Package bot is the Telegram-facing surface: commands for managing tasks
// and the calendar link, plus the decision callbacks feeding the
// conflict-resolution workflow.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/calendar"
	"taskpilot/internal/model"
	"taskpilot/internal/notify"
	"taskpilot/internal/storage"
	"taskpilot/internal/transport"
	logx "taskpilot/pkg/logx"
)

// Resolver applies a conflict decision to a task.
type Resolver interface {
	Resolve(ctx context.Context, taskID string, kind model.ResolutionKind) (string, error)
}

type Router struct {
	adapter  transport.Adapter
	store    storage.Store
	auth     *calendar.Auth
	resolver Resolver
	log      logx.Logger
}

func NewRouter(adapter transport.Adapter, store storage.Store, auth *calendar.Auth, resolver Resolver, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		adapter:  adapter,
		store:    store,
		auth:     auth,
		resolver: resolver,
		log:      log.With(logx.String("component", "bot")),
	}
}

// Commands is the menu published to the platform.
func Commands() []transport.BotCommand {
	return []transport.BotCommand{
		{Command: "start", Description: "Register and show help"},
		{Command: "connect", Description: "Link your Google Calendar"},
		{Command: "code", Description: "Finish linking: /code <authorization code>"},
		{Command: "add", Description: "Add a task: /add <title> [p:high] [due:2026-03-09] [at:14:00] [dur:01:30]"},
		{Command: "tasks", Description: "List your tasks"},
	}
}

// Run consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.handle(ctx, up)
		}
	}
}

func (r *Router) handle(ctx context.Context, up transport.Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("update handler panicked",
				logx.Any("panic", rec),
				logx.String("stack", logx.CaptureStack(2)))
		}
	}()

	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *transport.Message) {
	cmd, args := splitCommand(m.Text)
	if cmd == "" {
		return
	}

	var reply string
	var err error
	switch cmd {
	case "start":
		reply, err = r.cmdStart(ctx, m)
	case "connect":
		reply, err = r.cmdConnect(ctx, m)
	case "code":
		reply, err = r.cmdCode(ctx, m, args)
	case "add":
		reply, err = r.cmdAdd(ctx, m, args)
	case "tasks":
		reply, err = r.cmdTasks(ctx, m)
	default:
		return
	}
	if err != nil {
		r.log.Error("command failed",
			logx.String("command", cmd),
			logx.Int64("user_id", m.FromID),
			logx.Err(err))
		reply = "Something went wrong, try again."
	}
	if reply != "" {
		r.send(ctx, m.ChatID, reply)
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *transport.Callback) {
	kind, taskID, ok := notify.ParseDecision(cb.Data)
	if !ok {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}

	// The button lives in the task owner's private chat, but verify anyway.
	// A failed read means ownership cannot be checked, so nothing is resolved.
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.log.Warn("callback task lookup failed",
			logx.String("task_id", taskID), logx.Err(err))
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
		return
	}
	if task.UserID != cb.FromID {
		_ = r.adapter.AnswerCallback(ctx, cb.ID, "Not your task.")
		return
	}

	ack, err := r.resolver.Resolve(ctx, taskID, kind)
	if err != nil {
		r.log.Error("resolution failed",
			logx.String("task_id", taskID),
			logx.String("kind", string(kind)),
			logx.Err(err))
		ack = "Something went wrong, try again."
	}
	_ = r.adapter.AnswerCallback(ctx, cb.ID, ack)
}

func (r *Router) cmdStart(ctx context.Context, m *transport.Message) (string, error) {
	u, found, err := r.store.GetUser(ctx, m.FromID)
	if err != nil {
		return "", err
	}
	if !found {
		u = storage.User{ID: m.FromID, ChatID: m.ChatID, CalendarID: "primary"}
	}
	u.ChatID = m.ChatID
	if err := r.store.UpsertUser(ctx, u); err != nil {
		return "", err
	}
	return "Hi! I schedule your tasks into your calendar.\n\n" +
		"/connect - link your Google Calendar\n" +
		"/add <title> [p:high|medium|low] [due:2026-03-09] [at:14:00] [dur:01:30] - add a task\n" +
		"/tasks - see what's planned", nil
}

func (r *Router) cmdConnect(ctx context.Context, m *transport.Message) (string, error) {
	if _, err := r.cmdStart(ctx, m); err != nil {
		return "", err
	}
	url := r.auth.AuthURL(fmt.Sprintf("tg-%d", m.FromID))
	return "Open this link, allow calendar access, and send me the code with /code <code>:\n" + url, nil
}

func (r *Router) cmdCode(ctx context.Context, m *transport.Message, args string) (string, error) {
	code := strings.TrimSpace(args)
	if code == "" {
		return "Usage: /code <authorization code>", nil
	}
	tokenJSON, err := r.auth.Exchange(ctx, code)
	if err != nil {
		r.log.Warn("code exchange failed", logx.Int64("user_id", m.FromID), logx.Err(err))
		return "That code didn't work. Run /connect and try again.", nil
	}
	if _, err := r.cmdStart(ctx, m); err != nil {
		return "", err
	}
	if err := r.store.SaveCalendarToken(ctx, m.FromID, tokenJSON); err != nil {
		return "", err
	}
	if err := r.store.SetCalendarConnected(ctx, m.FromID, true); err != nil {
		return "", err
	}
	return "Calendar linked. I'll start scheduling your tasks.", nil
}

func (r *Router) cmdAdd(ctx context.Context, m *transport.Message, args string) (string, error) {
	task, err := parseAddArgs(args)
	if err != nil {
		return err.Error(), nil
	}
	task.ID = uuid.NewString()
	task.UserID = m.FromID
	task.Status = model.StatusAccepted
	task.CreatedAt = time.Now().UTC()

	if err := r.store.CreateTask(ctx, task); err != nil {
		return "", err
	}
	return fmt.Sprintf("Got it: %q (%s priority). I'll find a slot on the next pass.", task.Title, task.Priority), nil
}

func (r *Router) cmdTasks(ctx context.Context, m *transport.Message) (string, error) {
	wh, err := r.store.WorkingHours(ctx, m.FromID)
	if err != nil {
		return "", err
	}
	loc := wh.Location()

	var b strings.Builder
	total := 0
	for _, section := range []struct {
		title  string
		status model.TaskStatus
	}{
		{"Scheduled", model.StatusScheduled},
		{"Waiting for a slot", model.StatusAccepted},
		{"Waiting on your decision", model.StatusPendingConflict},
		{"Need manual scheduling", model.StatusPendingManual},
	} {
		tasks, err := r.store.TasksByStatus(ctx, m.FromID, section.status)
		if err != nil {
			return "", err
		}
		if len(tasks) == 0 {
			continue
		}
		if total > 0 {
			b.WriteString("\n")
		}
		b.WriteString(section.title + ":\n")
		for _, t := range tasks {
			total++
			if start, end, ok := t.Window(); ok {
				fmt.Fprintf(&b, "- %s: %s %s-%s\n", t.Title,
					start.In(loc).Format("Mon Jan 2"),
					start.In(loc).Format("15:04"),
					end.In(loc).Format("15:04"))
			} else {
				fmt.Fprintf(&b, "- %s (%s)\n", t.Title, t.Priority)
			}
		}
	}
	if total == 0 {
		return "No tasks yet. Add one with /add.", nil
	}
	return b.String(), nil
}

func (r *Router) send(ctx context.Context, chatID int64, text string) {
	if _, err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply not delivered", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// splitCommand extracts "/cmd rest" from a message, tolerating the
// "/cmd@botname" form Telegram uses in groups.
func splitCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	return strings.ToLower(head), strings.TrimSpace(rest)
}
