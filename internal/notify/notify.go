// Package notify renders user-facing messages: conflict decision requests,
// scheduling confirmations, and plain notices. It owns the callback-data
// format the inline buttons carry.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"taskpilot/internal/model"
	"taskpilot/internal/transport"
	logx "taskpilot/pkg/logx"
)

// Messenger is what the engine needs to reach the user.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendDecisionRequest(ctx context.Context, chatID int64, task model.Task, req model.ConflictRequest, timeout time.Duration, loc *time.Location) error
}

const decisionPrefix = "cr"

// EncodeDecision builds the callback data for one decision button.
func EncodeDecision(kind model.ResolutionKind, taskID string) string {
	return strings.Join([]string{decisionPrefix, string(kind), taskID}, ":")
}

// ParseDecision reverses EncodeDecision. Unknown or malformed data returns
// ok=false; the caller just ignores the callback.
func ParseDecision(data string) (kind model.ResolutionKind, taskID string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	if len(parts) != 3 || parts[0] != decisionPrefix || parts[2] == "" {
		return "", "", false
	}
	kind, err := model.ParseResolutionKind(parts[1])
	if err != nil {
		return "", "", false
	}
	return kind, parts[2], true
}

// Telegram sends messages through a transport adapter.
type Telegram struct {
	adapter transport.Adapter
	log     logx.Logger
}

func NewTelegram(adapter transport.Adapter, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{adapter: adapter, log: log.With(logx.String("component", "notify"))}
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := t.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, nil)
	return err
}

func (t *Telegram) SendDecisionRequest(ctx context.Context, chatID int64, task model.Task, req model.ConflictRequest, timeout time.Duration, loc *time.Location) error {
	text := RenderDecisionRequest(task, req, timeout, loc)
	markup := decisionMarkup(task.ID)
	_, err := t.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, &transport.SendOptions{
		ReplyMarkupAdapter: markup,
	})
	return err
}

func decisionMarkup(taskID string) *tele.ReplyMarkup {
	btn := func(label string, kind model.ResolutionKind) tele.InlineButton {
		return tele.InlineButton{Text: label, Data: EncodeDecision(kind, taskID)}
	}
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{
		{btn("Move conflicting tasks", model.ResolveBump)},
		{btn("Find a later slot", model.ResolveDefer)},
		{btn("Book it anyway", model.ResolveForce), btn("Skip this task", model.ResolveSkip)},
	}}
}

// RenderDecisionRequest builds the conflict message body. Times are shown in
// the user's location; timeout is the configured auto-resolution window.
func RenderDecisionRequest(task model.Task, req model.ConflictRequest, timeout time.Duration, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	var b strings.Builder
	fmt.Fprintf(&b, "No free slot for %q before its deadline.\n", task.Title)
	fmt.Fprintf(&b, "It needs %s.\n\n", formatWindow(req.RequiredStart, req.RequiredEnd, loc))
	b.WriteString("In the way:\n")
	for _, c := range req.Conflicts {
		title := c.Slot.Title
		if title == "" {
			title = "(untitled)"
		}
		marker := "calendar event"
		if !c.External {
			marker = "scheduled task"
			if c.PriorityRelevant {
				marker = "lower-priority task"
			}
		}
		fmt.Fprintf(&b, "- %s, %s (%s)\n", title, formatWindow(c.Slot.Start, c.Slot.End, loc), marker)
	}
	fmt.Fprintf(&b, "\nHow should I handle it? If you don't answer within %s I'll pick the earliest free slot myself.", formatTimeout(timeout))
	return b.String()
}

func formatTimeout(d time.Duration) string {
	d = d.Round(time.Minute)
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	case d == time.Hour:
		return "1 hour"
	case d%time.Hour == 0:
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	default:
		return strings.TrimSuffix(d.String(), "0s")
	}
}

// RenderScheduled is the confirmation after a task lands on the calendar.
func RenderScheduled(task model.Task, start, end time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("Scheduled %q for %s.", task.Title, formatWindow(start, end, loc))
}

func formatWindow(start, end time.Time, loc *time.Location) string {
	s := start.In(loc)
	e := end.In(loc)
	if s.Year() == e.Year() && s.YearDay() == e.YearDay() {
		return fmt.Sprintf("%s %s-%s", s.Format("Mon Jan 2"), s.Format("15:04"), e.Format("15:04"))
	}
	return fmt.Sprintf("%s - %s", s.Format("Mon Jan 2 15:04"), e.Format("Mon Jan 2 15:04"))
}
