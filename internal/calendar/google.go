package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"taskpilot/internal/storage"
	logx "taskpilot/pkg/logx"
)

// taskIDProperty is the private extended property that ties a calendar event
// back to the task that produced it.
const taskIDProperty = "taskpilot_task_id"

// Google is a Provider backed by the Google Calendar API. One instance serves
// every user; per-user services are built on demand from stored tokens.
type Google struct {
	auth    *Auth
	store   storage.Store
	limiter *rate.Limiter
	log     logx.Logger
}

// GoogleConfig tunes the shared client.
type GoogleConfig struct {
	// RequestsPerSecond caps outgoing API calls across all users.
	// Zero means 5.
	RequestsPerSecond float64
}

func NewGoogle(cfg GoogleConfig, auth *Auth, store storage.Store, log logx.Logger) *Google {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Google{
		auth:    auth,
		store:   store,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		log:     log.With(logx.String("component", "calendar")),
	}
}

// service builds a per-call calendar service from the user's stored token.
// Token refreshes happen inside the oauth2 transport; a changed token is
// written back so the next call starts from the fresh one.
func (g *Google) service(ctx context.Context, userID int64) (*gcal.Service, string, error) {
	u, ok, err := g.store.GetUser(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	if !ok || !u.Connected {
		return nil, "", ErrAuthExpired
	}

	tokJSON, err := g.store.CalendarToken(ctx, userID)
	if err != nil {
		return nil, "", err
	}
	tok, err := ParseToken(tokJSON)
	if err != nil {
		return nil, "", fmt.Errorf("stored token for user %d: %w", userID, err)
	}

	src := g.auth.TokenSource(ctx, tok)
	srv, err := gcal.NewService(ctx, option.WithTokenSource(persistingSource{
		ctx: ctx, src: src, prev: tok, userID: userID, store: g.store, log: g.log,
	}))
	if err != nil {
		return nil, "", err
	}

	calID := u.CalendarID
	if calID == "" {
		calID = "primary"
	}
	return srv, calID, nil
}

func (g *Google) ListEvents(ctx context.Context, userID int64, start, end time.Time) ([]Event, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	srv, calID, err := g.service(ctx, userID)
	if err != nil {
		return nil, err
	}

	call := srv.Events.List(calID).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)

	var out []Event
	err = call.Pages(ctx, func(page *gcal.Events) error {
		for _, it := range page.Items {
			ev, ok := fromGoogleEvent(it)
			if ok {
				out = append(out, ev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (g *Google) CreateEvent(ctx context.Context, userID int64, ev Event) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	srv, calID, err := g.service(ctx, userID)
	if err != nil {
		return "", err
	}
	created, err := srv.Events.Insert(calID, toGoogleEvent(ev)).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return created.Id, nil
}

func (g *Google) UpdateEvent(ctx context.Context, userID int64, ev Event) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	srv, calID, err := g.service(ctx, userID)
	if err != nil {
		return err
	}
	_, err = srv.Events.Patch(calID, ev.ID, toGoogleEvent(ev)).Context(ctx).Do()
	return classify(err)
}

func (g *Google) DeleteEvent(ctx context.Context, userID int64, eventID string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	srv, calID, err := g.service(ctx, userID)
	if err != nil {
		return err
	}
	err = srv.Events.Delete(calID, eventID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		// A gone event is already deleted.
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
	}
	return classify(err)
}

func toGoogleEvent(ev Event) *gcal.Event {
	out := &gcal.Event{
		Summary: ev.Title,
		Start:   &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)},
		End:     &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)},
	}
	if ev.TaskID != "" {
		out.ExtendedProperties = &gcal.EventExtendedProperties{
			Private: map[string]string{taskIDProperty: ev.TaskID},
		}
	}
	return out
}

// fromGoogleEvent converts an API event. All-day events (date only, no time)
// and cancelled events are skipped.
func fromGoogleEvent(it *gcal.Event) (Event, bool) {
	if it == nil || it.Status == "cancelled" {
		return Event{}, false
	}
	if it.Start == nil || it.End == nil || it.Start.DateTime == "" || it.End.DateTime == "" {
		return Event{}, false
	}
	start, err1 := time.Parse(time.RFC3339, it.Start.DateTime)
	end, err2 := time.Parse(time.RFC3339, it.End.DateTime)
	if err1 != nil || err2 != nil {
		return Event{}, false
	}
	ev := Event{ID: it.Id, Title: it.Summary, Start: start, End: end}
	if it.ExtendedProperties != nil {
		ev.TaskID = it.ExtendedProperties.Private[taskIDProperty]
	}
	return ev, true
}

// classify maps auth failures to ErrAuthExpired so callers can tell a broken
// link from a transient API error.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: %s", ErrAuthExpired, gerr.Message)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %s", ErrAuthExpired, rerr.ErrorCode)
	}
	if strings.Contains(err.Error(), "invalid_grant") {
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	return err
}

// persistingSource wraps a TokenSource and writes refreshed tokens back to
// the store so a restart does not lose them.
type persistingSource struct {
	ctx    context.Context
	src    oauth2.TokenSource
	prev   *oauth2.Token
	userID int64
	store  storage.Store
	log    logx.Logger
}

func (p persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if p.prev == nil || tok.AccessToken != p.prev.AccessToken {
		if js, err := EncodeToken(tok); err == nil {
			if err := p.store.SaveCalendarToken(p.ctx, p.userID, js); err != nil {
				p.log.Warn("persist refreshed token failed",
					logx.Int64("user_id", p.userID), logx.Err(err))
			}
		}
	}
	return tok, nil
}
