package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
)

const DefaultTimeout = 20 * time.Second

// Credentials is the part of the credential vault the gateway needs.
type Credentials interface {
	MintAccess(ctx context.Context, userID string) (*model.Credential, error)
	TokenSource(ctx context.Context, userID string) oauth2.TokenSource
	Invalidate(userID string)
}

// GoogleProvider builds Google Calendar gateways from vault credentials.
type GoogleProvider struct {
	creds      Credentials
	calendarID string
	timeout    time.Duration
	opts       []option.ClientOption
}

// NewGoogleProvider creates a provider. Extra client options (an endpoint for
// tests, say) are appended to every service it builds.
func NewGoogleProvider(creds Credentials, calendarID string, timeout time.Duration, opts ...option.ClientOption) *GoogleProvider {
	if calendarID == "" {
		calendarID = "primary"
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GoogleProvider{creds: creds, calendarID: calendarID, timeout: timeout, opts: opts}
}

// ForUser mints a credential up front so a revoked grant is reported before
// any calendar call is attempted.
func (p *GoogleProvider) ForUser(ctx context.Context, userID string) (Gateway, error) {
	if _, err := p.creds.MintAccess(ctx, userID); err != nil {
		return nil, err
	}

	// oauth2.Transport asks the source on every request, so a token dropped
	// by Invalidate is really gone on the retry.
	client := &http.Client{Transport: &oauth2.Transport{Source: p.creds.TokenSource(ctx, userID)}}
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, p.opts...)
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar client: %w", err)
	}
	return &GoogleGateway{
		service:    srv,
		creds:      p.creds,
		userID:     userID,
		calendarID: p.calendarID,
		timeout:    p.timeout,
	}, nil
}

// GoogleGateway implements Gateway over Calendar API v3.
type GoogleGateway struct {
	service    *gcal.Service
	creds      Credentials
	userID     string
	calendarID string
	timeout    time.Duration
}

func (g *GoogleGateway) ListRange(ctx context.Context, startDate, endDate string) ([]model.Event, error) {
	const op = "calendar.ListRange"
	start, end, err := window(startDate, endDate)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	err = g.call(ctx, op, func(ctx context.Context) error {
		events = events[:0]
		return g.service.Events.List(g.calendarID).
			SingleEvents(true).
			OrderBy("startTime").
			TimeMin(start.UTC().Format(time.RFC3339)).
			TimeMax(end.UTC().Format(time.RFC3339)).
			Pages(ctx, func(page *gcal.Events) error {
				for _, item := range page.Items {
					events = append(events, fromAPI(item))
				}
				return nil
			})
	})
	if err != nil {
		return nil, err
	}

	// Exploded instances do not carry the rules; copy them from the master,
	// fetching each master once.
	masters := make(map[string][]string)
	for i := range events {
		e := &events[i]
		if e.RecurringEventID == "" || len(e.Recurrence) > 0 {
			continue
		}
		rules, ok := masters[e.RecurringEventID]
		if !ok {
			master, err := g.Get(ctx, e.RecurringEventID)
			if err != nil {
				if apperr.KindOf(err) == apperr.KindAuthRevoked {
					return nil, err
				}
				logging.Warn("failed to load series master", "user_id", g.userID, "master_id", e.RecurringEventID, "error", err)
			} else {
				rules = master.Recurrence
			}
			masters[e.RecurringEventID] = rules
		}
		e.Recurrence = rules
	}
	return events, nil
}

func (g *GoogleGateway) Get(ctx context.Context, eventID string) (*model.Event, error) {
	var out *gcal.Event
	err := g.call(ctx, "calendar.Get", func(ctx context.Context) error {
		var err error
		out, err = g.service.Events.Get(g.calendarID, eventID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	e := fromAPI(out)
	return &e, nil
}

func (g *GoogleGateway) Insert(ctx context.Context, body *mutation.Patch) (*model.Event, error) {
	var out *gcal.Event
	err := g.call(ctx, "calendar.Insert", func(ctx context.Context) error {
		var err error
		out, err = g.service.Events.Insert(g.calendarID, toInsert(body)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	e := fromAPI(out)
	return &e, nil
}

func (g *GoogleGateway) Patch(ctx context.Context, eventID string, body *mutation.Patch) (*model.Event, error) {
	var out *gcal.Event
	err := g.call(ctx, "calendar.Patch", func(ctx context.Context) error {
		var err error
		out, err = g.service.Events.Patch(g.calendarID, eventID, toPatch(body)).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	e := fromAPI(out)
	return &e, nil
}

func (g *GoogleGateway) Delete(ctx context.Context, eventID string) error {
	err := g.call(ctx, "calendar.Delete", func(ctx context.Context) error {
		return g.service.Events.Delete(g.calendarID, eventID).Context(ctx).Do()
	})
	if isStatus(err, http.StatusGone) {
		return nil
	}
	return err
}

func (g *GoogleGateway) CancelInstance(ctx context.Context, eventID string) error {
	return g.call(ctx, "calendar.CancelInstance", func(ctx context.Context) error {
		_, err := g.service.Events.Patch(g.calendarID, eventID, &gcal.Event{Status: "cancelled"}).Context(ctx).Do()
		return err
	})
}

// call runs fn under the per-call deadline. A 401 drops the cached access
// token and is retried once; a second 401 means the grant is gone.
func (g *GoogleGateway) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			logging.Debug("calendar call", "op", op, "user_id", g.userID, "latency_ms", time.Since(start).Milliseconds())
			return nil
		}
		if isStatus(err, http.StatusUnauthorized) && attempt == 0 {
			logging.Warn("calendar rejected access token, refreshing", "op", op, "user_id", g.userID)
			g.creds.Invalidate(g.userID)
			continue
		}
		return classify(op, err)
	}
}

func isStatus(err error, code int) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == code
}

// classify maps calendar failures to error kinds. The upstream message is kept
// as the cause only.
func classify(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		// raised by the token source, e.g. a revoked grant
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return apperr.E(apperr.KindAuthRevoked, op, "", err)
		case gerr.Code == http.StatusBadRequest:
			return apperr.E(apperr.KindInvalidInput, op, "The calendar rejected the request.", err)
		case gerr.Code == http.StatusNotFound:
			return apperr.E(apperr.KindNotFound, op, "Event not found.", err)
		case gerr.Code == http.StatusGone:
			return apperr.E(apperr.KindNotFound, op, "Event was deleted.", err)
		case gerr.Code == http.StatusConflict || gerr.Code == http.StatusPreconditionFailed:
			return apperr.E(apperr.KindConflict, op, "", err)
		default:
			return apperr.E(apperr.KindUpstream, op, "", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.E(apperr.KindUpstream, op, "", fmt.Errorf("calendar timed out: %w", err))
	}
	return apperr.E(apperr.KindUpstream, op, "", err)
}
