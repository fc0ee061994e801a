// Package calendar is the per-user gateway to the calendar provider.
package calendar

import (
	"context"
	"time"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
	"github.com/jun/calvoice/internal/timenorm"
)

// Gateway is the set of calendar calls the assistant and the HTTP handlers
// make on behalf of one user.
type Gateway interface {
	// ListRange returns single events between startDate and endDate
	// (YYYY-MM-DD, both inclusive) ordered by start time.
	ListRange(ctx context.Context, startDate, endDate string) ([]model.Event, error)
	Get(ctx context.Context, eventID string) (*model.Event, error)
	Insert(ctx context.Context, body *mutation.Patch) (*model.Event, error)
	Patch(ctx context.Context, eventID string, body *mutation.Patch) (*model.Event, error)
	// Delete removes an event, or a whole series when given a master id. An
	// already deleted event counts as success.
	Delete(ctx context.Context, eventID string) error
	// CancelInstance cancels one occurrence of a series.
	CancelInstance(ctx context.Context, eventID string) error
}

// Provider hands out a Gateway bound to one user's credentials.
type Provider interface {
	ForUser(ctx context.Context, userID string) (Gateway, error)
}

// window converts an inclusive date range to the half-open UTC instant range
// [start 00:00, end+1d 00:00).
func window(startDate, endDate string) (time.Time, time.Time, error) {
	const op = "calendar.ListRange"
	start, err := time.Parse(timenorm.DateLayout, startDate)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Errorf(apperr.KindInvalidInput, op, "startDate must be YYYY-MM-DD, got %q", startDate)
	}
	end, err := time.Parse(timenorm.DateLayout, endDate)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Errorf(apperr.KindInvalidInput, op, "endDate must be YYYY-MM-DD, got %q", endDate)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, apperr.E(apperr.KindInvalidInput, op, "startDate must not be after endDate", nil)
	}
	return start, end.AddDate(0, 0, 1), nil
}

// CancelOccurrence cancels eventID only when it is one occurrence of a series.
// Single events and series masters are rejected.
func CancelOccurrence(ctx context.Context, gw Gateway, eventID string) error {
	e, err := gw.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if e.RecurringEventID == "" {
		return apperr.E(apperr.KindInvalidInput, "calendar.CancelOccurrence", "Only one occurrence of a recurring event can be cancelled on its own.", nil)
	}
	return gw.CancelInstance(ctx, eventID)
}
