package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/mutation"
)

// CalendarHandler exposes direct event operations, bypassing the assistant.
// Each operation authenticates before it validates its input.
type CalendarHandler struct {
	authn       Authenticator
	calendars   calendar.Provider
	defaultZone string
}

// NewCalendarHandler creates a CalendarHandler. defaultZone applies to
// create requests that carry no zone.
func NewCalendarHandler(authn Authenticator, calendars calendar.Provider, defaultZone string) *CalendarHandler {
	return &CalendarHandler{authn: authn, calendars: calendars, defaultZone: defaultZone}
}

// ListRange returns the events between startDate and endDate, both inclusive.
func (h *CalendarHandler) ListRange(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	u, err := currentUser(ctx, h.authn, req)
	if err != nil {
		return errorResponse(err), nil
	}
	userID := u.UserID

	startDate := req.QueryStringParameters["startDate"]
	endDate := req.QueryStringParameters["endDate"]
	if startDate == "" || endDate == "" {
		return errorResponse(missing("startDate and endDate")), nil
	}

	gw, err := h.calendars.ForUser(ctx, userID)
	if err != nil {
		return errorResponse(err, "user_id", userID), nil
	}
	evs, err := gw.ListRange(ctx, startDate, endDate)
	if err != nil {
		return errorResponse(err, "user_id", userID, "op", "calendar.list"), nil
	}
	if evs == nil {
		evs = []model.Event{}
	}
	return jsonResponse(http.StatusOK, evs), nil
}

// CreateEvent inserts an event described by a CreateRequest body.
func (h *CalendarHandler) CreateEvent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	u, err := currentUser(ctx, h.authn, req)
	if err != nil {
		return errorResponse(err), nil
	}
	userID := u.UserID

	var cr model.CreateRequest
	if err := decodeJSON(req, &cr); err != nil {
		return errorResponse(err), nil
	}
	body, err := mutation.BuildInsert(&cr, h.defaultZone)
	if err != nil {
		return errorResponse(err, "user_id", userID), nil
	}

	gw, err := h.calendars.ForUser(ctx, userID)
	if err != nil {
		return errorResponse(err, "user_id", userID), nil
	}
	e, err := gw.Insert(ctx, body)
	if err != nil {
		return errorResponse(err, "user_id", userID, "op", "calendar.insert"), nil
	}
	logging.Info("event created", "user_id", userID, "event_id", e.ID)
	return jsonResponse(http.StatusCreated, map[string]string{"eventId": e.ID}), nil
}

// PatchEvent applies an UpdateRequest body to an event under update_mode.
// A request that changes nothing is answered with an empty field list.
func (h *CalendarHandler) PatchEvent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	u, err := currentUser(ctx, h.authn, req)
	if err != nil {
		return errorResponse(err), nil
	}
	userID := u.UserID

	id := req.PathParameters["id"]
	if id == "" {
		return errorResponse(missing("event id")), nil
	}
	mode, err := mutation.ParseMode(req.QueryStringParameters["update_mode"])
	if err != nil {
		return errorResponse(err), nil
	}
	if mode == mutation.ThisAndFollowing {
		return errorResponse(apperr.E(apperr.KindUnimplemented, "handler.PatchEvent", "updating this and following events is not supported", nil)), nil
	}
	var ur model.UpdateRequest
	if err := decodeJSON(req, &ur); err != nil {
		return errorResponse(err), nil
	}

	gw, err := h.calendars.ForUser(ctx, userID)
	if err != nil {
		return errorResponse(err, "user_id", userID), nil
	}
	current, err := gw.Get(ctx, id)
	if err != nil {
		return errorResponse(err, "user_id", userID, "event_id", id), nil
	}

	patch, err := mutation.PlanUpdate(&ur, current)
	if errors.Is(err, mutation.ErrNoOp) {
		return updated(id, nil), nil
	}
	if err != nil {
		return errorResponse(err, "user_id", userID, "event_id", id), nil
	}
	target, patch, err := mutation.Route(patch, current, mode)
	if errors.Is(err, mutation.ErrNoOp) {
		return updated(id, nil), nil
	}
	if err != nil {
		return errorResponse(err, "user_id", userID, "event_id", id), nil
	}

	e, err := gw.Patch(ctx, target, patch)
	if err != nil {
		return errorResponse(err, "user_id", userID, "event_id", target, "op", "calendar.patch"), nil
	}
	logging.Info("event updated", "user_id", userID, "event_id", e.ID, "mode", mode, "fields", patch.Fields())
	return updated(e.ID, patch.Fields()), nil
}

func updated(id string, fields []string) events.APIGatewayProxyResponse {
	if fields == nil {
		fields = []string{}
	}
	return jsonResponse(http.StatusOK, map[string]any{"eventId": id, "updated_fields": fields})
}

// DeleteEvent deletes an event, or cancels one occurrence with
// mode=instance_only. Deleting an already deleted event succeeds.
func (h *CalendarHandler) DeleteEvent(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	u, err := currentUser(ctx, h.authn, req)
	if err != nil {
		return errorResponse(err), nil
	}
	userID := u.UserID

	id := req.PathParameters["id"]
	if id == "" {
		return errorResponse(missing("event id")), nil
	}
	mode, err := mutation.ParseDeleteMode(req.QueryStringParameters["mode"])
	if err != nil {
		return errorResponse(err), nil
	}

	gw, err := h.calendars.ForUser(ctx, userID)
	if err != nil {
		return errorResponse(err, "user_id", userID), nil
	}
	if mode == mutation.DeleteInstanceOnly {
		err = calendar.CancelOccurrence(ctx, gw, id)
	} else {
		err = gw.Delete(ctx, id)
	}
	if err != nil {
		return errorResponse(err, "user_id", userID, "event_id", id, "op", "calendar.delete"), nil
	}
	logging.Info("event deleted", "user_id", userID, "event_id", id, "instance_only", mode == mutation.DeleteInstanceOnly)
	return noContent(), nil
}
