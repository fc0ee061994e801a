package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/handler"
	"github.com/jun/calvoice/internal/model"
)

func newCalendarHandler() (*handler.CalendarHandler, *calendar.MemoryGateway) {
	provider := calendar.NewMemoryProvider()
	return handler.NewCalendarHandler(fakeAuthn{}, provider, "UTC"), provider.Calendar(testUserID)
}

func seed(gw *calendar.MemoryGateway) {
	gw.Put(model.Event{ID: "standup", Summary: "Standup",
		Start: model.EventTime{DateTime: "2024-03-10T10:00:00+05:00", TimeZone: testZone},
		End:   model.EventTime{DateTime: "2024-03-10T10:15:00+05:00", TimeZone: testZone}})
	gw.Put(model.Event{ID: "trip", Summary: "Trip",
		Start: model.EventTime{Date: "2024-03-12"}, End: model.EventTime{Date: "2024-03-14"}})
}

func TestCalendarHandler_ListRange(t *testing.T) {
	h, gw := newCalendarHandler()
	seed(gw)

	req := makeRequest("GET", "/calendar/events/range", "")
	req.QueryStringParameters["startDate"] = "2024-03-10"
	req.QueryStringParameters["endDate"] = "2024-03-12"
	resp, err := h.ListRange(context.Background(), req)
	if err != nil {
		t.Fatalf("ListRange returned error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", resp.StatusCode, resp.Body)
	}
	var evs []model.Event
	if err := json.Unmarshal([]byte(resp.Body), &evs); err != nil {
		t.Fatalf("Failed to unmarshal events: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != "standup" || evs[1].ID != "trip" || !evs[1].IsAllDay {
		t.Errorf("Unexpected events %+v", evs)
	}

	req.QueryStringParameters["startDate"] = "2024-04-01"
	req.QueryStringParameters["endDate"] = "2024-04-02"
	resp, _ = h.ListRange(context.Background(), req)
	if resp.Body != "[]" {
		t.Errorf("Expected an empty array, got %s", resp.Body)
	}
}

func TestCalendarHandler_ListRangeRejects(t *testing.T) {
	h, _ := newCalendarHandler()
	tests := []struct {
		name       string
		start, end string
		auth       string
		status     int
	}{
		{"reversed", "2024-03-12", "2024-03-10", "Bearer good-token", http.StatusBadRequest},
		{"not a date", "tomorrow", "2024-03-10", "Bearer good-token", http.StatusBadRequest},
		{"missing end", "2024-03-10", "", "Bearer good-token", http.StatusBadRequest},
		{"no identity", "2024-03-10", "2024-03-11", "", http.StatusUnauthorized},
		{"bad identity", "2024-03-10", "2024-03-11", "Bearer forged", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := makeRequest("GET", "/calendar/events/range", "")
			req.Headers["authorization"] = tc.auth
			req.QueryStringParameters["startDate"] = tc.start
			req.QueryStringParameters["endDate"] = tc.end
			resp, _ := h.ListRange(context.Background(), req)
			if resp.StatusCode != tc.status {
				t.Errorf("Expected %d, got %d: %s", tc.status, resp.StatusCode, resp.Body)
			}
		})
	}
}

func TestCalendarHandler_Create(t *testing.T) {
	h, gw := newCalendarHandler()

	body := `{"summary":"Dentist","start_time":"2024-03-11T09:00:00","end_time":"2024-03-11T10:00:00","zone":"Asia/Yekaterinburg"}`
	resp, err := h.CreateEvent(context.Background(), makeRequest("POST", "/calendar/events", body))
	if err != nil {
		t.Fatalf("CreateEvent returned error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, resp.Body)
	}
	var created struct {
		EventID string `json:"eventId"`
	}
	json.Unmarshal([]byte(resp.Body), &created)

	e, err := gw.Get(context.Background(), created.EventID)
	if err != nil {
		t.Fatalf("Created event not stored: %v", err)
	}
	if e.Start.DateTime != "2024-03-11T09:00:00+05:00" || e.Start.TimeZone != testZone {
		t.Errorf("Unexpected start %+v", e.Start)
	}
}

func TestCalendarHandler_CreateDefaultsZone(t *testing.T) {
	h, gw := newCalendarHandler()
	resp, _ := h.CreateEvent(context.Background(), makeRequest("POST", "/calendar/events", `{"summary":"Call","start_time":"2024-03-11T09:00:00"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, resp.Body)
	}
	evs, _ := gw.ListRange(context.Background(), "2024-03-11", "2024-03-11")
	if len(evs) != 1 || evs[0].Start.DateTime != "2024-03-11T09:00:00Z" || evs[0].End.DateTime != "2024-03-11T10:00:00Z" {
		t.Errorf("Expected a one hour UTC event, got %+v", evs)
	}
}

func TestCalendarHandler_CreateRejects(t *testing.T) {
	h, _ := newCalendarHandler()
	for name, body := range map[string]string{
		"no start":  `{"summary":"Call"}`,
		"bad json":  `{"summary":`,
		"bad start": `{"start_time":"someday"}`,
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := h.CreateEvent(context.Background(), makeRequest("POST", "/calendar/events", body))
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", resp.StatusCode, resp.Body)
			}
		})
	}
}

func TestCalendarHandler_Patch(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		mode   string
		body   string
		status int
		fields string
	}{
		{"rename", "standup", "", `{"summary":"Daily"}`, http.StatusOK, `["summary"]`},
		{"timed to all-day", "standup", "single_instance", `{"is_all_day":true,"start_time":"2024-03-11"}`, http.StatusOK, `["end","start"]`},
		{"nothing to change", "standup", "", `{}`, http.StatusOK, `[]`},
		{"this and following", "standup", "this_and_following", `{"summary":"x"}`, http.StatusNotImplemented, ""},
		{"unknown mode", "standup", "sideways", `{"summary":"x"}`, http.StatusBadRequest, ""},
		{"missing event", "nope", "", `{"summary":"x"}`, http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, gw := newCalendarHandler()
			seed(gw)
			req := makeRequest("PATCH", "/calendar/events/"+tc.id, tc.body)
			req.PathParameters["id"] = tc.id
			req.QueryStringParameters["update_mode"] = tc.mode

			resp, _ := h.PatchEvent(context.Background(), req)
			if resp.StatusCode != tc.status {
				t.Fatalf("Expected %d, got %d: %s", tc.status, resp.StatusCode, resp.Body)
			}
			if tc.fields == "" {
				return
			}
			var out struct {
				EventID string          `json:"eventId"`
				Fields  json.RawMessage `json:"updated_fields"`
			}
			json.Unmarshal([]byte(resp.Body), &out)
			if out.EventID != tc.id || string(out.Fields) != tc.fields {
				t.Errorf("Expected %s %s, got %s %s", tc.id, tc.fields, out.EventID, out.Fields)
			}
		})
	}
}

func TestCalendarHandler_PatchAllDay(t *testing.T) {
	h, gw := newCalendarHandler()
	seed(gw)
	req := makeRequest("PATCH", "/calendar/events/standup", `{"is_all_day":true,"start_time":"2024-03-11"}`)
	req.PathParameters["id"] = "standup"
	h.PatchEvent(context.Background(), req)

	e, _ := gw.Get(context.Background(), "standup")
	if e.Start.Date != "2024-03-11" || e.End.Date != "2024-03-12" || e.Start.DateTime != "" || e.Start.TimeZone != "" {
		t.Errorf("Expected a clean all-day event, got %+v %+v", e.Start, e.End)
	}
}

func TestCalendarHandler_Delete(t *testing.T) {
	h, gw := newCalendarHandler()
	seed(gw)

	req := makeRequest("DELETE", "/calendar/events/standup", "")
	req.PathParameters["id"] = "standup"
	for i := 0; i < 2; i++ {
		resp, _ := h.DeleteEvent(context.Background(), req)
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("Delete %d: expected 204, got %d: %s", i+1, resp.StatusCode, resp.Body)
		}
	}

	req.PathParameters["id"] = "never-existed"
	if resp, _ := h.DeleteEvent(context.Background(), req); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}

	req.PathParameters["id"] = "trip"
	req.QueryStringParameters["mode"] = "instance_only"
	if resp, _ := h.DeleteEvent(context.Background(), req); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 cancelling a single event as an occurrence, got %d", resp.StatusCode)
	}
	if e, _ := gw.Get(context.Background(), "trip"); e.Status == "cancelled" {
		t.Error("Expected the single event left alone")
	}

	gw.Put(model.Event{ID: "gym", Summary: "Gym", Recurrence: []string{"RRULE:FREQ=WEEKLY"},
		Start: model.EventTime{Date: "2024-03-11"}, End: model.EventTime{Date: "2024-03-12"}})
	gw.Put(model.Event{ID: "gym_20240318", RecurringEventID: "gym", Summary: "Gym",
		Start: model.EventTime{Date: "2024-03-18"}, End: model.EventTime{Date: "2024-03-19"}})
	req.PathParameters["id"] = "gym_20240318"
	if resp, _ := h.DeleteEvent(context.Background(), req); resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d: %s", resp.StatusCode, resp.Body)
	}
	if e, _ := gw.Get(context.Background(), "gym_20240318"); e.Status != "cancelled" {
		t.Errorf("Expected the occurrence cancelled, got %q", e.Status)
	}
	if e, _ := gw.Get(context.Background(), "gym"); e.Status == "cancelled" {
		t.Error("Expected the series master left alone")
	}

	req.QueryStringParameters["mode"] = "everything"
	if resp, _ := h.DeleteEvent(context.Background(), req); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown mode, got %d", resp.StatusCode)
	}
}

func TestCalendarHandler_Revoked(t *testing.T) {
	h := handler.NewCalendarHandler(fakeAuthn{}, revokedProvider{}, "UTC")
	req := makeRequest("GET", "/calendar/events/range", "")
	req.QueryStringParameters["startDate"] = "2024-03-10"
	req.QueryStringParameters["endDate"] = "2024-03-10"

	resp, _ := h.ListRange(context.Background(), req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, resp); msg != apperr.RevokedMessage {
		t.Errorf("Expected %q, got %q", apperr.RevokedMessage, msg)
	}
}

func TestCalendarHandler_AuthenticatesFirst(t *testing.T) {
	h, gw := newCalendarHandler()
	seed(gw)

	anonymous := func(method, id, body string) events.APIGatewayProxyRequest {
		req := makeRequest(method, "/calendar/events", body)
		delete(req.Headers, "authorization")
		if id != "" {
			req.PathParameters["id"] = id
		}
		return req
	}
	patchFollowing := anonymous("PATCH", "standup", `{"summary":"Retro"}`)
	patchFollowing.QueryStringParameters["update_mode"] = "this_and_following"
	deleteBogus := anonymous("DELETE", "standup", "")
	deleteBogus.QueryStringParameters["mode"] = "bogus"

	tests := []struct {
		name string
		call func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)
		req  events.APIGatewayProxyRequest
	}{
		{"list without dates", h.ListRange, anonymous("GET", "", "")},
		{"create with invalid body", h.CreateEvent, anonymous("POST", "", `{"summary":`)},
		{"patch this and following", h.PatchEvent, patchFollowing},
		{"patch without id", h.PatchEvent, anonymous("PATCH", "", "{}")},
		{"delete with unknown mode", h.DeleteEvent, deleteBogus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := tc.call(context.Background(), tc.req)
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d: %s", resp.StatusCode, resp.Body)
			}
		})
	}
	if e, _ := gw.Get(context.Background(), "standup"); e.Summary != "Standup" {
		t.Errorf("Expected standup untouched, got %q", e.Summary)
	}
}
