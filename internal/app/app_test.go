package app

import (
	"context"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/assistant"
	"github.com/jun/calvoice/internal/calendar"
	"github.com/jun/calvoice/internal/config"
	"github.com/jun/calvoice/internal/model"
)

type stubAuthn struct{}

func (stubAuthn) Authenticate(_ context.Context, authorization string) (*model.User, error) {
	if authorization != "Bearer ok" {
		return nil, apperr.E(apperr.KindAuthFailed, "stub", "Unauthorized", nil)
	}
	return &model.User{UserID: "u1", Email: "u1@example.com"}, nil
}

func (stubAuthn) Exchange(context.Context, string, string) (*model.User, error) {
	return &model.User{UserID: "u1", Email: "u1@example.com"}, nil
}

type stubProcessor struct{}

func (stubProcessor) Process(context.Context, assistant.Request) (*assistant.Response, error) {
	return &assistant.Response{Status: model.StatusInfo, Message: "Nothing to do."}, nil
}

func testApp(devMode bool) (*App, *calendar.MemoryProvider) {
	provider := calendar.NewMemoryProvider()
	cfg := &config.Config{DevMode: devMode, FrontendURL: "https://app.example.com"}
	a := New(cfg, Deps{
		Authenticator: stubAuthn{},
		Exchanger:     stubAuthn{},
		Calendars:     provider,
		Processor:     stubProcessor{},
		DefaultZone:   "UTC",
	}, "origin-secret")
	return a, provider
}

func request(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Body:       body,
		Headers: map[string]string{
			"Authorization":   "Bearer ok",
			"x-origin-verify": "origin-secret",
		},
	}
}

func TestHandleRequest_Routes(t *testing.T) {
	a, provider := testApp(false)
	provider.Calendar("u1").Put(model.Event{ID: "evt1", Summary: "Call",
		Start: model.EventTime{DateTime: "2024-03-11T09:00:00Z", TimeZone: "UTC"},
		End:   model.EventTime{DateTime: "2024-03-11T10:00:00Z", TimeZone: "UTC"}})

	listReq := request("GET", "/api/calendar/events/range", "")
	listReq.QueryStringParameters = map[string]string{"startDate": "2024-03-11", "endDate": "2024-03-11"}

	tests := []struct {
		name   string
		req    events.APIGatewayProxyRequest
		status int
	}{
		{"health", request("GET", "/health", ""), http.StatusOK},
		{"exchange", request("POST", "/auth/exchange", `{"id_token":"a","auth_code":"b"}`), http.StatusOK},
		{"range behind /api", listReq, http.StatusOK},
		{"create", request("POST", "/calendar/events", `{"start_time":"2024-03-12T09:00:00"}`), http.StatusCreated},
		{"patch", request("PATCH", "/calendar/events/evt1", `{"summary":"Standup"}`), http.StatusOK},
		{"delete", request("DELETE", "/calendar/events/evt1/", ""), http.StatusNoContent},
		{"process needs a form", request("POST", "/process", "{}"), http.StatusBadRequest},
		{"preflight", request("OPTIONS", "/process", ""), http.StatusNoContent},
		{"nested path", request("DELETE", "/calendar/events/a/b", ""), http.StatusNotFound},
		{"unknown", request("GET", "/notes", ""), http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := a.HandleRequest(context.Background(), tc.req)
			if err != nil {
				t.Fatalf("HandleRequest returned error: %v", err)
			}
			if resp.StatusCode != tc.status {
				t.Errorf("Expected %d, got %d: %s", tc.status, resp.StatusCode, resp.Body)
			}
			if resp.Headers["Access-Control-Allow-Origin"] != "https://app.example.com" {
				t.Errorf("Expected CORS headers, got %v", resp.Headers)
			}
		})
	}
}

func TestHandleRequest_OriginCheck(t *testing.T) {
	a, _ := testApp(false)
	req := request("GET", "/health", "")
	delete(req.Headers, "x-origin-verify")

	resp, _ := a.HandleRequest(context.Background(), req)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected 403 without the origin secret, got %d", resp.StatusCode)
	}

	dev, _ := testApp(true)
	resp, _ = dev.HandleRequest(context.Background(), req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected dev mode to skip the origin check, got %d", resp.StatusCode)
	}
}

func TestHandleRequest_Unauthenticated(t *testing.T) {
	a, _ := testApp(true)
	req := request("GET", "/calendar/events/range", "")
	req.Headers["Authorization"] = ""
	req.QueryStringParameters = map[string]string{"startDate": "2024-03-11", "endDate": "2024-03-11"}

	resp, _ := a.HandleRequest(context.Background(), req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}
