package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
)

// Authenticator resolves an Authorization header to a known user;
// *auth.Authenticator implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*model.User, error)
}

// Header looks a request header up case-insensitively.
func Header(req events.APIGatewayProxyRequest, name string) string {
	if v, ok := req.Headers[name]; ok {
		return v
	}
	for k, v := range req.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	for k, v := range req.MultiValueHeaders {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// currentUser authenticates the request from its Authorization header.
func currentUser(ctx context.Context, authn Authenticator, req events.APIGatewayProxyRequest) (*model.User, error) {
	u, err := authn.Authenticate(ctx, Header(req, "Authorization"))
	if err != nil {
		if k := apperr.KindOf(err); k == apperr.KindAuthFailed || k == apperr.KindInvalidInput {
			return nil, apperr.E(apperr.KindAuthFailed, "handler.currentUser", "Unauthorized", err)
		}
		return nil, err
	}
	return u, nil
}

// body returns the raw request body, decoding it when API Gateway delivered
// it base64 encoded.
func body(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, apperr.E(apperr.KindInvalidInput, "handler.body", "Invalid request body", err)
	}
	return b, nil
}

func decodeJSON(req events.APIGatewayProxyRequest, dst any) error {
	b, err := body(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return apperr.E(apperr.KindInvalidInput, "handler.decodeJSON", "Invalid request body", err)
	}
	return nil
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		logging.Error("response encoding failed", err)
		return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"Internal error."}`}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(b),
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
	}
}

// errorResponse maps err to its status code and a message safe for clients.
// The cause is logged only for server-side failures.
func errorResponse(err error, kv ...any) events.APIGatewayProxyResponse {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logging.Error("request failed", err, append(kv, "status", status)...)
	} else {
		logging.Info("request rejected", append(kv, "status", status, "kind", apperr.KindOf(err))...)
	}
	return jsonResponse(status, map[string]string{"error": apperr.UserMessage(err)})
}

func noContent() events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}
}

// Health reports liveness.
func Health(_ context.Context, _ events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	return jsonResponse(http.StatusOK, map[string]string{"status": "ok"}), nil
}

func missing(field string) error {
	return apperr.E(apperr.KindInvalidInput, "handler", fmt.Sprintf("%s is required", field), nil)
}
