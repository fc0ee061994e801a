package handler

import (
	"context"
	"net/http"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/calvoice/internal/model"
)

// Exchanger redeems a sign-in; *auth.Exchanger implements it.
type Exchanger interface {
	Exchange(ctx context.Context, idToken, authCode string) (*model.User, error)
}

// AuthHandler handles sign-in.
type AuthHandler struct {
	exchanger Exchanger
}

func NewAuthHandler(e Exchanger) *AuthHandler {
	return &AuthHandler{exchanger: e}
}

// Exchange verifies the identity token, redeems the authorization code and
// stores the resulting refresh token.
func (h *AuthHandler) Exchange(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var payload struct {
		IDToken  string `json:"id_token"`
		AuthCode string `json:"auth_code"`
	}
	if err := decodeJSON(req, &payload); err != nil {
		return errorResponse(err), nil
	}

	u, err := h.exchanger.Exchange(ctx, payload.IDToken, payload.AuthCode)
	if err != nil {
		return errorResponse(err, "op", "auth.exchange"), nil
	}
	return jsonResponse(http.StatusOK, map[string]string{"user_email": u.Email}), nil
}
