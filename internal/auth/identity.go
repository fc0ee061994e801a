package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/store"
)

// Identity is the verified content of an ID token.
type Identity struct {
	Subject string
	Email   string
	Name    string
}

// Verifier checks an ID token presented by the client.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}

// GoogleVerifier validates Google-signed ID tokens for one OAuth client id.
type GoogleVerifier struct {
	audience string
	validate func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func NewGoogleVerifier(clientID string) *GoogleVerifier {
	return &GoogleVerifier{audience: clientID, validate: idtoken.Validate}
}

func (g *GoogleVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	p, err := g.validate(ctx, rawToken, g.audience)
	if err != nil {
		return nil, apperr.E(apperr.KindAuthFailed, "auth.Verify", "invalid identity token", err)
	}
	if p.Subject == "" {
		return nil, apperr.E(apperr.KindAuthFailed, "auth.Verify", "invalid identity token", errors.New("no subject"))
	}
	id := &Identity{Subject: p.Subject}
	id.Email, _ = p.Claims["email"].(string)
	id.Name, _ = p.Claims["name"].(string)
	return id, nil
}

// HMACVerifier accepts HS256 tokens signed with a shared secret. It stands in
// for Google in DEV_MODE and tests.
type HMACVerifier struct {
	secret   []byte
	audience string
}

func NewHMACVerifier(secret, audience string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), audience: audience}
}

func (h *HMACVerifier) Verify(_ context.Context, rawToken string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if h.audience != "" {
		opts = append(opts, jwt.WithAudience(h.audience))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		return h.secret, nil
	}, opts...)
	if err != nil {
		return nil, apperr.E(apperr.KindAuthFailed, "auth.Verify", "invalid identity token", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, apperr.E(apperr.KindAuthFailed, "auth.Verify", "invalid identity token", errors.New("no subject"))
	}
	id := &Identity{Subject: sub}
	id.Email, _ = claims["email"].(string)
	id.Name, _ = claims["name"].(string)
	return id, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", apperr.E(apperr.KindAuthFailed, "auth.BearerToken", "missing bearer token", nil)
	}
	tok := strings.TrimSpace(header[len(prefix):])
	if tok == "" {
		return "", apperr.E(apperr.KindAuthFailed, "auth.BearerToken", "missing bearer token", nil)
	}
	return tok, nil
}

// Authenticator resolves an Authorization header to a known user.
type Authenticator struct {
	verifier Verifier
	users    store.Users
}

func NewAuthenticator(verifier Verifier, users store.Users) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

func (a *Authenticator) Authenticate(ctx context.Context, authorization string) (*model.User, error) {
	raw, err := BearerToken(authorization)
	if err != nil {
		return nil, err
	}
	id, err := a.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	u, err := a.users.Get(ctx, id.Subject)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.E(apperr.KindAuthFailed, "auth.Authenticate", "unknown user", nil)
		}
		return nil, fmt.Errorf("load user: %w", err)
	}
	return u, nil
}
