package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	oauth2api "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/store"
)

// Exchanger turns a client's (id_token, auth_code) pair into a stored user
// with a refresh token.
type Exchanger struct {
	verifier Verifier
	users    store.Users
	vault    *Vault

	// userinfoOpts are extra options for the userinfo client, used in tests
	// to point it at a fake endpoint.
	userinfoOpts []option.ClientOption
}

func NewExchanger(verifier Verifier, users store.Users, vault *Vault, userinfoOpts ...option.ClientOption) *Exchanger {
	return &Exchanger{verifier: verifier, users: users, vault: vault, userinfoOpts: userinfoOpts}
}

// Exchange verifies the identity, redeems the code and upserts the user.
//
// The refresh token is replaced only when the provider issued a new one. If it
// issued none and none is stored, consent is inconsistent and the client must
// re-prompt with access_type=offline.
func (e *Exchanger) Exchange(ctx context.Context, idToken, authCode string) (*model.User, error) {
	if idToken == "" {
		return nil, apperr.E(apperr.KindAuthFailed, "auth.Exchange", "missing identity token", nil)
	}
	if authCode == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "auth.Exchange", "missing authorization code", nil)
	}

	id, err := e.verifier.Verify(ctx, idToken)
	if err != nil {
		return nil, err
	}

	tok, err := e.vault.Config().Exchange(ctx, authCode)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, apperr.E(apperr.KindInvalidInput, "auth.Exchange", "authorization code was rejected", fmt.Errorf("token endpoint: %s", re.ErrorCode))
		}
		return nil, apperr.E(apperr.KindUpstream, "auth.Exchange", "", err)
	}

	if id.Email == "" {
		if err := e.fillFromUserinfo(ctx, tok, id); err != nil {
			logging.Warn("userinfo lookup failed", "user_id", id.Subject, "err", err)
		}
	}

	existing, err := e.users.Get(ctx, id.Subject)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if tok.RefreshToken == "" && (existing == nil || existing.EncryptedRefreshToken == "") {
		return nil, apperr.E(apperr.KindInvalidInput, "auth.Exchange", "consent is inconsistent: no refresh token was issued; please grant offline access again", nil)
	}

	u := &model.User{UserID: id.Subject, Email: id.Email, DisplayName: id.Name}
	if tok.RefreshToken != "" {
		sealed, err := e.vault.Seal(ctx, id.Subject, tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("seal refresh token: %w", err)
		}
		u.EncryptedRefreshToken = sealed
	}
	if existing != nil {
		if u.Email == "" {
			u.Email = existing.Email
		}
		if u.DisplayName == "" {
			u.DisplayName = existing.DisplayName
		}
	}
	// Profile and refresh token go out in one write so a failure cannot leave
	// a user without the token the provider just issued.
	if err := e.users.Upsert(ctx, u); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if tok.RefreshToken != "" {
		e.vault.Invalidate(id.Subject)
	}

	logging.Info("user signed in", "user_id", id.Subject, "new_refresh_token", tok.RefreshToken != "")
	return e.users.Get(ctx, id.Subject)
}

func (e *Exchanger) fillFromUserinfo(ctx context.Context, tok *oauth2.Token, id *Identity) error {
	opts := append([]option.ClientOption{option.WithTokenSource(e.vault.Config().TokenSource(ctx, tok))}, e.userinfoOpts...)
	svc, err := oauth2api.NewService(ctx, opts...)
	if err != nil {
		return err
	}
	info, err := svc.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return err
	}
	id.Email = info.Email
	if id.Name == "" {
		id.Name = info.Name
	}
	return nil
}
