// Package auth holds refresh-token custody, identity verification and the
// authorisation-code exchange.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/crypto"
	"github.com/jun/calvoice/internal/logging"
	"github.com/jun/calvoice/internal/model"
	"github.com/jun/calvoice/internal/store"
)

// ExpiryMargin is how long before expires_at a cached access token stops
// being handed out.
const ExpiryMargin = 60 * time.Second

const (
	DefaultStoreTimeout   = 10 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

// Vault keeps refresh tokens in the user store (encrypted) and mints access
// credentials from them. Access tokens are cached in memory per user; refresh
// tokens never are.
type Vault struct {
	oauthConfig *oauth2.Config
	users       store.Users
	encryptor   crypto.Encryptor
	now         func() time.Time

	storeTimeout   time.Duration // user store and KMS
	refreshTimeout time.Duration // token endpoint

	cache map[string]*model.Credential
	mu    sync.RWMutex
}

type VaultOption func(*Vault)

// WithStoreTimeout bounds each user store and KMS call.
func WithStoreTimeout(d time.Duration) VaultOption {
	return func(v *Vault) {
		if d > 0 {
			v.storeTimeout = d
		}
	}
}

// WithRefreshTimeout bounds each call to the token endpoint.
func WithRefreshTimeout(d time.Duration) VaultOption {
	return func(v *Vault) {
		if d > 0 {
			v.refreshTimeout = d
		}
	}
}

func NewVault(oauthConfig *oauth2.Config, users store.Users, encryptor crypto.Encryptor, opts ...VaultOption) *Vault {
	v := &Vault{
		oauthConfig:    oauthConfig,
		users:          users,
		encryptor:      encryptor,
		now:            time.Now,
		storeTimeout:   DefaultStoreTimeout,
		refreshTimeout: DefaultRefreshTimeout,
		cache:          make(map[string]*model.Credential),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Config returns the OAuth2 client configuration.
func (v *Vault) Config() *oauth2.Config {
	return v.oauthConfig
}

// RefreshTokenFor returns the decrypted refresh token, or "" when the user
// exists but has none stored.
func (v *Vault) RefreshTokenFor(ctx context.Context, userID string) (string, error) {
	const op = "vault.RefreshTokenFor"
	ctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()

	u, err := v.users.Get(ctx, userID)
	if err != nil {
		return "", timedOut(op, err)
	}
	if u.EncryptedRefreshToken == "" {
		return "", nil
	}
	rt, err := v.encryptor.Decrypt(ctx, userID, u.EncryptedRefreshToken)
	if err != nil {
		return "", timedOut(op, fmt.Errorf("decrypt refresh token: %w", err))
	}
	return rt, nil
}

// StoreRefreshToken encrypts and persists a newly issued refresh token and
// drops any cached access token minted from the previous one.
func (v *Vault) StoreRefreshToken(ctx context.Context, userID, refreshToken string) error {
	encrypted, err := v.Seal(ctx, userID, refreshToken)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()
	if err := v.users.SetRefreshToken(ctx, userID, encrypted); err != nil {
		return timedOut("vault.StoreRefreshToken", err)
	}
	v.Invalidate(userID)
	return nil
}

// Seal encrypts a refresh token for userID without storing it, so callers
// can write it together with the rest of the user record.
func (v *Vault) Seal(ctx context.Context, userID, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", fmt.Errorf("no refresh token to store")
	}
	ctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
	defer cancel()
	encrypted, err := v.encryptor.Encrypt(ctx, userID, refreshToken)
	if err != nil {
		return "", timedOut("vault.Seal", fmt.Errorf("encrypt refresh token: %w", err))
	}
	return encrypted, nil
}

// MintAccess returns a usable access credential, refreshing when the cached
// one is absent or inside the expiry margin.
//
// Concurrent calls for one user may each refresh. Every refresh yields its
// own valid access token, and the stored refresh token is rewritten only
// when the provider rotates it.
func (v *Vault) MintAccess(ctx context.Context, userID string) (*model.Credential, error) {
	if c := v.cached(userID); c != nil {
		return c, nil
	}

	rt, err := v.RefreshTokenFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rt == "" {
		return nil, apperr.E(apperr.KindAuthRevoked, "vault.MintAccess", "", errors.New("no refresh token stored"))
	}

	start := v.now()
	rctx, cancel := context.WithTimeout(ctx, v.refreshTimeout)
	tok, err := v.oauthConfig.TokenSource(rctx, &oauth2.Token{RefreshToken: rt}).Token()
	cancel()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	logging.Debug("access token refreshed", "user_id", userID, "latency_ms", time.Since(start).Milliseconds())

	if tok.RefreshToken != "" && tok.RefreshToken != rt {
		if err := v.StoreRefreshToken(ctx, userID, tok.RefreshToken); err != nil {
			// the old token stays authoritative until the write succeeds
			logging.Error("failed to persist rotated refresh token", err, "user_id", userID)
		}
	}

	cred := &model.Credential{
		AccessToken:  tok.AccessToken,
		ExpiresAt:    tok.Expiry,
		RefreshToken: rt,
		Scopes:       scopesOf(tok),
	}
	if cred.ExpiresAt.IsZero() {
		cred.ExpiresAt = v.now().Add(time.Hour)
	}

	v.mu.Lock()
	v.cache[userID] = cred
	v.mu.Unlock()

	c := *cred
	return &c, nil
}

// Invalidate forgets the cached access token, forcing the next MintAccess to
// refresh. The calendar gateway calls it after a 401.
func (v *Vault) Invalidate(userID string) {
	v.mu.Lock()
	delete(v.cache, userID)
	v.mu.Unlock()
}

// TokenSource adapts the vault to oauth2 so Google API clients draw their
// tokens from it.
func (v *Vault) TokenSource(ctx context.Context, userID string) oauth2.TokenSource {
	return &vaultTokenSource{ctx: ctx, vault: v, userID: userID}
}

// Sweep drops cached credentials that can no longer be handed out and
// returns how many were removed.
func (v *Vault) Sweep() int {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for id, c := range v.cache {
		if !c.ValidAt(now, ExpiryMargin) {
			delete(v.cache, id)
			n++
		}
	}
	return n
}

// StartSweeper runs Sweep on a cron schedule such as "@every 5m". The caller
// owns the returned scheduler and should Stop it on shutdown.
func (v *Vault) StartSweeper(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if n := v.Sweep(); n > 0 {
			logging.Debug("swept expired access tokens", "count", n)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule token sweep %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

func (v *Vault) cached(userID string) *model.Credential {
	v.mu.RLock()
	c, ok := v.cache[userID]
	v.mu.RUnlock()
	if !ok || !c.ValidAt(v.now(), ExpiryMargin) {
		return nil
	}
	cp := *c
	return &cp
}

type vaultTokenSource struct {
	ctx    context.Context
	vault  *Vault
	userID string
}

func (s *vaultTokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.vault.MintAccess(s.ctx, s.userID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}

// classifyRefreshError maps token endpoint failures. invalid_grant means the
// user revoked access or the token expired; nothing but a new consent helps.
func classifyRefreshError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.E(apperr.KindUpstream, "vault.MintAccess", "", errors.New("token endpoint timed out"))
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
			return apperr.E(apperr.KindAuthRevoked, "vault.MintAccess", "", fmt.Errorf("token endpoint: %s", re.ErrorCode))
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return apperr.E(apperr.KindUpstream, "vault.MintAccess", "", fmt.Errorf("token endpoint status %d %s", status, re.ErrorCode))
	}
	return apperr.E(apperr.KindUpstream, "vault.MintAccess", "", fmt.Errorf("token refresh: %w", err))
}

// timedOut reports a missed deadline as an unavailable upstream and leaves
// other errors as they are.
func timedOut(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && apperr.KindOf(err) != apperr.KindUpstream {
		return apperr.E(apperr.KindUpstream, op, "", err)
	}
	return err
}

func scopesOf(tok *oauth2.Token) []string {
	s, _ := tok.Extra("scope").(string)
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
