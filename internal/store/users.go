// Package store persists user records: DynamoDB in production, SQLite for
// local runs.
package store

import (
	"context"

	"github.com/jun/calvoice/internal/apperr"
	"github.com/jun/calvoice/internal/model"
)

var ErrUserNotFound = &apperr.Error{Kind: apperr.KindNotFound, Msg: "user not found"}

// Users is the user record store.
type Users interface {
	// Get returns ErrUserNotFound for unknown ids.
	Get(ctx context.Context, userID string) (*model.User, error)
	// Upsert writes profile fields, keeping CreatedAt of an existing record.
	// An empty EncryptedRefreshToken leaves the stored token untouched.
	Upsert(ctx context.Context, u *model.User) error
	// SetRefreshToken replaces the encrypted refresh token of an existing user.
	SetRefreshToken(ctx context.Context, userID, encrypted string) error
}
