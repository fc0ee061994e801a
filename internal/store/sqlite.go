package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jun/calvoice/internal/model"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	encrypted_refresh_token TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// SQLiteUsers is the local-development user store.
type SQLiteUsers struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteUsers, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" || strings.HasPrefix(path, "file::memory:") {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, usersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create users table: %w", err)
	}

	return &SQLiteUsers{db: db, now: time.Now}, nil
}

func (s *SQLiteUsers) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteUsers) Get(ctx context.Context, userID string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, display_name, encrypted_refresh_token, created_at, updated_at FROM users WHERE user_id = ?`,
		userID)

	var u model.User
	var created, updated string
	if err := row.Scan(&u.UserID, &u.Email, &u.DisplayName, &u.EncryptedRefreshToken, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &u, nil
}

func (s *SQLiteUsers) Upsert(ctx context.Context, u *model.User) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (user_id, email, display_name, encrypted_refresh_token, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	email = excluded.email,
	display_name = excluded.display_name,
	encrypted_refresh_token = CASE WHEN excluded.encrypted_refresh_token = '' THEN users.encrypted_refresh_token ELSE excluded.encrypted_refresh_token END,
	updated_at = excluded.updated_at`,
		u.UserID, u.Email, u.DisplayName, u.EncryptedRefreshToken, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteUsers) SetRefreshToken(ctx context.Context, userID, encrypted string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET encrypted_refresh_token = ?, updated_at = ? WHERE user_id = ?`,
		encrypted, s.now().UTC().Format(time.RFC3339Nano), userID)
	if err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}
