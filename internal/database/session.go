package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/agigate/internal/session"
)

// sqliteTime is the layout SQLite's datetime('now') produces.
const sqliteTime = "2006-01-02 15:04:05"

// SessionRepository stores call sessions in SQLite. It implements
// session.Backend and session.Expirer.
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Load returns the encoded session, or session.ErrNotFound.
func (r *SessionRepository) Load(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return data, nil
}

// Save inserts or replaces the encoded session.
func (r *SessionRepository) Save(ctx context.Context, id string, data []byte) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data) VALUES (?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = datetime('now')`,
		id, data,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions last saved before the given time.
func (r *SessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE updated_at < ?`,
		before.UTC().Format(sqliteTime),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored sessions.
func (r *SessionRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

var (
	_ session.Backend = (*SessionRepository)(nil)
	_ session.Expirer = (*SessionRepository)(nil)
)
