// Package store persists per-chat bot state in sqlite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps sql.DB for the bot.
type DB struct {
	*sql.DB
}

// NewDB opens database at path, creating its directory, and runs migrations.
func NewDB(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite serialises writers anyway; one connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)
	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			chat_id INTEGER PRIMARY KEY,
			token TEXT NOT NULL,
			subject TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		// Last reservation attempt per chat, used to reconcile after restarts.
		`CREATE TABLE IF NOT EXISTS chat_attempts (
			chat_id INTEGER PRIMARY KEY,
			reservation_id TEXT NOT NULL,
			table_id TEXT NOT NULL,
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS action_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			op TEXT NOT NULL,
			table_id TEXT,
			reservation_id TEXT,
			outcome TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_action_log_chat ON action_log(chat_id, created_at)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("exec migration %s: %w", trimSQL(q), err)
		}
	}
	return nil
}

func trimSQL(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}

// SaveToken stores the chat's bearer token.
func (db *DB) SaveToken(ctx context.Context, chatID int64, token, subject string) error {
	now := time.Now()
	_, err := db.ExecContext(ctx, `
		INSERT INTO chat_sessions (chat_id, token, subject, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			token = excluded.token,
			subject = excluded.subject,
			updated_at = excluded.updated_at`,
		chatID, token, subject, now, now)
	return err
}

// GetToken returns the chat's token, or "" when none is stored.
func (db *DB) GetToken(ctx context.Context, chatID int64) (string, error) {
	var token string
	err := db.QueryRowContext(ctx, `SELECT token FROM chat_sessions WHERE chat_id = ?`, chatID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return token, err
}

func (db *DB) DeleteToken(ctx context.Context, chatID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, chatID)
	return err
}

// AttemptRecord is the persisted view of a chat's last reservation.
type AttemptRecord struct {
	ChatID          int64
	ReservationID   string
	TableID         string
	DurationMinutes int
	Status          string
	UpdatedAt       time.Time
}

func (db *DB) SaveAttempt(ctx context.Context, rec AttemptRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO chat_attempts (chat_id, reservation_id, table_id, duration_minutes, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			reservation_id = excluded.reservation_id,
			table_id = excluded.table_id,
			duration_minutes = excluded.duration_minutes,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		rec.ChatID, rec.ReservationID, rec.TableID, rec.DurationMinutes, rec.Status, time.Now())
	return err
}

// GetAttempt returns nil when the chat has no stored attempt.
func (db *DB) GetAttempt(ctx context.Context, chatID int64) (*AttemptRecord, error) {
	var rec AttemptRecord
	err := db.QueryRowContext(ctx, `
		SELECT chat_id, reservation_id, table_id, duration_minutes, status, updated_at
		FROM chat_attempts WHERE chat_id = ?`, chatID).
		Scan(&rec.ChatID, &rec.ReservationID, &rec.TableID, &rec.DurationMinutes, &rec.Status, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (db *DB) DeleteAttempt(ctx context.Context, chatID int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM chat_attempts WHERE chat_id = ?`, chatID)
	return err
}

// Action is one logged reservation operation.
type Action struct {
	ChatID        int64
	Op            string
	TableID       string
	ReservationID string
	Outcome       string
	CreatedAt     time.Time
}

func (db *DB) LogAction(ctx context.Context, a Action) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO action_log (chat_id, op, table_id, reservation_id, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ChatID, a.Op, a.TableID, a.ReservationID, a.Outcome, a.CreatedAt)
	return err
}

// RecentActions returns the newest actions of a chat first.
func (db *DB) RecentActions(ctx context.Context, chatID int64, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT chat_id, op, table_id, reservation_id, outcome, created_at
		FROM action_log WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		var tableID, resID sql.NullString
		if err := rows.Scan(&a.ChatID, &a.Op, &tableID, &resID, &a.Outcome, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.TableID = tableID.String
		a.ReservationID = resID.String
		out = append(out, a)
	}
	return out, rows.Err()
}
