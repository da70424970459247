// Package ledger is the durable call history: one SQLite database holding
// the outcome row for every call attempt and the conversation messages that
// announce them.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/petervdpas/parley/internal/callstate"
)

// Ledger wraps the SQLite database for one user.
type Ledger struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the ledger database in the given directory.
func Open(configDir string) (*Ledger, error) {
	dbPath := filepath.Join(configDir, "calls.db")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id               TEXT PRIMARY KEY,
			caller_id        TEXT NOT NULL,
			receiver_id      TEXT NOT NULL,
			kind             TEXT NOT NULL,
			status           TEXT NOT NULL,
			started_at       INTEGER DEFAULT 0,
			ended_at         INTEGER DEFAULT 0,
			duration_seconds INTEGER DEFAULT 0,
			recording_ref    TEXT DEFAULT '',
			created_at       INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			body            TEXT NOT NULL,
			created_at      INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`)

	return &Ledger{db: db, path: dbPath}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordOutcome upserts the terminal row for a call. Both parties may write
// the outcome of the same call on their own ledgers; replays overwrite with
// the latest view.
func (l *Ledger) RecordOutcome(ctx context.Context, c *callstate.Call) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO calls (id, caller_id, receiver_id, kind, status,
			started_at, ended_at, duration_seconds, recording_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_seconds = excluded.duration_seconds,
			recording_ref = excluded.recording_ref
	`, c.ID, c.CallerID, c.ReceiverID, string(c.Kind), string(c.Status),
		c.StartedAt, c.EndedAt, c.DurationSec, c.RecordingRef, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("record call %s: %w", c.ID, err)
	}
	return nil
}

// Call reads one call row.
func (l *Ledger) Call(ctx context.Context, id string) (*callstate.Call, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	row := l.db.QueryRowContext(ctx, `
		SELECT id, caller_id, receiver_id, kind, status,
			started_at, ended_at, duration_seconds, recording_ref, created_at
		FROM calls WHERE id = ?
	`, id)
	return scanCall(row)
}

// History lists the most recent calls involving userID, newest first.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*callstate.Call, error) {
	if limit <= 0 {
		limit = 50
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, caller_id, receiver_id, kind, status,
			started_at, ended_at, duration_seconds, recording_ref, created_at
		FROM calls
		WHERE caller_id = ? OR receiver_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	defer rows.Close()

	var out []*callstate.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*callstate.Call, error) {
	var c callstate.Call
	var kind, status string
	err := s.Scan(&c.ID, &c.CallerID, &c.ReceiverID, &kind, &status,
		&c.StartedAt, &c.EndedAt, &c.DurationSec, &c.RecordingRef, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Kind = callstate.Kind(kind)
	c.Status = callstate.Status(status)
	return &c, nil
}

// Message is one conversation entry.
type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      int64  `json:"created_at"`
}

// PostMessage appends a message to a conversation and returns its row ID.
func (l *Ledger) PostMessage(ctx context.Context, conversationID, senderID, body string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, body, created_at)
		VALUES (?, ?, ?, ?)
	`, conversationID, senderID, body, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("post message: %w", err)
	}
	return res.LastInsertId()
}

// Messages lists a conversation oldest first.
func (l *Ledger) Messages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, body, created_at
		FROM messages WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
