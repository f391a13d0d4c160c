package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStateBackend stores one row per conversation key in a local SQLite
// database. Suitable for single-node deployments.
type SQLiteStateBackend struct {
	db *sql.DB
}

func NewSQLiteStateBackend(path string) (*SQLiteStateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	b := &SQLiteStateBackend{db: db}
	if err := b.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *SQLiteStateBackend) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), stateOperationTimeout)
	defer cancel()
	_, err := b.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS conversation_state (
		conversation_key TEXT PRIMARY KEY,
		conversation_sid TEXT NOT NULL DEFAULT '',
		snapshot         TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	)`)
	return err
}

func (b *SQLiteStateBackend) Load(key string) (*ConversationState, error) {
	if b == nil || b.db == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateOperationTimeout)
	defer cancel()

	var payload string
	err := b.db.QueryRowContext(ctx, `SELECT snapshot FROM conversation_state WHERE conversation_key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state ConversationState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *SQLiteStateBackend) Save(key string, state *ConversationState) error {
	if b == nil || b.db == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), stateOperationTimeout)
	defer cancel()

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO conversation_state (conversation_key, conversation_sid, snapshot, updated_at)
		VALUES (?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		ON CONFLICT (conversation_key)
		DO UPDATE SET conversation_sid = excluded.conversation_sid, snapshot = excluded.snapshot, updated_at = excluded.updated_at`,
		key, state.ConversationSID, string(payload))
	return err
}

func (b *SQLiteStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
