package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/chat-explorer/internal/models"

	// Registers the pure-Go "sqlite" driver.
	_ "modernc.org/sqlite"
)

// SQLite implements the engine Store interface on top of a single SQLite table holding one JSON document per
// key.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `CREATE TABLE IF NOT EXISTS snapshots (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// NewSQLite opens (or creates) the database file at path and prepares its schema.
func NewSQLite(path string) (SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return SQLite{}, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// A single connection serializes writers, which is all a single-session client needs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return SQLite{}, fmt.Errorf("failed to create schema: %w", err)
	}

	return SQLite{db: db}, nil
}

// Load retrieves the conversation list stored under key. It reports false when nothing has been stored yet.
func (s SQLite) Load(ctx context.Context, key string) ([]models.Conversation, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM snapshots WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read conversations: %w", err)
	}

	convs, err := decodeConversations(raw)
	if err != nil {
		return nil, false, err
	}
	return convs, true, nil
}

// Save replaces the conversation list stored under key.
func (s SQLite) Save(ctx context.Context, key string, conversations []models.Conversation) error {
	v, err := encodeConversations(conversations)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, v)
	if err != nil {
		return fmt.Errorf("failed to write conversations: %w", err)
	}
	return nil
}

// Close releases the underlying database.
func (s SQLite) Close() error {
	return s.db.Close()
}
