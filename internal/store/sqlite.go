// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Upserts watermark checkpoints with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so updated_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			conversation_id TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			endpoint        TEXT NOT NULL DEFAULT '',
			watermark       TEXT NOT NULL DEFAULT '',
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_user_updated
			ON checkpoints(user_id, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// SaveCheckpoint inserts or replaces the checkpoint for cp.ConversationID.
// A zero UpdatedAt is stamped with the current time.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return errors.New("checkpoint has no conversation id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO checkpoints (conversation_id, user_id, endpoint, watermark, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			user_id = excluded.user_id,
			endpoint = excluded.endpoint,
			watermark = excluded.watermark,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cp.ConversationID,
		cp.UserID,
		cp.Endpoint,
		cp.Watermark,
		cp.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	s.logger.Debug("saved checkpoint", "conversation_id", cp.ConversationID, "watermark", cp.Watermark)
	return nil
}

// GetCheckpoint retrieves the checkpoint of a conversation.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, conversationID string) (*Checkpoint, error) {
	query := `
		SELECT conversation_id, user_id, endpoint, watermark, updated_at
		FROM checkpoints
		WHERE conversation_id = ?
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, conversationID))
}

// LatestCheckpoint retrieves the most recently updated checkpoint of a user.
// Returns ErrNotFound if the user has none.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, userID string) (*Checkpoint, error) {
	query := `
		SELECT conversation_id, user_id, endpoint, watermark, updated_at
		FROM checkpoints
		WHERE user_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, userID))
}

// ListCheckpoints returns checkpoints, most recently updated first.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error) {
	query := `
		SELECT conversation_id, user_id, endpoint, watermark, updated_at
		FROM checkpoints
		ORDER BY updated_at DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checkpoints: %w", err)
	}
	return checkpoints, nil
}

// DeleteCheckpoint removes the checkpoint of a conversation.
// Returns ErrNotFound if there is none.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted checkpoint", "conversation_id", conversationID)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanOne(row scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var updatedAtStr string

	err := row.Scan(&cp.ConversationID, &cp.UserID, &cp.Endpoint, &cp.Watermark, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning checkpoint: %w", err)
	}

	cp.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cp, nil
}
