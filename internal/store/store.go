// ABOUTME: Checkpoint type and the Store interface for watermark persistence
// ABOUTME: A checkpoint holds the resume position of one conversation, never a token

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested checkpoint does not exist
var ErrNotFound = errors.New("not found")

// Checkpoint is the resume position of a conversation.
type Checkpoint struct {
	ConversationID string
	UserID         string
	Endpoint       string
	Watermark      string
	UpdatedAt      time.Time
}

// Store persists checkpoints.
type Store interface {
	// SaveCheckpoint inserts or replaces the checkpoint for its conversation.
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	// GetCheckpoint returns ErrNotFound for an unknown conversation.
	GetCheckpoint(ctx context.Context, conversationID string) (*Checkpoint, error)
	// LatestCheckpoint returns the most recently updated checkpoint for a
	// user, or ErrNotFound.
	LatestCheckpoint(ctx context.Context, userID string) (*Checkpoint, error)
	// ListCheckpoints returns checkpoints newest first; limit <= 0 means all.
	ListCheckpoints(ctx context.Context, limit int) ([]*Checkpoint, error)
	// DeleteCheckpoint returns ErrNotFound for an unknown conversation.
	DeleteCheckpoint(ctx context.Context, conversationID string) error
	Close() error
}
