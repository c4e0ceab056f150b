// ABOUTME: In-memory Store implementation
// ABOUTME: Used in tests and when checkpoint persistence is disabled

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint // keyed by conversation ID
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]*Checkpoint),
	}
}

// SaveCheckpoint stores a copy of cp.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *Checkpoint) error {
	if cp.ConversationID == "" {
		return errors.New("checkpoint has no conversation id")
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := *cp
	m.checkpoints[c.ConversationID] = &c
	return nil
}

// GetCheckpoint retrieves a checkpoint by conversation ID.
func (m *MemoryStore) GetCheckpoint(_ context.Context, conversationID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, ok := m.checkpoints[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *cp
	return &c, nil
}

// LatestCheckpoint retrieves the newest checkpoint of a user.
func (m *MemoryStore) LatestCheckpoint(ctx context.Context, userID string) (*Checkpoint, error) {
	all, _ := m.ListCheckpoints(ctx, 0)
	for _, cp := range all {
		if cp.UserID == userID {
			return cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListCheckpoints returns copies of all checkpoints, newest first.
func (m *MemoryStore) ListCheckpoints(_ context.Context, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteCheckpoint removes a checkpoint.
func (m *MemoryStore) DeleteCheckpoint(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.checkpoints[conversationID]; !ok {
		return ErrNotFound
	}
	delete(m.checkpoints, conversationID)
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
