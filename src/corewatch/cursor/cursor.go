// Package cursor implements the per-chain persisted cursor (spec §3/§9):
// the highest block height the core has fully processed. The cursor is
// read at the start of every block scan (at monitor startup, and on later
// scans) and advanced only after a block's transactions have been
// processed, so a restart resumes scanning instead
// of silently resetting to the chain tip — the bug spec §9 names and
// explicitly decides must not be reproduced.
package cursor

import (
	"context"
	"sync"

	"github.com/meridianpay/corewatch"
)

// Store persists one height per chain.
type Store interface {
	// GetCursor returns the last fully-processed height for chain, or
	// (0, false) if no cursor has ever been recorded.
	GetCursor(ctx context.Context, chain corewatch.Chain) (height int64, found bool, err error)
	// SetCursor advances the persisted height for chain. Callers must only
	// call this after every transaction in [previous cursor, height] has
	// been durably recorded, never speculatively.
	SetCursor(ctx context.Context, chain corewatch.Chain, height int64) error
}

// MemoryStore is an in-memory reference Store, the default when no
// external persistence is configured.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[corewatch.Chain]int64
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[corewatch.Chain]int64)}
}

func (s *MemoryStore) GetCursor(_ context.Context, chain corewatch.Chain) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	height, ok := s.cursors[chain]
	return height, ok, nil
}

func (s *MemoryStore) SetCursor(_ context.Context, chain corewatch.Chain, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cursors[chain]; ok && height < existing {
		return corewatch.NewPermanentError(corewatch.ErrCodeInvalidStatus, "cursor must not move backward", nil)
	}
	s.cursors[chain] = height
	return nil
}
