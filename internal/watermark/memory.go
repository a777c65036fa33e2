package watermark

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps watermarks in process memory. Used by tests and
// single-shot local runs where durability across restarts is not needed.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[string]*Watermark
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: make(map[string]*Watermark)}
}

func (s *MemoryStore) Get(ctx context.Context, tableID string) (*Watermark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[tableID]
	if !ok {
		return nil, nil
	}
	cloned := *wm
	return &cloned, nil
}

func (s *MemoryStore) CompareAndAdvance(ctx context.Context, tableID, expected, next string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.marks[tableID]
	if !ok {
		// First advance: expected is not checked against an absent row;
		// the insert arbitrates racing first advances.
		s.marks[tableID] = &Watermark{TableID: tableID, Marker: next, UpdatedAt: time.Now().UTC()}
		return nil
	}
	if current.Marker != expected {
		return NewConflict(tableID, expected, current.Marker)
	}
	current.Marker = next
	current.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
