// Package memstore provides an in-memory implementation of review.Store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/invoiceshield/internal/review"
)

// Store holds review cases in memory. Suitable for dev/testing.
type Store struct {
	mu     sync.RWMutex
	cases  map[string]*review.Case // case ID -> case
	seen   map[string]string       // batch fingerprint -> latest case ID (dedup)
	active map[string]string       // batch fingerprint -> pending/in-progress case ID
}

var _ review.Store = (*Store)(nil)

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		cases:  make(map[string]*review.Case),
		seen:   make(map[string]string),
		active: make(map[string]string),
	}
}

// Get retrieves a case by its ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*review.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// GetByFingerprint retrieves the latest case for a batch fingerprint, for deduplication. Returns a copy.
func (s *Store) GetByFingerprint(_ context.Context, fp string) (*review.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.seen[fp]
	if !ok {
		return nil, false, nil
	}
	cp := *s.cases[id]
	return &cp, true, nil
}

// Put stores a copy of the case. A case created after the one currently
// indexed for its fingerprint takes over the index.
func (s *Store) Put(_ context.Context, c *review.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[c.Fingerprint]; ok && id != c.ID && c.Status.Active() {
		return review.ErrActiveCase
	}
	switch {
	case c.Status.Active():
		s.active[c.Fingerprint] = c.ID
	case s.active[c.Fingerprint] == c.ID:
		delete(s.active, c.Fingerprint)
	}

	cp := *c
	s.cases[c.ID] = &cp
	if cur, ok := s.seen[c.Fingerprint]; !ok || cur == c.ID || !s.cases[cur].CreatedAt.After(c.CreatedAt) {
		s.seen[c.Fingerprint] = c.ID
	}
	return nil
}
