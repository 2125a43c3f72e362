// Package storage persists per-player title state. Writes are last
// write wins; all mutation funnels through one process, so there is no
// conflict detection.
package storage

import (
	"context"
	"sort"
	"sync"
)

// PlayerState is the persisted shape of one player's titles.
type PlayerState struct {
	Current  string   `yaml:"current,omitempty" json:"current,omitempty"`
	Unlocked []string `yaml:"unlocked" json:"unlocked"`
}

// Store is the persistence boundary for player title state.
type Store interface {
	// Load reads one player's state. The second result is false when
	// the player has never been saved.
	Load(ctx context.Context, playerID string) (PlayerState, bool, error)
	// Save writes one player's state.
	Save(ctx context.Context, playerID string, state PlayerState) error
	// SaveAll writes a batch in one pass.
	SaveAll(ctx context.Context, states map[string]PlayerState) error
	// Close flushes and releases the backend.
	Close() error
}

// MemoryStore keeps state in a map. Used by tests and by ephemeral
// deployments that accept losing state on restart.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]PlayerState
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]PlayerState)}
}

func (s *MemoryStore) Load(_ context.Context, playerID string) (PlayerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[playerID]
	if !ok {
		return PlayerState{}, false, nil
	}
	return cloneState(state), true, nil
}

func (s *MemoryStore) Save(_ context.Context, playerID string, state PlayerState) error {
	s.mu.Lock()
	s.states[playerID] = cloneState(state)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SaveAll(_ context.Context, states map[string]PlayerState) error {
	s.mu.Lock()
	for id, state := range states {
		s.states[id] = cloneState(state)
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Players returns the saved ids, sorted.
func (s *MemoryStore) Players() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneState(state PlayerState) PlayerState {
	copied := PlayerState{Current: state.Current}
	if state.Unlocked != nil {
		copied.Unlocked = append([]string(nil), state.Unlocked...)
	}
	return copied
}
