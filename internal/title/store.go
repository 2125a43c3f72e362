// Package title tracks which titles each player has unlocked and which
// one is currently worn. The store never hands out a current title the
// player does not also hold unlocked.
package title

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotUnlocked is returned when a player selects a title they do not
// hold.
var ErrNotUnlocked = errors.New("title not unlocked")

// State is a point-in-time copy of one player's title state, suitable
// for persistence.
type State struct {
	Current  string
	Unlocked []string
}

type record struct {
	current  string
	unlocked map[string]struct{}
}

func newRecord() *record {
	return &record{unlocked: make(map[string]struct{})}
}

func (r *record) holds(id string) bool {
	_, ok := r.unlocked[id]
	return ok
}

// Store holds title state for every session currently loaded.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

func (s *Store) record(player string) *record {
	rec, ok := s.records[player]
	if !ok {
		rec = newRecord()
		s.records[player] = rec
	}
	return rec
}

// Current returns the title the player is wearing. The second result is
// false when no title is selected.
func (s *Store) Current(player string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	if !ok || rec.current == "" {
		return "", false
	}
	return rec.current, true
}

// Unlocked returns the player's unlocked title ids in sorted order.
func (s *Store) Unlocked(player string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.unlocked))
	for id := range rec.unlocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnlockedCount reports how many titles the player holds.
func (s *Store) UnlockedCount(player string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	if !ok {
		return 0
	}
	return len(rec.unlocked)
}

// IsUnlocked reports whether the player holds the title.
func (s *Store) IsUnlocked(player, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	return ok && rec.holds(id)
}

// SetCurrent selects a held title, or clears the selection when id is
// empty. It returns the previously worn title.
func (s *Store) SetCurrent(player, id string) (previous string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(player)
	previous = rec.current
	if id == "" {
		rec.current = ""
		return previous, nil
	}
	if !rec.holds(id) {
		return previous, ErrNotUnlocked
	}
	rec.current = id
	return previous, nil
}

// Unlock grants a title. It reports whether the grant was new.
func (s *Store) Unlock(player, id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(player)
	if rec.holds(id) {
		return false
	}
	rec.unlocked[id] = struct{}{}
	return true
}

// Revoke removes a title from the player's unlocked set. When the
// revoked title was worn, the selection is cleared as well.
func (s *Store) Revoke(player, id string) (removed, clearedCurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	if !ok || !rec.holds(id) {
		return false, false
	}
	delete(rec.unlocked, id)
	if rec.current == id {
		rec.current = ""
		clearedCurrent = true
	}
	return true, clearedCurrent
}

// PruneInvalid drops every unlocked title the valid predicate rejects
// and clears the worn title when it no longer survives. The count is
// the number of entries pruned; a worn title that was itself one of
// the dropped unlocks counts once, not twice.
func (s *Store) PruneInvalid(player string, valid func(string) bool) (count int, clearedCurrent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	if !ok {
		return 0, false
	}
	removedCurrent := false
	for id := range rec.unlocked {
		if valid(id) {
			continue
		}
		delete(rec.unlocked, id)
		count++
		if id == rec.current {
			removedCurrent = true
		}
	}
	if rec.current != "" && !rec.holds(rec.current) {
		rec.current = ""
		clearedCurrent = true
		if !removedCurrent {
			count++
		}
	}
	return count, clearedCurrent
}

// Snapshot copies the player's state for persistence.
func (s *Store) Snapshot(player string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[player]
	if !ok {
		return State{}, false
	}
	state := State{Current: rec.current}
	state.Unlocked = make([]string, 0, len(rec.unlocked))
	for id := range rec.unlocked {
		state.Unlocked = append(state.Unlocked, id)
	}
	sort.Strings(state.Unlocked)
	return state, true
}

// Restore replaces the player's state with a persisted copy. A worn
// title missing from the unlocked set is cleared rather than trusted.
func (s *Store) Restore(player string, state State) {
	rec := newRecord()
	for _, id := range state.Unlocked {
		if id == "" {
			continue
		}
		rec.unlocked[id] = struct{}{}
	}
	if state.Current != "" && rec.holds(state.Current) {
		rec.current = state.Current
	}
	s.mu.Lock()
	s.records[player] = rec
	s.mu.Unlock()
}

// Forget drops the player's in-memory state. Callers persist first.
func (s *Store) Forget(player string) {
	s.mu.Lock()
	delete(s.records, player)
	s.mu.Unlock()
}

// Players returns the ids with loaded state, sorted.
func (s *Store) Players() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
