package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"crestfall/server/internal/telemetry"
)

// FileStore persists the whole player table as one YAML document and
// rewrites it atomically on every save. Suited to small communities;
// larger deployments use the SQLite backend.
type FileStore struct {
	path   string
	logger telemetry.Logger

	mu     sync.Mutex
	states map[string]PlayerState
}

type fileDocument struct {
	Players map[string]yaml.Node `yaml:"players"`
}

// OpenFileStore loads the document at path, creating parent directories
// as needed. Malformed player entries are skipped with a warning rather
// than failing the whole load.
func OpenFileStore(path string, logger telemetry.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store := &FileStore{path: path, logger: logger, states: make(map[string]PlayerState)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for id, node := range doc.Players {
		var state PlayerState
		if err := node.Decode(&state); err != nil {
			if logger != nil {
				logger.Printf("skipping malformed entry for player %s: %v", id, err)
			}
			continue
		}
		store.states[id] = state
	}
	return store, nil
}

func (s *FileStore) Load(_ context.Context, playerID string) (PlayerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[playerID]
	if !ok {
		return PlayerState{}, false, nil
	}
	return cloneState(state), true, nil
}

func (s *FileStore) Save(ctx context.Context, playerID string, state PlayerState) error {
	return s.SaveAll(ctx, map[string]PlayerState{playerID: state})
}

func (s *FileStore) SaveAll(_ context.Context, states map[string]PlayerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range states {
		s.states[id] = cloneState(state)
	}
	return s.flushLocked()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

// flushLocked writes the document to a sibling temp file and renames it
// over the target, so a crash mid-write never truncates the data.
func (s *FileStore) flushLocked() error {
	out := struct {
		Players map[string]PlayerState `yaml:"players"`
	}{Players: s.states}
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode player table: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
