package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS player_titles (
    player_id  TEXT PRIMARY KEY,
    current    TEXT NOT NULL DEFAULT '',
    unlocked   TEXT NOT NULL DEFAULT '[]',
    updated_at INTEGER NOT NULL
);`

// SQLiteStore persists player state in a single-file database. WAL
// keeps the periodic snapshot writes from blocking concurrent loads.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The driver serialises writes; extra pool connections only add
	// lock contention.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, playerID string) (PlayerState, bool, error) {
	var state PlayerState
	var unlocked string
	err := s.db.QueryRowContext(ctx,
		`SELECT current, unlocked FROM player_titles WHERE player_id = ?`, playerID,
	).Scan(&state.Current, &unlocked)
	if err == sql.ErrNoRows {
		return PlayerState{}, false, nil
	}
	if err != nil {
		return PlayerState{}, false, fmt.Errorf("load player %s: %w", playerID, err)
	}
	if err := json.Unmarshal([]byte(unlocked), &state.Unlocked); err != nil {
		return PlayerState{}, false, fmt.Errorf("decode unlocked for %s: %w", playerID, err)
	}
	return state, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, playerID string, state PlayerState) error {
	return s.upsert(ctx, s.db, playerID, state)
}

func (s *SQLiteStore) SaveAll(ctx context.Context, states map[string]PlayerState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save batch: %w", err)
	}
	for id, state := range states {
		if err := s.upsert(ctx, tx, id, state); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) upsert(ctx context.Context, db execer, playerID string, state PlayerState) error {
	unlocked := state.Unlocked
	if unlocked == nil {
		unlocked = []string{}
	}
	encoded, err := json.Marshal(unlocked)
	if err != nil {
		return fmt.Errorf("encode unlocked for %s: %w", playerID, err)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO player_titles (player_id, current, unlocked, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(player_id) DO UPDATE SET
    current = excluded.current,
    unlocked = excluded.unlocked,
    updated_at = excluded.updated_at`,
		playerID, state.Current, string(encoded), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save player %s: %w", playerID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
