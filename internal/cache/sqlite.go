package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists entries across runs in a sqlite database.
type SQLiteStore struct {
	db    *sql.DB
	owned bool
}

// OpenSQLite opens (or creates) a cache database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	s, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteStore uses an existing database handle. The caller keeps
// ownership of db.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			step TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_entries_step ON cache_entries(step)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM cache_entries WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	e, err := Decode(payload)
	if err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

// Put implements Store. A single INSERT OR REPLACE keeps each key write
// atomic.
func (s *SQLiteStore) Put(ctx context.Context, entry Entry) error {
	payload, err := Encode(entry)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, step, payload, created_at) VALUES (?, ?, ?, ?)`,
		entry.Key, entry.Step, payload, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Prune deletes entries for a step name.
func (s *SQLiteStore) Prune(ctx context.Context, step string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE step = ?`, step)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
