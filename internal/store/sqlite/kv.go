// Package sqlite implements store.KV on an embedded SQLite database via
// modernc.org/sqlite (pure Go, no cgo) — an alternative to the Postgres
// backend for sandboxes that prefer a single local file over an external
// database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// Store implements store.KV backed by a local SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite kv: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sandbox_kv (
			key text PRIMARY KEY,
			value text NOT NULL,
			updated_at text NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("sqlite kv: migrate: %w", err)
	}
	return nil
}

func (s *Store) Get(key string, out any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM sandbox_kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite kv: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("sqlite kv: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("sqlite kv: encode %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sandbox_kv (key, value, updated_at) VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, string(raw))
	if err != nil {
		return fmt.Errorf("sqlite kv: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM sandbox_kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("sqlite kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM sandbox_kv WHERE key LIKE ? ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("sqlite kv: list %s: %w", prefix, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
