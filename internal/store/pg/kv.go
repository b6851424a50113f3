// Package pg implements store.KV on top of Postgres via database/sql
// with the pgx/v5 stdlib driver, collapsed to one generic table since
// the sandbox control plane only ever needs key/value persistence.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Store implements store.KV backed by a single `sandbox_kv` table.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn and ensures the backing table exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg kv: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pg kv: ping: %w", err)
	}
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
			value jsonb NOT NULL,
			updated_at timestamptz NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("pg kv: migrate: %w", err)
	}
	return nil
}

func (s *Store) Get(key string, out any) (bool, error) {
	var raw []byte
	err := s.db.QueryRow(`SELECT value FROM sandbox_kv WHERE key = $1`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pg kv: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("pg kv: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("pg kv: encode %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sandbox_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, raw)
	if err != nil {
		return fmt.Errorf("pg kv: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM sandbox_kv WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("pg kv: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM sandbox_kv WHERE key LIKE $1 ORDER BY key`, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("pg kv: list %s: %w", prefix, err)
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
