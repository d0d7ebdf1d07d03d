// Package cdcstore provides a Postgres-backed implementation of
// internal/kv.Store, used by the CDC coordinator to persist
// shardRegistrations and lastSequence durably: "durable" means the same
// thing everywhere in this codebase, a Store implementation, just a
// pgxpool-backed one here instead of the in-memory one C4/C5 use in tests.
package cdcstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dreamware/graphshard/internal/kv"
)

const schema = `
CREATE TABLE IF NOT EXISTS cdcstore_rows (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
)`

// Store is a kv.Store backed by a single Postgres table. It intentionally
// implements the same narrow interface as kv.MemoryStore so the CDC
// coordinator's registration/sequence bookkeeping doesn't know or care
// which backend it's talking to.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to connString and ensures the backing table exists.
func Open(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("cdcstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cdcstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("cdcstore: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) Get(key string) ([]byte, error) {
	ctx := context.Background()
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM cdcstore_rows WHERE key = $1`, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cdcstore: get %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) Put(key string, value []byte) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cdcstore_rows (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("cdcstore: put %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	ctx := context.Background()
	_, err := s.pool.Exec(ctx, `DELETE FROM cdcstore_rows WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("cdcstore: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) ListPrefix(prefix string) []string {
	ctx := context.Background()
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM cdcstore_rows WHERE key LIKE $1 || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return keys
		}
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) Stats() kv.StoreStats {
	ctx := context.Background()
	var keys, bytes int
	err := s.pool.QueryRow(ctx, `SELECT count(*), coalesce(sum(length(value)), 0) FROM cdcstore_rows`).Scan(&keys, &bytes)
	if err != nil {
		return kv.StoreStats{}
	}
	return kv.StoreStats{Keys: keys, Bytes: bytes}
}
