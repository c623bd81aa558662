// Package state persists arcyd's cross-pass caches and its audit trail in
// the local sqlite file. Caches are JSON objects addressed by namespace and
// key; the audit trail records every pass and every diff produced.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

const DefaultMaxEntryBytes = 1 << 20 // 1 MiB

// timeLayout keeps stored timestamps lexically sortable.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Cache namespaces.
const (
	NamespaceURLWatch    = "urlwatch"
	NamespaceBranchHeads = "branch_heads"
)

type Store struct {
	db            *sql.DB
	maxEntryBytes int
	now           func() time.Time
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		maxEntryBytes: DefaultMaxEntryBytes,
		now:           time.Now,
	}
}

// Get returns the cached object for namespace/key, or {} if missing.
func (s *Store) Get(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	if err := checkAddress(namespace, key); err != nil {
		return nil, err
	}

	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM cache_entries WHERE namespace = ? AND key = ?;", namespace, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored cache entry is invalid JSON for %s/%s", namespace, key)
	}
	return json.RawMessage(raw), nil
}

// Put replaces the cached object for namespace/key.
func (s *Store) Put(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := checkAddress(namespace, key); err != nil {
		return err
	}
	if _, err := decodeObjectOrEmpty(value); err != nil {
		return fmt.Errorf("decode cache entry: %w", err)
	}
	if len(value) == 0 {
		value = json.RawMessage(`{}`)
	}
	if len(value) > s.maxEntryBytes {
		return fmt.Errorf("cache entry exceeds max size (%d bytes)", s.maxEntryBytes)
	}
	return upsert(ctx, s.db, namespace, key, value, s.now())
}

// ShallowMerge applies updates as a shallow merge (top-level keys replaced).
// The merged object is persisted and returned.
func (s *Store) ShallowMerge(ctx context.Context, namespace, key string, updates json.RawMessage) (json.RawMessage, error) {
	if err := checkAddress(namespace, key); err != nil {
		return nil, err
	}

	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx,
		"SELECT value FROM cache_entries WHERE namespace = ? AND key = ?;", namespace, key).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored entry: %w", err)
	}

	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged entry: %w", err)
	}
	if len(merged) > s.maxEntryBytes {
		return nil, fmt.Errorf("cache entry exceeds max size (%d bytes)", s.maxEntryBytes)
	}

	if err := upsert(ctx, tx, namespace, key, merged, s.now()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

// Delete drops the cached object for namespace/key if present.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := checkAddress(namespace, key); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE namespace = ? AND key = ?;", namespace, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, namespace, key string, value json.RawMessage, now time.Time) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO cache_entries(namespace, key, value, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(namespace, key) DO UPDATE SET
  value = excluded.value,
  updated_at = excluded.updated_at;
`, namespace, key, string(value), now.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func checkAddress(namespace, key string) error {
	if namespace == "" {
		return fmt.Errorf("cache namespace is empty")
	}
	if key == "" {
		return fmt.Errorf("cache key is empty")
	}
	return nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("invalid JSON")
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
