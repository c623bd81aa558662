package state

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "arcyd.db")
	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestStoreGetMissingReturnsEmptyObject(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	raw, err := s.Get(context.Background(), NamespaceURLWatch, "snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestStorePutReplacesEntry(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, NamespaceURLWatch, "snapshot", json.RawMessage(`{"a":"1"}`)))
	require.NoError(t, s.Put(ctx, NamespaceURLWatch, "snapshot", json.RawMessage(`{"b":"2"}`)))

	raw, err := s.Get(ctx, NamespaceURLWatch, "snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"2"}`, string(raw))

	require.NoError(t, s.Delete(ctx, NamespaceURLWatch, "snapshot"))
	raw, err = s.Get(ctx, NamespaceURLWatch, "snapshot")
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))
}

func TestStorePutRejectsNonObjects(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	assert.Error(t, s.Put(context.Background(), NamespaceURLWatch, "snapshot", json.RawMessage(`[1,2]`)))
	assert.Error(t, s.Put(context.Background(), "", "snapshot", json.RawMessage(`{}`)))
}

func TestStoreShallowMergeReplacesTopLevelKeys(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()

	_, err := s.ShallowMerge(ctx, NamespaceBranchHeads, "repo", json.RawMessage(`{"a":1,"b":{"x":1}}`))
	require.NoError(t, err)
	merged, err := s.ShallowMerge(ctx, NamespaceBranchHeads, "repo", json.RawMessage(`{"b":{"y":2}}`))
	require.NoError(t, err)

	// "b" is replaced, not deep-merged.
	assert.JSONEq(t, `{"a":1,"b":{"y":2}}`, string(merged))
}

func TestStoreEntrySizeLimit(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	big := strings.Repeat("a", DefaultMaxEntryBytes+100_000)
	update := json.RawMessage(`{"blob":"` + big + `"}`)

	_, err := s.ShallowMerge(context.Background(), NamespaceBranchHeads, "repo", update)
	assert.Error(t, err)
	assert.Error(t, s.Put(context.Background(), NamespaceBranchHeads, "repo", update))
}
