package inspect

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/storage"
)

func seededStore(t *testing.T) *state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "arcyd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := state.NewStore(db)

	ctx := context.Background()
	start := time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordPass(ctx, state.PassRecord{
		ID:         "pass-1",
		Status:     "succeeded",
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
	}))
	_, err = store.RecordDiff(ctx, state.DiffRecord{
		PassID:     "pass-1",
		Repo:       "alpha",
		Branch:     "origin/r/master/feature",
		Base:       "origin/master",
		Head:       "abc123",
		Outcome:    state.DiffUploaded,
		Size:       900,
		FullSize:   5000,
		MaxSize:    1000,
		Reductions: json.RawMessage(`[{"kind":"less_context","context_lines":100,"size_utf8_bytes":900}]`),
		DiffID:     "42",
	})
	require.NoError(t, err)
	_, err = store.RecordDiff(ctx, state.DiffRecord{
		PassID:  "pass-1",
		Repo:    "alpha",
		Branch:  "origin/r/master/huge",
		Base:    "origin/master",
		Head:    "def456",
		Outcome: state.DiffTooLarge,
		Error:   "diff too large",
	})
	require.NoError(t, err)
	return store
}

func TestBuildReportRendersBranches(t *testing.T) {
	t.Parallel()

	out, err := BuildReport(context.Background(), seededStore(t), "")
	require.NoError(t, err)

	assert.Contains(t, out, "Pass ID     : pass-1")
	assert.Contains(t, out, "Duration    : 1m30s")
	assert.Contains(t, out, "Branches    : 2")
	assert.Contains(t, out, "[1] alpha :: origin/r/master/feature")
	assert.Contains(t, out, "diff       : D42")
	assert.Contains(t, out, "reductions : less_context(100 lines) -> 900 bytes")
	assert.Contains(t, out, "[2] alpha :: origin/r/master/huge")
	assert.Contains(t, out, "error      : diff too large")
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.False(t, strings.HasSuffix(out, "\n\n"))
}

func TestBuildJSONReport(t *testing.T) {
	t.Parallel()

	out, err := BuildJSONReport(context.Background(), seededStore(t), "pass-1")
	require.NoError(t, err)

	var report Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "pass-1", report.PassID)
	assert.Equal(t, []string{}, report.Failed)
	require.Len(t, report.Branches, 2)
	assert.Equal(t, "too_large", report.Branches[1].Outcome)
}

func TestBuildReportUnknownPass(t *testing.T) {
	t.Parallel()

	_, err := BuildReport(context.Background(), seededStore(t), "nope")
	assert.ErrorIs(t, err, state.ErrNoPass)
}

func TestDescribeReductionsIgnoresGarbage(t *testing.T) {
	assert.Empty(t, describeReductions(json.RawMessage(`not json`)))
	assert.Empty(t, describeReductions(json.RawMessage(`[]`)))
}
