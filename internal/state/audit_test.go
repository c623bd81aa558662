package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDiffAndRecentDiffs(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, err := s.RecordDiff(ctx, DiffRecord{
		PassID:     "pass-1",
		Repo:       "alpha",
		Branch:     "origin/r/master/feature",
		Base:       "origin/master",
		Head:       "abc123",
		Outcome:    DiffUploaded,
		Size:       400000,
		FullSize:   2000000,
		MaxSize:    500000,
		Reductions: json.RawMessage(`[{"kind":"less_context","context_lines":1000,"size_utf8_bytes":400000}]`),
		DiffID:     "42",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = s.RecordDiff(ctx, DiffRecord{
		Repo:    "beta",
		Branch:  "origin/r/master/huge",
		Base:    "origin/master",
		Head:    "def456",
		Outcome: DiffTooLarge,
		Error:   "diff too big",
	})
	require.NoError(t, err)

	all, err := s.RecentDiffs(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "beta", all[0].Repo)
	assert.JSONEq(t, `[]`, string(all[0].Reductions))
	assert.Equal(t, DiffTooLarge, all[0].Outcome)

	alpha, err := s.RecentDiffs(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, alpha, 1)
	assert.Equal(t, first.ID, alpha[0].ID)
	assert.Equal(t, "pass-1", alpha[0].PassID)
	assert.Equal(t, "42", alpha[0].DiffID)
	assert.Equal(t, 2000000, alpha[0].FullSize)
	assert.True(t, first.CreatedAt.Equal(alpha[0].CreatedAt))
}

func TestRecordDiffRequiresRepoAndBranch(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	_, err := s.RecordDiff(context.Background(), DiffRecord{Repo: "alpha"})
	assert.Error(t, err)
}

func TestRecordPassAndRecentPasses(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordPass(ctx, PassRecord{
		ID:         "p1",
		Status:     "succeeded",
		StartedAt:  start,
		FinishedAt: start.Add(time.Second),
	}))
	require.NoError(t, s.RecordPass(ctx, PassRecord{
		ID:         "p2",
		Status:     "fatal",
		StartedAt:  start.Add(time.Minute),
		FinishedAt: start.Add(time.Minute + time.Second),
		Failed:     []string{"repo-alpha", "sleep"},
		Error:      "boom",
	}))

	passes, err := s.RecentPasses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, passes, 2)
	assert.Equal(t, "p2", passes[0].ID)
	assert.Equal(t, []string{"repo-alpha", "sleep"}, passes[0].Failed)
	assert.Equal(t, "boom", passes[0].Error)
	assert.Equal(t, []string{}, passes[1].Failed)
	assert.True(t, start.Equal(passes[1].StartedAt))

	assert.Error(t, s.RecordPass(ctx, PassRecord{}))
}

func TestPassLookupAndDiffsForPass(t *testing.T) {
	t.Parallel()

	s := openStore(t)
	ctx := context.Background()
	start := time.Date(2014, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Pass(ctx, "")
	require.ErrorIs(t, err, ErrNoPass)

	for i, id := range []string{"p1", "p2"} {
		require.NoError(t, s.RecordPass(ctx, PassRecord{
			ID:         id,
			Status:     "succeeded",
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
		}))
	}
	for _, branch := range []string{"origin/r/master/a", "origin/r/master/b"} {
		_, err := s.RecordDiff(ctx, DiffRecord{
			PassID: "p1", Repo: "alpha", Branch: branch, Outcome: DiffUploaded,
		})
		require.NoError(t, err)
	}
	_, err = s.RecordDiff(ctx, DiffRecord{PassID: "p2", Repo: "alpha", Branch: "origin/r/master/c", Outcome: DiffNoChange})
	require.NoError(t, err)

	latest, err := s.Pass(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "p2", latest.ID)

	p1, err := s.Pass(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, start.Equal(p1.StartedAt))

	_, err = s.Pass(ctx, "missing")
	assert.ErrorIs(t, err, ErrNoPass)

	diffs, err := s.DiffsForPass(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, diffs, 2)
	assert.Equal(t, "origin/r/master/a", diffs[0].Branch)
	assert.Equal(t, "origin/r/master/b", diffs[1].Branch)
}
