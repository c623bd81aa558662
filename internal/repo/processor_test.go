package repo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/config"
	"github.com/mattjoyce/arcyd/internal/differ"
	"github.com/mattjoyce/arcyd/internal/events"
	"github.com/mattjoyce/arcyd/internal/git"
	"github.com/mattjoyce/arcyd/internal/repo/mocks"
	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/status"
	"github.com/mattjoyce/arcyd/internal/storage"
	"github.com/mattjoyce/arcyd/internal/urlwatch"
)

type finished struct {
	summary status.RepoSummary
	err     error
}

type fakeReporter struct {
	started  []string
	finished []finished
}

func (r *fakeReporter) StartRepo(name string) { r.started = append(r.started, name) }
func (r *fakeReporter) FinishRepo(_ string, summary status.RepoSummary, err error) {
	r.finished = append(r.finished, finished{summary, err})
}

type fixture struct {
	git      *mocks.MockGit
	uploader *mocks.MockUploader
	store    *state.Store
	reporter *fakeReporter
	hub      *events.Hub
	cfg      config.RepoConfig
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	dir := t.TempDir()

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(dir, "arcyd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return &fixture{
		git:      mocks.NewMockGit(ctrl),
		uploader: mocks.NewMockUploader(ctrl),
		store:    state.NewStore(db),
		reporter: &fakeReporter{},
		hub:      events.NewHub(64),
		cfg: config.RepoConfig{
			RepoPath:     filepath.Join(dir, "repo"),
			TryTouchPath: filepath.Join(dir, "touch", "try"),
			OKTouchPath:  filepath.Join(dir, "touch", "ok"),
		},
		dir: dir,
	}
}

func (f *fixture) processor(t *testing.T, maxBytes int, watcher Watcher) *Processor {
	t.Helper()
	p, err := New(Options{
		Name:     "alpha",
		Config:   f.cfg,
		Git:      f.git,
		Uploader: f.uploader,
		Watcher:  watcher,
		Store:    f.store,
		Reporter: f.reporter,
		Hub:      f.hub,
		MaxBytes: maxBytes,
	})
	require.NoError(t, err)
	return p
}

func (f *fixture) diffs(t *testing.T) []state.DiffRecord {
	t.Helper()
	recs, err := f.store.RecentDiffs(context.Background(), "alpha", 10)
	require.NoError(t, err)
	return recs
}

func (f *fixture) heads(t *testing.T) map[string]string {
	t.Helper()
	raw, err := f.store.Get(context.Background(), state.NamespaceBranchHeads, "alpha")
	require.NoError(t, err)
	heads := map[string]string{}
	require.NoError(t, json.Unmarshal(raw, &heads))
	return heads
}

func branch(desc, head string) git.ReviewBranch {
	return git.ReviewBranch{Name: "origin/r/master/" + desc, Base: "master", Description: desc, Head: head}
}

func TestProcessUploadsNewBranchOnce(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 1000, nil)
	ctx := context.Background()
	feature := branch("feature", "abc123")

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil).Times(2)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{feature}, nil).Times(2)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", "abc123", differ.FullContextLines).Return("diff --git a/x b/x\n", nil)
	f.uploader.EXPECT().CreateRawDiff(gomock.Any(), "diff --git a/x b/x\n").Return("17", nil)

	require.NoError(t, p.Process(ctx))
	require.NoError(t, p.Process(ctx))

	recs := f.diffs(t)
	require.Len(t, recs, 1)
	assert.Equal(t, state.DiffUploaded, recs[0].Outcome)
	assert.Equal(t, "17", recs[0].DiffID)
	assert.Equal(t, "origin/master", recs[0].Base)
	assert.Equal(t, 1000, recs[0].MaxSize)
	assert.JSONEq(t, `[]`, string(recs[0].Reductions))

	assert.Equal(t, map[string]string{"origin/r/master/feature": "abc123"}, f.heads(t))
	assert.FileExists(t, f.cfg.TryTouchPath)
	assert.FileExists(t, f.cfg.OKTouchPath)

	require.Len(t, f.reporter.finished, 2)
	assert.Equal(t, status.RepoSummary{Branches: 1, Uploaded: 1}, f.reporter.finished[0].summary)
	assert.Equal(t, status.RepoSummary{Branches: 1, Skipped: 1}, f.reporter.finished[1].summary)
}

func TestProcessRecordsReductions(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 20, nil)

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{branch("big", "def")}, nil)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", "def", differ.FullContextLines).Return(strings.Repeat("x", 40), nil)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", "def", differ.GoodContextLines).Return(strings.Repeat("x", 10), nil)
	f.uploader.EXPECT().CreateRawDiff(gomock.Any(), strings.Repeat("x", 10)).Return("18", nil)

	require.NoError(t, p.Process(context.Background()))

	recs := f.diffs(t)
	require.Len(t, recs, 1)
	assert.Equal(t, 40, recs[0].FullSize)
	assert.Equal(t, 10, recs[0].Size)
	assert.JSONEq(t, `[{"kind":"less_context","context_lines":1000,"size_utf8_bytes":10}]`, string(recs[0].Reductions))

	_, ok := f.hub.Latest(events.DiffReduced)
	assert.True(t, ok)
}

func TestProcessSkipsEmptyDiff(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 1000, nil)

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{branch("empty", "e1")}, nil)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", "e1", differ.FullContextLines).Return("", nil)

	require.NoError(t, p.Process(context.Background()))

	recs := f.diffs(t)
	require.Len(t, recs, 1)
	assert.Equal(t, state.DiffNoChange, recs[0].Outcome)
	assert.Equal(t, "e1", f.heads(t)["origin/r/master/empty"])
}

func TestProcessReportsTooLargeWithoutFailing(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 10, nil)

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{branch("huge", "h1")}, nil)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", "h1", gomock.Any()).Return(strings.Repeat("y", 100), nil).Times(4)
	f.git.EXPECT().StatRange(gomock.Any(), "origin/master", "h1").Return(" y | 100 ++++\n", nil)

	require.NoError(t, p.Process(context.Background()))

	recs := f.diffs(t)
	require.Len(t, recs, 1)
	assert.Equal(t, state.DiffTooLarge, recs[0].Outcome)
	assert.Contains(t, recs[0].Error, "diff too big")
	assert.Equal(t, status.RepoSummary{Branches: 1, TooLarge: 1}, f.reporter.finished[0].summary)

	_, ok := f.hub.Latest(events.DiffTooLarge)
	assert.True(t, ok)
}

func TestProcessUploadFailureIsRetriedNextTime(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 1000, nil)
	ctx := context.Background()
	boom := errors.New("conduit down")

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil).Times(2)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{branch("feature", "f1")}, nil).Times(2)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", "f1", differ.FullContextLines).Return("d\n", nil).Times(2)
	gomock.InOrder(
		f.uploader.EXPECT().CreateRawDiff(gomock.Any(), "d\n").Return("", boom),
		f.uploader.EXPECT().CreateRawDiff(gomock.Any(), "d\n").Return("19", nil),
	)

	err := p.Process(ctx)
	require.ErrorIs(t, err, boom)
	assert.Empty(t, f.heads(t))
	assert.NoFileExists(t, f.cfg.OKTouchPath)
	assert.ErrorIs(t, f.reporter.finished[0].err, boom)

	require.NoError(t, p.Process(ctx))
	recs := f.diffs(t)
	require.Len(t, recs, 2)
	assert.Equal(t, state.DiffUploaded, recs[0].Outcome)
	assert.Equal(t, state.DiffFailed, recs[1].Outcome)
}

func TestProcessForgetsDeletedBranches(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 1000, nil)
	ctx := context.Background()
	a, b := branch("a", "1"), branch("b", "2")

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil).Times(2)
	gomock.InOrder(
		f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{a, b}, nil),
		f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return([]git.ReviewBranch{a}, nil),
	)
	f.git.EXPECT().RawDiffRange(gomock.Any(), "origin/master", gomock.Any(), differ.FullContextLines).Return("", nil).Times(2)

	require.NoError(t, p.Process(ctx))
	assert.Len(t, f.heads(t), 2)
	require.NoError(t, p.Process(ctx))
	assert.Equal(t, map[string]string{"origin/r/master/a": "1"}, f.heads(t))
}

func TestProcessFetchesOnlyWhenSnoopURLChanges(t *testing.T) {
	f := newFixture(t)
	body := "refs-v1"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	f.cfg.RepoSnoopURL = srv.URL + "/info/refs"

	watcher := urlwatch.New(srv.Client())
	p := f.processor(t, 1000, watcher)
	ctx := context.Background()

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil).Times(2)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return(nil, nil).Times(3)

	require.NoError(t, p.Process(ctx))
	require.NoError(t, p.Process(ctx))

	body = "refs-v2"
	require.NoError(t, watcher.Refresh(ctx))
	require.NoError(t, p.Process(ctx))

	restored := urlwatch.New(nil)
	require.NoError(t, LoadWatcher(ctx, f.store, restored))
	assert.Equal(t, []string{f.cfg.RepoSnoopURL}, restored.URLs())
}

func TestProcessRetriesFetchAfterFailureWithSnoopURL(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("refs-v1"))
	}))
	t.Cleanup(srv.Close)
	f.cfg.RepoSnoopURL = srv.URL + "/info/refs"

	watcher := urlwatch.New(srv.Client())
	p := f.processor(t, 1000, watcher)
	ctx := context.Background()

	gomock.InOrder(
		f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(errors.New("transient fetch failure")),
		f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(nil),
	)
	f.git.EXPECT().ReviewBranches(gomock.Any(), "origin").Return(nil, nil).Times(3)

	assert.ErrorContains(t, p.Process(ctx), "transient fetch failure")
	require.NoError(t, p.Process(ctx))

	// the successful fetch consumed the change
	require.NoError(t, p.Process(ctx))
	changed, err := watcher.PeekHasChanged(ctx, f.cfg.RepoSnoopURL)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestProcessFetchErrorStopsEarly(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 1000, nil)
	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(errors.New("network"))

	err := p.Process(context.Background())
	assert.ErrorContains(t, err, "fetch origin: network")
	assert.FileExists(t, f.cfg.TryTouchPath)
}

func TestOperationRetriesProcess(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, 1000, nil)
	op := p.Operation(nil, nil)

	f.git.EXPECT().Fetch(gomock.Any(), "origin").Return(errors.New("network"))
	assert.Equal(t, "alpha", op.Name())
	assert.Error(t, op.Run(context.Background()))
}

func TestNewValidatesOptions(t *testing.T) {
	f := newFixture(t)
	base := Options{Name: "alpha", Git: f.git, Uploader: f.uploader, Store: f.store, MaxBytes: 1}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"no name", func(o *Options) { o.Name = "" }},
		{"no git", func(o *Options) { o.Git = nil }},
		{"no uploader", func(o *Options) { o.Uploader = nil }},
		{"no store", func(o *Options) { o.Store = nil }},
		{"zero budget", func(o *Options) { o.MaxBytes = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}
}

func TestTouch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b")
	when := time.Date(2014, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, touch(path, when))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(when))
	assert.NoError(t, touch("", when))
}
