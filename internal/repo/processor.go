// Package repo processes one configured repository per pass: it fetches
// when the remote moved, finds review branches with new heads, and uploads
// a size-bounded diff for each.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/arcyd/internal/config"
	"github.com/mattjoyce/arcyd/internal/differ"
	"github.com/mattjoyce/arcyd/internal/events"
	"github.com/mattjoyce/arcyd/internal/git"
	"github.com/mattjoyce/arcyd/internal/scheduler"
	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/status"
	"github.com/mattjoyce/arcyd/internal/urlwatch"
)

//go:generate mockgen -destination=mocks/mock_repo.go -package=mocks github.com/mattjoyce/arcyd/internal/repo Git,Uploader

// WatcherSnapshotKey is where the URL watcher state is kept in the
// urlwatch namespace.
const WatcherSnapshotKey = "snapshot"

// Git is the part of a working copy the processor needs.
type Git interface {
	differ.Source
	Fetch(ctx context.Context, remote string) error
	ReviewBranches(ctx context.Context, remote string) ([]git.ReviewBranch, error)
}

// Uploader sends a raw diff to the review server and returns its id.
type Uploader interface {
	CreateRawDiff(ctx context.Context, diff string) (string, error)
}

// Watcher reports whether a snoop URL changed since it was last seen.
type Watcher interface {
	PeekHasChanged(ctx context.Context, url string) (bool, error)
	HasChanged(ctx context.Context, url string) (bool, error)
	Snapshot() urlwatch.Snapshot
}

// Reporter receives per-repository progress.
type Reporter interface {
	StartRepo(name string)
	FinishRepo(name string, summary status.RepoSummary, err error)
}

// Options wires a Processor to its collaborators.
type Options struct {
	Name     string
	Config   config.RepoConfig
	Git      Git
	Uploader Uploader
	Watcher  Watcher
	Store    *state.Store
	Reporter Reporter
	Hub      *events.Hub
	Logger   *slog.Logger
	MaxBytes int
	Now      func() time.Time
}

// Processor handles one repository.
type Processor struct {
	name     string
	cfg      config.RepoConfig
	git      Git
	uploader Uploader
	watcher  Watcher
	store    *state.Store
	reporter Reporter
	hub      *events.Hub
	logger   *slog.Logger
	maxBytes int
	now      func() time.Time
}

// New validates opts and returns a Processor.
func New(opts Options) (*Processor, error) {
	switch {
	case opts.Name == "":
		return nil, errors.New("repo processor needs a name")
	case opts.Git == nil:
		return nil, fmt.Errorf("repo %s: no git repository", opts.Name)
	case opts.Uploader == nil:
		return nil, fmt.Errorf("repo %s: no uploader", opts.Name)
	case opts.Store == nil:
		return nil, fmt.Errorf("repo %s: no state store", opts.Name)
	case opts.MaxBytes <= 0:
		return nil, fmt.Errorf("repo %s: diff budget must be positive", opts.Name)
	}
	cfg := opts.Config
	if cfg.Remote == "" {
		cfg.Remote = config.DefaultRemote
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Processor{
		name:     opts.Name,
		cfg:      cfg,
		git:      opts.Git,
		uploader: opts.Uploader,
		watcher:  opts.Watcher,
		store:    opts.Store,
		reporter: opts.Reporter,
		hub:      opts.Hub,
		logger:   logger.With("component", "repo", "repo", opts.Name),
		maxBytes: opts.MaxBytes,
		now:      now,
	}, nil
}

// Name is the configured repository name.
func (p *Processor) Name() string { return p.name }

// Operation wraps Process in a RetryOperation using delays.
func (p *Processor) Operation(delays []time.Duration, notify scheduler.NotifyFunc, opts ...scheduler.RetryOption) *scheduler.RetryOperation {
	return scheduler.NewRetryOperation(p.name, p.Process, delays, notify, opts...)
}

// Process runs one attempt over the repository.
func (p *Processor) Process(ctx context.Context) (err error) {
	var summary status.RepoSummary
	if p.reporter != nil {
		p.reporter.StartRepo(p.name)
		defer func() { p.reporter.FinishRepo(p.name, summary, err) }()
	}
	defer func() {
		if saveErr := p.saveWatcher(ctx); saveErr != nil && err == nil {
			err = saveErr
		}
	}()

	if err := touch(p.cfg.TryTouchPath, p.now()); err != nil {
		return fmt.Errorf("touch try path: %w", err)
	}

	if err := p.fetchIfChanged(ctx); err != nil {
		return err
	}

	branches, err := p.git.ReviewBranches(ctx, p.cfg.Remote)
	if err != nil {
		return fmt.Errorf("list review branches: %w", err)
	}
	summary.Branches = len(branches)

	known, err := p.loadHeads(ctx)
	if err != nil {
		return err
	}

	current := make(map[string]string, len(branches))
	for _, b := range branches {
		current[b.Name] = b.Head
		if known[b.Name] == b.Head {
			summary.Skipped++
			continue
		}
		outcome, err := p.processBranch(ctx, b)
		if err != nil {
			return err
		}
		switch outcome {
		case state.DiffUploaded:
			summary.Uploaded++
		case state.DiffTooLarge:
			summary.TooLarge++
		default:
			summary.Skipped++
		}
		if err := p.markHead(ctx, b); err != nil {
			return err
		}
	}

	if err := p.saveHeads(ctx, current); err != nil {
		return err
	}
	if err := touch(p.cfg.OKTouchPath, p.now()); err != nil {
		return fmt.Errorf("touch ok path: %w", err)
	}
	p.logger.Debug("repository processed",
		"branches", summary.Branches,
		"uploaded", summary.Uploaded,
		"skipped", summary.Skipped,
		"too_large", summary.TooLarge,
	)
	return nil
}

func (p *Processor) fetchIfChanged(ctx context.Context) error {
	snoop := p.cfg.RepoSnoopURL != "" && p.watcher != nil
	if snoop {
		changed, err := p.watcher.PeekHasChanged(ctx, p.cfg.RepoSnoopURL)
		if err != nil {
			return fmt.Errorf("check snoop url: %w", err)
		}
		if !changed {
			p.logger.Debug("snoop url unchanged, skipping fetch", "url", p.cfg.RepoSnoopURL)
			return nil
		}
	}
	if err := p.git.Fetch(ctx, p.cfg.Remote); err != nil {
		return fmt.Errorf("fetch %s: %w", p.cfg.Remote, err)
	}
	if snoop {
		// The change is only consumed once the fetch has landed.
		if _, err := p.watcher.HasChanged(ctx, p.cfg.RepoSnoopURL); err != nil {
			return fmt.Errorf("check snoop url: %w", err)
		}
	}
	return nil
}

// processBranch reduces and uploads one branch. A diff that is empty or
// over budget is recorded and reported but does not fail the repository.
func (p *Processor) processBranch(ctx context.Context, b git.ReviewBranch) (state.DiffOutcome, error) {
	base := b.BaseRef(p.cfg.Remote)
	rec := state.DiffRecord{
		PassID:  scheduler.PassID(ctx),
		Repo:    p.name,
		Branch:  b.Name,
		Base:    base,
		Head:    b.Head,
		MaxSize: p.maxBytes,
	}
	logger := p.logger.With("branch", b.Name, "head", b.Head)

	res, err := differ.Reduce(ctx, p.git, base, b.Head, p.maxBytes)
	var tooLarge *differ.LargeDiffError
	switch {
	case errors.Is(err, differ.ErrNoDiff):
		rec.Outcome = state.DiffNoChange
		logger.Info("review branch has no diff against its base")
		return rec.Outcome, p.record(ctx, rec)
	case errors.As(err, &tooLarge):
		rec.Outcome = state.DiffTooLarge
		rec.Size = tooLarge.Size
		rec.Error = err.Error()
		logger.Warn("diff too large even after reduction", "size", tooLarge.Size, "max", tooLarge.Max)
		p.publish(events.DiffTooLarge, map[string]any{"repo": p.name, "branch": b.Name, "size": tooLarge.Size, "max": tooLarge.Max})
		return rec.Outcome, p.record(ctx, rec)
	case err != nil:
		rec.Outcome = state.DiffFailed
		rec.Error = err.Error()
		p.recordBestEffort(ctx, rec)
		return rec.Outcome, fmt.Errorf("diff %s: %w", b.Name, err)
	}

	if res.Reduced() {
		reductions, err := json.Marshal(res.Reductions)
		if err != nil {
			return "", fmt.Errorf("encode reductions: %w", err)
		}
		rec.Reductions = reductions
	}
	rec.Size = res.Size
	rec.FullSize = res.FullSize
	rec.DidReplaceInvalid = res.DidReplaceInvalid
	if res.Reduced() {
		logger.Info("diff reduced", "full_size", res.FullSize, "size", res.Size, "steps", len(res.Reductions))
		p.publish(events.DiffReduced, map[string]any{"repo": p.name, "branch": b.Name, "result": res})
	}

	id, err := p.uploader.CreateRawDiff(ctx, res.Diff)
	if err != nil {
		rec.Outcome = state.DiffFailed
		rec.Error = err.Error()
		p.recordBestEffort(ctx, rec)
		return rec.Outcome, fmt.Errorf("upload diff for %s: %w", b.Name, err)
	}
	rec.Outcome = state.DiffUploaded
	rec.DiffID = id
	logger.Info("diff uploaded", "diff_id", id, "size", res.Size)
	return rec.Outcome, p.record(ctx, rec)
}

func (p *Processor) record(ctx context.Context, rec state.DiffRecord) error {
	if _, err := p.store.RecordDiff(ctx, rec); err != nil {
		return fmt.Errorf("record diff: %w", err)
	}
	return nil
}

func (p *Processor) recordBestEffort(ctx context.Context, rec state.DiffRecord) {
	if err := p.record(ctx, rec); err != nil {
		p.logger.Warn("failed to record diff failure", "branch", rec.Branch, "error", err)
	}
}

func (p *Processor) loadHeads(ctx context.Context) (map[string]string, error) {
	raw, err := p.store.Get(ctx, state.NamespaceBranchHeads, p.name)
	if err != nil {
		return nil, fmt.Errorf("load branch heads: %w", err)
	}
	heads := map[string]string{}
	if err := json.Unmarshal(raw, &heads); err != nil {
		return nil, fmt.Errorf("decode branch heads: %w", err)
	}
	return heads, nil
}

func (p *Processor) markHead(ctx context.Context, b git.ReviewBranch) error {
	update, err := json.Marshal(map[string]string{b.Name: b.Head})
	if err != nil {
		return err
	}
	if _, err := p.store.ShallowMerge(ctx, state.NamespaceBranchHeads, p.name, update); err != nil {
		return fmt.Errorf("save head of %s: %w", b.Name, err)
	}
	return nil
}

// saveHeads replaces the stored heads, dropping branches that are gone.
func (p *Processor) saveHeads(ctx context.Context, heads map[string]string) error {
	value, err := json.Marshal(heads)
	if err != nil {
		return err
	}
	if err := p.store.Put(ctx, state.NamespaceBranchHeads, p.name, value); err != nil {
		return fmt.Errorf("save branch heads: %w", err)
	}
	return nil
}

func (p *Processor) saveWatcher(ctx context.Context) error {
	if p.watcher == nil {
		return nil
	}
	value, err := json.Marshal(p.watcher.Snapshot())
	if err != nil {
		return fmt.Errorf("encode url watcher: %w", err)
	}
	if err := p.store.Put(context.WithoutCancel(ctx), state.NamespaceURLWatch, WatcherSnapshotKey, value); err != nil {
		return fmt.Errorf("save url watcher: %w", err)
	}
	return nil
}

func (p *Processor) publish(eventType string, data any) {
	if p.hub != nil {
		p.hub.Publish(eventType, data)
	}
}

// LoadWatcher restores a watcher from the state saved by any processor.
func LoadWatcher(ctx context.Context, store *state.Store, w *urlwatch.Watcher) error {
	raw, err := store.Get(ctx, state.NamespaceURLWatch, WatcherSnapshotKey)
	if err != nil {
		return fmt.Errorf("load url watcher: %w", err)
	}
	var snap urlwatch.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("decode url watcher: %w", err)
	}
	w.Restore(snap)
	return nil
}

// touch creates path if needed and sets its modification time.
func touch(path string, now time.Time) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chtimes(path, now, now)
}
