// Package status tracks what arcyd is doing right now. The Reporter is fed
// by the scheduler and the repository processors; it publishes every
// change on the events hub and mirrors the current snapshot to a JSON file
// that external tools can poll.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/arcyd/internal/events"
	"github.com/mattjoyce/arcyd/internal/scheduler"
)

// Phase is the coarse activity of the service.
type Phase string

const (
	PhaseStarting   Phase = "starting"
	PhaseRefreshing Phase = "refreshing_caches"
	PhaseProcessing Phase = "processing"
	PhaseSleeping   Phase = "sleeping"
	PhasePaused     Phase = "paused"
	PhaseStopped    Phase = "stopped"
)

// Repository states.
const (
	RepoIdle       = "idle"
	RepoProcessing = "processing"
	RepoOK         = "ok"
	RepoRetrying   = "retrying"
	RepoFailed     = "failed"
)

// RepoSummary is what a repository processor reports after a run.
type RepoSummary struct {
	Branches int `json:"branches"`
	Uploaded int `json:"uploaded"`
	Skipped  int `json:"skipped"`
	TooLarge int `json:"too_large"`
}

// RepoState is the last known state of one repository.
type RepoState struct {
	Name      string      `json:"name"`
	Status    string      `json:"status"`
	LastError string      `json:"last_error,omitempty"`
	LastDelay string      `json:"last_delay,omitempty"`
	Summary   RepoSummary `json:"summary"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// PassSummary describes the last completed pass.
type PassSummary struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Failed     []string  `json:"failed,omitempty"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Snapshot is the status document served by the API and written to the
// status file.
type Snapshot struct {
	Service        string             `json:"service"`
	PID            int                `json:"pid"`
	Phase          Phase              `json:"phase"`
	StartedAt      time.Time          `json:"started_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	SleepRemaining int                `json:"sleep_remaining"`
	CurrentRepo    string             `json:"current_repo,omitempty"`
	Timers         map[string]float64 `json:"timers"`
	Passes         int                `json:"passes"`
	LastPass       *PassSummary       `json:"last_pass,omitempty"`
	Repos          []RepoState        `json:"repos"`
}

// Options configures a Reporter.
type Options struct {
	Service string
	// Path is the status file. Empty disables the file.
	Path   string
	Hub    *events.Hub
	Logger *slog.Logger
	Now    func() time.Time
	// Console receives the status line during sleeps. Nil disables it.
	Console io.Writer
}

// Reporter implements scheduler.SleepReporter and scheduler.CacheReporter.
type Reporter struct {
	path   string
	hub    *events.Hub
	logger *slog.Logger
	now     func() time.Time
	console io.Writer

	mu    sync.Mutex
	snap  Snapshot
	repos map[string]*RepoState
}

var (
	_ scheduler.SleepReporter = (*Reporter)(nil)
	_ scheduler.CacheReporter = (*Reporter)(nil)
)

// New returns a Reporter in the starting phase.
func New(opts Options) *Reporter {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hub := opts.Hub
	if hub == nil {
		hub = events.NewHub(128)
	}
	started := now().UTC()
	r := &Reporter{
		path:   opts.Path,
		hub:    hub,
		logger: logger.With("component", "status"),
		now:     now,
		console: opts.Console,
		snap: Snapshot{
			Service:   opts.Service,
			PID:       os.Getpid(),
			Phase:     PhaseStarting,
			StartedAt: started,
			UpdatedAt: started,
			Timers:    make(map[string]float64),
		},
		repos: make(map[string]*RepoState),
	}
	return r
}

// Hub returns the events hub the reporter publishes to.
func (r *Reporter) Hub() *events.Hub { return r.hub }

// AddRepo registers a repository so it shows up before its first run.
func (r *Reporter) AddRepo(name string) {
	r.update(func() {
		if _, ok := r.repos[name]; !ok {
			r.repos[name] = &RepoState{Name: name, Status: RepoIdle, UpdatedAt: r.now().UTC()}
		}
	})
}

func (r *Reporter) StartSleep(seconds int) {
	r.update(func() {
		r.snap.Phase = PhaseSleeping
		r.snap.SleepRemaining = seconds
	})
	r.hub.Publish(events.SleepStarted, map[string]any{"seconds": seconds})
}

func (r *Reporter) UpdateSleep(remaining int) {
	r.update(func() { r.snap.SleepRemaining = remaining })
	r.hub.Publish(events.SleepTick, map[string]any{"remaining": remaining})
	if r.console != nil {
		fmt.Fprintf(r.console, "\r%s\x1b[K", r.Line())
	}
}

func (r *Reporter) FinishSleep() {
	r.update(func() { r.snap.SleepRemaining = 0 })
	r.hub.Publish(events.SleepFinished, nil)
	if r.console != nil {
		fmt.Fprintln(r.console)
	}
}

func (r *Reporter) StartCacheRefresh() {
	r.update(func() { r.snap.Phase = PhaseRefreshing })
	r.hub.Publish(events.CacheStarted, nil)
}

func (r *Reporter) FinishCacheRefresh() {
	r.update(func() {})
	r.hub.Publish(events.CacheFinished, nil)
}

// StartTimer measures a tagged section; call the returned func to stop it.
func (r *Reporter) StartTimer(tag string) func() {
	start := r.now()
	return func() {
		elapsed := r.now().Sub(start).Seconds()
		r.update(func() { r.snap.Timers[tag] = elapsed })
		r.hub.Publish(events.TimerTagged, map[string]any{"tag": tag, "seconds": elapsed})
	}
}

// StartRepo marks name as the repository being processed.
func (r *Reporter) StartRepo(name string) {
	r.update(func() {
		r.snap.Phase = PhaseProcessing
		r.snap.CurrentRepo = name
		st := r.repoLocked(name)
		st.Status = RepoProcessing
	})
	r.hub.Publish(events.RepoStarted, map[string]any{"repo": name})
}

// FinishRepo records the outcome of one processing attempt.
func (r *Reporter) FinishRepo(name string, summary RepoSummary, err error) {
	r.update(func() {
		r.snap.CurrentRepo = ""
		st := r.repoLocked(name)
		st.Summary = summary
		if err != nil {
			st.Status = RepoFailed
			st.LastError = err.Error()
			return
		}
		st.Status = RepoOK
		st.LastError = ""
		st.LastDelay = ""
	})
	data := map[string]any{"repo": name, "summary": summary}
	if err != nil {
		data["error"] = err.Error()
	}
	r.hub.Publish(events.RepoFinished, data)
}

// RecordDelay is called by the notification layer before any wait caused
// by an error or a control file.
func (r *Reporter) RecordDelay(name string, err error, delay scheduler.Delay) {
	data := map[string]any{"name": name, "delay": delay.String()}
	if err != nil {
		data["error"] = err.Error()
	}

	if delay.UntilFileRemoved {
		r.update(func() { r.snap.Phase = PhasePaused })
		r.hub.Publish(events.ControlPause, data)
		return
	}

	r.update(func() {
		st, ok := r.repos[name]
		if !ok {
			return
		}
		if delay.Duration > 0 {
			st.Status = RepoRetrying
		}
		st.LastDelay = delay.String()
		if err != nil {
			st.LastError = err.Error()
		}
	})
	r.hub.Publish(events.RetryDelay, data)
}

// RecordPass stores the result of a finished pass.
func (r *Reporter) RecordPass(result scheduler.PassResult) {
	r.update(func() {
		r.snap.Passes++
		summary := &PassSummary{
			ID:         result.ID,
			Status:     result.Status.String(),
			Failed:     result.Failed(),
			FinishedAt: r.now().UTC(),
		}
		if result.Err != nil {
			summary.Error = result.Err.Error()
		}
		r.snap.LastPass = summary
	})
}

// Stopping marks the service as stopped.
func (r *Reporter) Stopping(err error) {
	r.update(func() {
		r.snap.Phase = PhaseStopped
		r.snap.CurrentRepo = ""
	})
	data := map[string]any{}
	if err != nil {
		data["error"] = err.Error()
	}
	r.hub.Publish(events.ServiceStopping, data)
}

// Snapshot returns a copy of the current status.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *Reporter) repoLocked(name string) *RepoState {
	st, ok := r.repos[name]
	if !ok {
		st = &RepoState{Name: name, Status: RepoIdle}
		r.repos[name] = st
	}
	st.UpdatedAt = r.now().UTC()
	return st
}

func (r *Reporter) copyLocked() Snapshot {
	out := r.snap
	out.Timers = make(map[string]float64, len(r.snap.Timers))
	for k, v := range r.snap.Timers {
		out.Timers[k] = v
	}
	if r.snap.LastPass != nil {
		last := *r.snap.LastPass
		out.LastPass = &last
	}
	out.Repos = make([]RepoState, 0, len(r.repos))
	for _, st := range r.repos {
		out.Repos = append(out.Repos, *st)
	}
	sort.Slice(out.Repos, func(i, j int) bool { return out.Repos[i].Name < out.Repos[j].Name })
	return out
}

func (r *Reporter) update(fn func()) {
	r.mu.Lock()
	fn()
	r.snap.UpdatedAt = r.now().UTC()
	snap := r.copyLocked()
	r.mu.Unlock()

	if r.path == "" {
		return
	}
	if err := WriteFile(r.path, snap); err != nil {
		r.logger.Warn("failed to write status file", "path", r.path, "error", err)
	}
}

// WriteFile replaces path with snap atomically.
func WriteFile(path string, snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".status-*.json")
	if err != nil {
		return fmt.Errorf("create temp status file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// ReadFile loads a snapshot written by WriteFile.
func ReadFile(path string) (Snapshot, error) {
	var snap Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode status %s: %w", path, err)
	}
	return snap, nil
}
