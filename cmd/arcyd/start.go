package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mattjoyce/arcyd/internal/api"
	"github.com/mattjoyce/arcyd/internal/clock"
	"github.com/mattjoyce/arcyd/internal/conduit"
	"github.com/mattjoyce/arcyd/internal/config"
	"github.com/mattjoyce/arcyd/internal/events"
	"github.com/mattjoyce/arcyd/internal/git"
	"github.com/mattjoyce/arcyd/internal/lock"
	"github.com/mattjoyce/arcyd/internal/log"
	"github.com/mattjoyce/arcyd/internal/notify"
	"github.com/mattjoyce/arcyd/internal/repo"
	"github.com/mattjoyce/arcyd/internal/scheduler"
	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/status"
	"github.com/mattjoyce/arcyd/internal/storage"
	"github.com/mattjoyce/arcyd/internal/urlwatch"
)

const (
	conduitRefreshTag  = "refresh conduit cache"
	urlWatchRefreshTag = "refresh git snoop url cache"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", ".", "Path to configuration file or directory")
	noLoop := fs.Bool("no-loop", false, "Run a single pass and exit")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *noLoop {
		cfg.Service.NoLoop = true
	}

	var extra []io.Writer
	if cfg.Service.IOLogFile != "" {
		f, err := os.OpenFile(cfg.Service.IOLogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open io log file: %v\n", err)
			return 1
		}
		defer f.Close()
		extra = append(extra, f)
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, extra...)
	logger := log.WithComponent("main")
	logger.Info("arcyd starting", "version", version, "config", *configPath, "repos", len(cfg.Repos))

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		if errors.Is(err, lock.ErrHeld) {
			logger.Error("another arcyd instance owns this state directory", "path", pidLockPath, "error", err)
		} else {
			logger.Error("failed to acquire PID lock", "path", pidLockPath, "error", err)
		}
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	svc, err := newService(ctx, cfg, serviceDeps{
		Store:    state.NewStore(db),
		Logger:   log.Get(),
		Registry: reg,
		Console:  os.Stdout,
	})
	if err != nil {
		logger.Error("failed to build service", "error", err)
		return 1
	}
	return svc.run(ctx)
}

// serviceDeps are the collaborators a service does not build itself.
// Zero fields get production defaults.
type serviceDeps struct {
	Store      *state.Store
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Clock      clock.Clock
	HTTPClient *http.Client
	Runner     notify.Runner
	Console    io.Writer
}

type service struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *state.Store
	hub      *events.Hub
	registry *prometheus.Registry
	metrics  *scheduler.Metrics
	clock    clock.Clock
	reporter *status.Reporter
	notifier *notify.Notifier
	watcher  *urlwatch.Watcher
	sched    *scheduler.Scheduler
	delays   []time.Duration

	processors []*repo.Processor
	conduits   []scheduler.Refresher
}

func newService(ctx context.Context, cfg *config.Config, deps serviceDeps) (*service, error) {
	if deps.Store == nil {
		return nil, errors.New("no state store")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real()
	}

	delays, err := cfg.Retry.ParsedDelays()
	if err != nil {
		return nil, err
	}

	hub := events.NewHub(256)
	s := &service{
		cfg:      cfg,
		logger:   logger.With("component", "service"),
		store:    deps.Store,
		hub:      hub,
		registry: reg,
		metrics:  scheduler.NewMetrics(reg),
		clock:    clk,
		watcher:  urlwatch.New(deps.HTTPClient),
		delays:   delays,
	}
	s.reporter = status.New(status.Options{
		Service: cfg.Service.Name,
		Path:    cfg.Service.StatusPath,
		Hub:     hub,
		Logger:  logger,
		Console: deps.Console,
	})
	s.notifier, err = notify.New(notify.Options{
		Logger:              logger,
		ServiceName:         cfg.Service.Name,
		SysAdminEmails:      cfg.Notify.SysAdminEmails,
		SendmailBinary:      cfg.Notify.SendmailBinary,
		SendmailType:        cfg.Notify.SendmailType,
		ExternalErrorLogger: cfg.Notify.ExternalErrorLogger,
		Recorder:            s.reporter,
		Runner:              deps.Runner,
	})
	if err != nil {
		return nil, err
	}

	if err := repo.LoadWatcher(ctx, s.store, s.watcher); err != nil {
		s.logger.Warn("discarding unreadable url watcher cache", "error", err)
	}

	if err := s.buildProcessors(deps.HTTPClient); err != nil {
		return nil, err
	}

	s.sched = scheduler.New(logger, hub,
		scheduler.WithMetrics(s.metrics),
		scheduler.WithClock(clk),
		scheduler.WithResetNotify(s.notifier.ServiceDelay()),
		scheduler.WithPassObserver(s.observePass),
	)
	return s, nil
}

// buildProcessors creates one processor per repository. Repositories that
// talk to the same instance as the same user share a conduit client.
func (s *service) buildProcessors(httpClient *http.Client) error {
	clients := make(map[string]*conduit.Client)
	for _, name := range s.cfg.RepoNames() {
		rc := s.cfg.Repos[name]

		key := strings.Join([]string{rc.InstanceURI, rc.ArcydUser, rc.ArcydCert, rc.HTTPSProxy}, "\x00")
		client, ok := clients[key]
		if !ok {
			var err error
			client, err = conduit.New(conduit.Options{
				InstanceURI: rc.InstanceURI,
				User:        rc.ArcydUser,
				Cert:        rc.ArcydCert,
				HTTPSProxy:  rc.HTTPSProxy,
				HTTPClient:  httpClient,
			})
			if err != nil {
				return fmt.Errorf("repo %s: %w", name, err)
			}
			clients[key] = client
			s.conduits = append(s.conduits, client)
		}

		p, err := repo.New(repo.Options{
			Name:     name,
			Config:   rc,
			Git:      git.NewRepository(rc.RepoPath),
			Uploader: client,
			Watcher:  s.watcher,
			Store:    s.store,
			Reporter: s.reporter,
			Hub:      s.hub,
			Logger:   log.WithRepo(name),
			MaxBytes: s.cfg.Diff.MaxBytes,
		})
		if err != nil {
			return err
		}
		s.reporter.AddRepo(name)
		s.processors = append(s.processors, p)
	}
	return nil
}

// operations builds a fresh operation list: every repository, then the
// control files, the sleep and the cache refresh. Retry state starts over
// each time it is called.
func (s *service) operations() []scheduler.Operation {
	ops := make([]scheduler.Operation, 0, len(s.processors)+3)
	for _, p := range s.processors {
		ops = append(ops, p.Operation(s.delays, s.notifier.RepoDelay(p.Name()),
			scheduler.WithRetryClock(s.clock),
			scheduler.WithRetryMetrics(s.metrics),
		))
	}

	files := scheduler.ControlFiles{
		Kill:  s.cfg.Control.KillFile,
		Pause: s.cfg.Control.PauseFile,
		Reset: s.cfg.Control.ResetFile,
	}
	ops = append(ops,
		scheduler.NewControlFileCheck(files, s.notifier.Pause, s.clock, s.logger),
		scheduler.NewSleepOperation(s.cfg.Service.SleepSecs, s.reporter, s.clock),
		scheduler.NewCacheRefreshOperation([]scheduler.RefreshGroup{
			{Tag: conduitRefreshTag, Refreshers: s.conduits},
			{Tag: urlWatchRefreshTag, Refreshers: []scheduler.Refresher{s.watcher}},
		}, s.cfg.Retry.CriticalRetryCount(), s.reporter, s.notifier.ServiceDelay()),
	)
	return ops
}

func (s *service) observePass(result scheduler.PassResult) {
	s.reporter.RecordPass(result)

	rec := state.PassRecord{
		ID:         result.ID,
		Status:     result.Status.String(),
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Failed:     result.Failed(),
	}
	if result.Err != nil {
		rec.Error = result.Err.Error()
	}
	// The pass may have ended because ctx was cancelled; the audit row is
	// still wanted.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordPass(ctx, rec); err != nil {
		s.logger.Warn("failed to record pass", "pass_id", result.ID, "error", err)
	}
}

// run serves the API when enabled and drives the scheduler until it stops.
// It returns the process exit code.
func (s *service) run(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	apiErr := make(chan error, 1)
	if s.cfg.API.Enabled {
		server := api.New(api.Config{
			Listen: s.cfg.API.Listen,
			APIKey: s.cfg.API.APIKey,
		}, s.reporter, s.store, s.hub, s.registry, log.WithComponent("api"))
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				apiErr <- err
				cancel()
			}
		}()
		s.logger.Info("status API enabled", "listen", s.cfg.API.Listen)
	}

	if s.cfg.Service.NoLoop {
		result := s.sched.RunSingle(ctx, s.operations())
		if result.Status == scheduler.PassFatal {
			s.notifier.Stop(result.Err)
		}
		s.reporter.Stopping(result.Err)
		if !result.AllSucceeded() {
			s.logger.Error("some operations failed", "pass_id", result.ID, "failed", result.Failed())
			return 1
		}
		return 0
	}

	s.logger.Info("arcyd running (press Ctrl+C to stop)")
	err := s.sched.RunForever(ctx, s.operations)

	select {
	case aerr := <-apiErr:
		err = fmt.Errorf("api: %w", aerr)
	default:
	}

	if errors.Is(err, context.Canceled) {
		s.logger.Info("arcyd stopped")
		s.reporter.Stopping(nil)
		return 0
	}
	s.notifier.Stop(err)
	s.reporter.Stopping(err)
	s.logger.Error("arcyd stopped with error", "error", err)
	return 1
}
