package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/arcyd/internal/clock"
	"github.com/mattjoyce/arcyd/internal/config"
	"github.com/mattjoyce/arcyd/internal/state"
	"github.com/mattjoyce/arcyd/internal/status"
	"github.com/mattjoyce/arcyd/internal/storage"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644))
	return dir
}

func TestRunCLIHelpAndUnknown(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"help"}) })
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "arcyd <command>")

	code, _, stderr := captureOutputWithExitCode(t, func() int { return runCLI([]string{"bogus"}) })
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, _, _ = captureOutputWithExitCode(t, func() int { return runCLI(nil) })
	assert.Equal(t, 1, code)
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, _ := captureOutputWithExitCode(t, func() int { return runCLI([]string{"version", "--json"}) })
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(stdout), &info))
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2024-05-01T12:00:00+02:00")
	require.True(t, ok)
	assert.Equal(t, "2024-05-01T10:00:00Z", got)

	_, ok = normalizeBuildTimeUTC("unknown")
	assert.False(t, ok)
	assert.Equal(t, "abcdef123456", shortenCommit("abcdef1234567890"))
}

func TestConfigCheckWarningsExitTwo(t *testing.T) {
	dir := writeConfig(t, "state:\n  path: "+filepath.Join(t.TempDir(), "arcyd.db")+"\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", dir})
	})
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout, "passed with")
	assert.Contains(t, stdout, "no repositories configured")
}

func TestConfigCheckLoadErrorExitOne(t *testing.T) {
	dir := writeConfig(t, "service:\n  log_level: loud\n")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "check", "--config", dir})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "service.log_level")
}

func TestConfigLockThenTamper(t *testing.T) {
	dir := writeConfig(t, "service:\n  name: arcyd-test\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "lock", "--config", dir})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "wrote")
	assert.FileExists(t, filepath.Join(dir, config.ChecksumFile))

	code, stdout, _ = captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", dir, "service.name"})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "arcyd-test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: other\n"), 0o644))
	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", dir})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "config verification failed")
}

func TestConfigShowMasksSecrets(t *testing.T) {
	dir := writeConfig(t, "api:\n  enabled: true\n  api_key: hunter2\n")

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"config", "show", "--config", dir, "--json"})
	})
	require.Equal(t, 0, code)
	assert.NotContains(t, stdout, "hunter2")
	assert.Contains(t, stdout, "***")
}

type runCall struct {
	name string
	args []string
}

func newTestService(t *testing.T, mutate func(*config.Config)) (*service, *state.Store, *[]runCall) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Service.StatusPath = filepath.Join(dir, "status.json")
	cfg.State.Path = filepath.Join(dir, "arcyd.db")
	cfg.Notify.ExternalErrorLogger = "/usr/local/bin/report-error"
	if mutate != nil {
		mutate(cfg)
	}

	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := state.NewStore(db)

	var calls []runCall
	svc, err := newService(context.Background(), cfg, serviceDeps{
		Store:    store,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Registry: prometheus.NewRegistry(),
		Clock:    clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Runner: func(_ context.Context, name string, args []string, _ string) error {
			calls = append(calls, runCall{name: name, args: args})
			return nil
		},
	})
	require.NoError(t, err)
	return svc, store, &calls
}

func TestServiceSinglePassRecordsAudit(t *testing.T) {
	svc, store, calls := newTestService(t, func(cfg *config.Config) {
		cfg.Service.NoLoop = true
	})

	code := svc.run(context.Background())
	assert.Equal(t, 0, code)
	assert.Empty(t, *calls)

	passes, err := store.RecentPasses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, "succeeded", passes[0].Status)

	snap, err := status.ReadFile(svc.cfg.Service.StatusPath)
	require.NoError(t, err)
	assert.Equal(t, status.PhaseStopped, snap.Phase)
	require.NotNil(t, snap.LastPass)
	assert.Equal(t, passes[0].ID, snap.LastPass.ID)
}

func TestServiceOperationOrder(t *testing.T) {
	svc, _, _ := newTestService(t, nil)

	ops := svc.operations()
	require.Len(t, ops, 3)
	assert.Equal(t, "control-files", ops[0].Name())
	assert.Equal(t, "sleep", ops[1].Name())
	assert.Equal(t, "refresh-caches", ops[2].Name())
}

func TestServiceKillFileStopsAndAlerts(t *testing.T) {
	killFile := filepath.Join(t.TempDir(), "killfile")
	require.NoError(t, os.WriteFile(killFile, nil, 0o644))

	svc, store, calls := newTestService(t, func(cfg *config.Config) {
		cfg.Control.KillFile = killFile
	})

	code := svc.run(context.Background())
	assert.Equal(t, 1, code)
	assert.NoFileExists(t, killFile)

	require.Len(t, *calls, 1)
	assert.Equal(t, "/usr/local/bin/report-error", (*calls)[0].name)
	assert.Equal(t, "arcyd stopped with exception", (*calls)[0].args[0])

	passes, err := store.RecentPasses(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, passes, 1)
	assert.Equal(t, "fatal", passes[0].Status)
}

func TestServiceNoLoopKillFileAlerts(t *testing.T) {
	killFile := filepath.Join(t.TempDir(), "killfile")
	require.NoError(t, os.WriteFile(killFile, nil, 0o644))

	svc, _, calls := newTestService(t, func(cfg *config.Config) {
		cfg.Service.NoLoop = true
		cfg.Control.KillFile = killFile
	})

	code := svc.run(context.Background())
	assert.Equal(t, 1, code)
	assert.NoFileExists(t, killFile)

	require.Len(t, *calls, 1)
	assert.Equal(t, "arcyd stopped with exception", (*calls)[0].args[0])
}

func TestServiceRejectsRepoWithoutInstance(t *testing.T) {
	cfg := config.Defaults()
	cfg.Service.StatusPath = ""
	cfg.Repos["broken"] = config.RepoConfig{RepoPath: t.TempDir()}

	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "arcyd.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = newService(context.Background(), cfg, serviceDeps{
		Store:  state.NewStore(db),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repo broken")
}

func TestInspectShowsLatestPass(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "arcyd.db")
	dir := writeConfig(t, "state:\n  path: "+dbPath+"\n")

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, state.NewStore(db).RecordPass(context.Background(), state.PassRecord{
		ID: "pass-xyz", Status: "succeeded", StartedAt: start, FinishedAt: start.Add(time.Second),
	}))
	require.NoError(t, db.Close())

	code, stdout, _ := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"inspect", "--config", dir})
	})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, "pass-xyz")

	code, _, stderr := captureOutputWithExitCode(t, func() int {
		return runCLI([]string{"inspect", "missing", "--config", dir})
	})
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "pass not found")
}
