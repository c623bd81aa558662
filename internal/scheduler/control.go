package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattjoyce/arcyd/internal/clock"
)

// ControlFiles names the sentinel files an operator can create to steer a
// running scheduler. Only existence matters; an empty path is disabled.
type ControlFiles struct {
	Kill  string
	Pause string
	Reset string
}

// ControlFileCheck turns control files into scheduler behaviour, checked in
// the order kill, reset, pause.
type ControlFileCheck struct {
	files   ControlFiles
	onPause func()
	clock   clock.Clock
	logger  *slog.Logger
	poll    time.Duration
}

// NewControlFileCheck returns the operation. onPause may be nil.
func NewControlFileCheck(files ControlFiles, onPause func(), c clock.Clock, logger *slog.Logger) *ControlFileCheck {
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlFileCheck{
		files:   files,
		onPause: onPause,
		clock:   c,
		logger:  logger.With("component", "control"),
		poll:    time.Second,
	}
}

func (c *ControlFileCheck) Name() string { return "control-files" }

// Run deletes a kill file and returns a FatalError, returns a ResetRequest
// for a reset file (leaving it in place), or blocks while the pause file
// exists. The pause callback fires once per pause, however long it lasts.
func (c *ControlFileCheck) Run(ctx context.Context) error {
	if isFile(c.files.Kill) {
		if err := os.Remove(c.files.Kill); err != nil {
			return &FatalError{Reason: "kill file", Path: c.files.Kill, Err: fmt.Errorf("remove: %w", err)}
		}
		c.logger.Warn("kill file detected", "path", c.files.Kill)
		return &FatalError{Reason: "kill file", Path: c.files.Kill}
	}

	if isFile(c.files.Reset) {
		c.logger.Info("reset file detected", "path", c.files.Reset)
		return &ResetRequest{Path: c.files.Reset}
	}

	if isFile(c.files.Pause) {
		c.logger.Info("pause file detected, waiting for removal", "path", c.files.Pause)
		if c.onPause != nil {
			c.onPause()
		}
		for isFile(c.files.Pause) {
			if err := c.clock.Sleep(ctx, c.poll); err != nil {
				return err
			}
		}
		c.logger.Info("pause file removed, resuming", "path", c.files.Pause)
	}
	return nil
}

func isFile(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
