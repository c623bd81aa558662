// Package doctor checks a loaded arcyd configuration against the machine
// it is about to run on.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/mattjoyce/arcyd/internal/config"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against the local filesystem.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateServiceConfig(r)
	d.validateRetry(r)
	d.validateControlFiles(r)
	d.validateAPIConfig(r)
	d.validateRepos(r)
	d.warnNotifyChannels(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateServiceConfig(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "service", "state.path", "state.path is required")
	}
	if d.cfg.Service.SleepSecs < 0 {
		d.addError(r, "service", "service.sleep_secs", "sleep_secs must not be negative")
	}
	if d.cfg.Diff.MaxBytes <= 0 {
		d.addError(r, "diff", "diff.max_bytes", "max_bytes must be positive")
	}
}

func (d *Doctor) validateRetry(r *Result) {
	if _, err := d.cfg.Retry.ParsedDelays(); err != nil {
		d.addError(r, "retry", "retry.delays", err.Error())
	}
	if d.cfg.Retry.CriticalRetryCount() < 0 {
		d.addError(r, "retry", "retry.critical_retries", "critical_retries must not be negative")
	}
}

// validateControlFiles checks that each control file could be created by
// an operator: its directory must already exist.
func (d *Doctor) validateControlFiles(r *Result) {
	files := []struct{ field, path string }{
		{"control.kill_file", d.cfg.Control.KillFile},
		{"control.pause_file", d.cfg.Control.PauseFile},
		{"control.reset_file", d.cfg.Control.ResetFile},
	}
	configured := 0
	for _, f := range files {
		if f.path == "" {
			continue
		}
		configured++
		if !isDir(filepath.Dir(f.path)) {
			d.addError(r, "control", f.field, fmt.Sprintf("directory of %s does not exist", f.path))
		}
	}
	if configured == 0 {
		d.addWarning(r, "control", "control", "no control files configured; the service can only be stopped by signal")
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.APIKey == "" {
		d.addWarning(r, "api", "api.api_key", "API enabled but no api_key configured")
	}
}

func (d *Doctor) validateRepos(r *Result) {
	names := d.cfg.RepoNames()
	if len(names) == 0 {
		d.addWarning(r, "repos", "repos", "no repositories configured")
		return
	}
	for _, name := range names {
		repo := d.cfg.Repos[name]
		prefix := "repos." + name + "."

		if !isGitWorkTree(repo.RepoPath) {
			d.addError(r, "repos", prefix+"repo_path", fmt.Sprintf("%s is not a git working tree", repo.RepoPath))
		}
		for field, path := range map[string]string{
			"try_touch_path": repo.TryTouchPath,
			"ok_touch_path":  repo.OKTouchPath,
		} {
			if path != "" && !isDir(filepath.Dir(path)) {
				d.addError(r, "repos", prefix+field, fmt.Sprintf("directory of %s does not exist", path))
			}
		}
		if repo.RepoSnoopURL == "" {
			d.addWarning(r, "repos", prefix+"repo_snoop_url",
				"no snoop url; the repository will be fetched on every pass")
		}
	}
}

func (d *Doctor) warnNotifyChannels(r *Result) {
	n := d.cfg.Notify
	if len(n.SysAdminEmails) == 0 && n.ExternalErrorLogger == "" {
		d.addWarning(r, "notify", "notify", "no sys_admin_emails or external_error_logger; alerts will only be logged")
	}
	if len(n.SysAdminEmails) > 0 {
		if _, err := d.lookPath(n.SendmailBinary); err != nil {
			d.addWarning(r, "notify", "notify.sendmail_binary", fmt.Sprintf("%s not found: %v", n.SendmailBinary, err))
		}
	}
	if n.ExternalErrorLogger != "" {
		if _, err := os.Stat(n.ExternalErrorLogger); err != nil {
			d.addError(r, "notify", "notify.external_error_logger", fmt.Sprintf("%s: %v", n.ExternalErrorLogger, err))
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// isGitWorkTree accepts both a .git directory and the .git file used by
// linked worktrees and submodules.
func isGitWorkTree(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}
