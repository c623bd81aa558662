package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	validLogLevels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats   = map[string]bool{"json": true, "text": true}
	validSendmailType = map[string]bool{"sendmail": true, "catchmail": true}
)

type repoField struct {
	key      string
	value    string
	required bool
}

func (r RepoConfig) fields() []repoField {
	return []repoField{
		{"instance_uri", r.InstanceURI, true},
		{"arcyd_user", r.ArcydUser, true},
		{"arcyd_cert", r.ArcydCert, true},
		{"arcyd_email", r.ArcydEmail, true},
		{"admin_email", r.AdminEmail, true},
		{"repo_desc", r.RepoDesc, true},
		{"repo_path", r.RepoPath, true},
		{"repo_snoop_url", r.RepoSnoopURL, false},
		{"https_proxy", r.HTTPSProxy, false},
		{"review_url_format", r.ReviewURLFormat, true},
		{"branch_url_format", r.BranchURLFormat, true},
		{"try_touch_path", r.TryTouchPath, true},
		{"ok_touch_path", r.OKTouchPath, true},
		{"remote", r.Remote, true},
	}
}

// RepoNames returns the configured repository names in sorted order.
func (c *Config) RepoNames() []string {
	names := make([]string, 0, len(c.Repos))
	for name := range c.Repos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validate checks the whole configuration and reports every problem found.
func validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !validLogLevels[cfg.Service.LogLevel] {
		add("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if !validLogFormats[cfg.Service.LogFormat] {
		add("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.SleepSecs < 0 {
		add("service.sleep_secs must not be negative")
	}
	if cfg.Service.StatusPath == "" {
		add("service.status_path is required")
	}

	if _, err := cfg.Retry.ParsedDelays(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Retry.CriticalRetryCount() < 0 {
		add("retry.critical_retries must not be negative")
	}

	if cfg.State.Path == "" {
		add("state.path is required")
	}
	if cfg.Diff.MaxBytes <= 0 {
		add("diff.max_bytes must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			add("api.listen is required when the api is enabled")
		}
		if err := checkUnresolved("api.api_key", cfg.API.APIKey); err != nil {
			errs = append(errs, err)
		}
	}

	if !validSendmailType[cfg.Notify.SendmailType] {
		add("notify.sendmail_type must be sendmail or catchmail (got %q)", cfg.Notify.SendmailType)
	}
	if err := checkUnresolved("notify.external_error_logger", cfg.Notify.ExternalErrorLogger); err != nil {
		errs = append(errs, err)
	}

	for _, name := range cfg.RepoNames() {
		errs = append(errs, validateRepo(name, cfg.Repos[name])...)
	}

	return errors.Join(errs...)
}

func validateRepo(name string, repo RepoConfig) []error {
	var errs []error
	for _, f := range repo.fields() {
		key := fmt.Sprintf("repos.%s.%s", name, f.key)
		if f.required && strings.TrimSpace(f.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
			continue
		}
		if err := checkUnresolved(key, f.value); err != nil {
			errs = append(errs, err)
		}
	}
	if repo.ReviewURLFormat != "" && !strings.Contains(repo.ReviewURLFormat, "{review}") {
		errs = append(errs, fmt.Errorf("repos.%s.review_url_format must contain {review}", name))
	}
	if repo.BranchURLFormat != "" && !strings.Contains(repo.BranchURLFormat, "{branch}") {
		errs = append(errs, fmt.Errorf("repos.%s.branch_url_format must contain {branch}", name))
	}
	return errs
}

func checkUnresolved(key, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", key, matches[1])
	}
	return nil
}
