package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete arcyd configuration.
type Config struct {
	Include []string              `yaml:"include,omitempty"`
	Service ServiceConfig         `yaml:"service"`
	Control ControlConfig         `yaml:"control"`
	Retry   RetryConfig           `yaml:"retry"`
	State   StateConfig           `yaml:"state"`
	API     APIConfig             `yaml:"api,omitempty"`
	Notify  NotifyConfig          `yaml:"notify"`
	Diff    DiffConfig            `yaml:"diff"`
	Repos   map[string]RepoConfig `yaml:"repos"`

	// SourceFiles maps every loaded file to its parsed YAML node.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	SleepSecs int    `yaml:"sleep_secs"`
	NoLoop    bool   `yaml:"no_loop"`
	// StatusPath is where the JSON status snapshot is written.
	StatusPath string `yaml:"status_path"`
	// IOLogFile receives a copy of every log line when set.
	IOLogFile string `yaml:"io_log_file,omitempty"`
}

// ControlConfig names the operator control files. Empty paths are ignored.
type ControlConfig struct {
	KillFile  string `yaml:"kill_file,omitempty"`
	PauseFile string `yaml:"pause_file,omitempty"`
	ResetFile string `yaml:"reset_file,omitempty"`
}

// RetryConfig defines how failing repositories and caches are retried.
type RetryConfig struct {
	Delays []string `yaml:"delays"`
	// CriticalRetries is the number of immediate retries after a failed
	// cache refresh. Nil means the default; 0 disables retrying.
	CriticalRetries *int `yaml:"critical_retries,omitempty"`
}

// CriticalRetryCount returns CriticalRetries, falling back to the default.
func (r RetryConfig) CriticalRetryCount() int {
	if r.CriticalRetries == nil {
		return defaultCriticalRetries
	}
	return *r.CriticalRetries
}

// ParsedDelays converts Delays to durations.
func (r RetryConfig) ParsedDelays() ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(r.Delays))
	for i, s := range r.Delays {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("retry.delays[%d]: %w", i, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("retry.delays[%d]: must be positive (got %q)", i, s)
		}
		out = append(out, d)
	}
	return out, nil
}

// StateConfig defines cache storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the status HTTP API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// NotifyConfig defines where operator alerts go.
type NotifyConfig struct {
	SysAdminEmails      []string `yaml:"sys_admin_emails,omitempty"`
	SendmailBinary      string   `yaml:"sendmail_binary"`
	SendmailType        string   `yaml:"sendmail_type"`
	ExternalErrorLogger string   `yaml:"external_error_logger,omitempty"`
}

// DiffConfig bounds the size of uploaded diffs.
type DiffConfig struct {
	MaxBytes int `yaml:"max_bytes"`
}

// RepoConfig describes one managed repository.
type RepoConfig struct {
	InstanceURI     string `yaml:"instance_uri"`
	ArcydUser       string `yaml:"arcyd_user"`
	ArcydCert       string `yaml:"arcyd_cert"`
	ArcydEmail      string `yaml:"arcyd_email"`
	AdminEmail      string `yaml:"admin_email"`
	RepoDesc        string `yaml:"repo_desc"`
	RepoPath        string `yaml:"repo_path"`
	RepoSnoopURL    string `yaml:"repo_snoop_url,omitempty"`
	HTTPSProxy      string `yaml:"https_proxy,omitempty"`
	ReviewURLFormat string `yaml:"review_url_format"`
	BranchURLFormat string `yaml:"branch_url_format"`
	TryTouchPath    string `yaml:"try_touch_path"`
	OKTouchPath     string `yaml:"ok_touch_path"`
	Remote          string `yaml:"remote"`
}

// Defaults returns a Config with the stock settings.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:       "arcyd",
			LogLevel:   "info",
			LogFormat:  "json",
			SleepSecs:  60,
			StatusPath: "./var/status/arcyd.json",
		},
		Retry: RetryConfig{
			Delays:          []string{"10m", "1h"},
			CriticalRetries: intPtr(defaultCriticalRetries),
		},
		State: StateConfig{
			Path: "./var/arcyd.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8090",
		},
		Notify: NotifyConfig{
			SendmailBinary: "sendmail",
			SendmailType:   "sendmail",
		},
		Diff: DiffConfig{
			MaxBytes: 1000000,
		},
		Repos: make(map[string]RepoConfig),
	}
}

// DefaultRemote is used for repositories that do not name one.
const DefaultRemote = "origin"

const defaultCriticalRetries = 3

func intPtr(v int) *int { return &v }
