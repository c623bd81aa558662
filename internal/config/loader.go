package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, following its include
// list. A directory argument means <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourceFiles = make(map[string]*yaml.Node)
	addSourceNode(cfg, absPath)

	var includedPaths []string
	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
		for path := range visited {
			if path != absPath {
				includedPaths = append(includedPaths, path)
			}
		}
		sort.Strings(includedPaths)
	}

	cfg = applyConfigDefaults(cfg)

	allPaths := append([]string{absPath}, includedPaths...)
	if err := verifyAllConfigHashes(allPaths); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverAllConfigFiles returns absolute paths to all configuration files in the include tree.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	absPath, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{absPath: true}
	if len(cfg.Include) > 0 {
		if err := collectIncludes(cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	files := make([]string, 0, len(visited))
	for f := range visited {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

func resolveRoot(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

func resolveInclude(i int, includePath, baseDir string) (string, error) {
	includePath = interpolateEnv(includePath)
	resolvedPath := includePath
	if !filepath.IsAbs(includePath) {
		resolvedPath = filepath.Join(baseDir, includePath)
	}

	absPath, err := filepath.Abs(resolvedPath)
	if err != nil {
		return "", fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("include[%d]: file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
		}
		return "", fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
	}
	return absPath, nil
}

func collectIncludes(includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}
		if visited[absPath] {
			continue
		}
		visited[absPath] = true

		partial, err := loadConfigFile(absPath)
		if err != nil {
			return err
		}
		if len(partial.Include) > 0 {
			if err := collectIncludes(partial.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		absPath, err := resolveInclude(i, includePath, baseDir)
		if err != nil {
			return err
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		visited[absPath] = true
		addSourceNode(cfg, absPath)

		includedCfg, err := loadConfigFile(absPath)
		if err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}

		if err := deepMergeConfig(cfg, includedCfg); err != nil {
			return fmt.Errorf("include[%d] (%s): merge failed: %w", i, includePath, err)
		}

		if len(includedCfg.Include) > 0 {
			if err := loadIncludes(cfg, includedCfg.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}

	return nil
}

func addSourceNode(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err == nil {
		cfg.SourceFiles[path] = &node
	}
}

// loadConfigFile loads and parses a single config file without defaults.
func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// deepMergeConfig merges src into dst, with src taking precedence for
// non-zero values. A repository may only be defined once.
func deepMergeConfig(dst, src *Config) error {
	if src.Service.Name != "" {
		dst.Service.Name = src.Service.Name
	}
	if src.Service.LogLevel != "" {
		dst.Service.LogLevel = src.Service.LogLevel
	}
	if src.Service.LogFormat != "" {
		dst.Service.LogFormat = src.Service.LogFormat
	}
	if src.Service.SleepSecs != 0 {
		dst.Service.SleepSecs = src.Service.SleepSecs
	}
	if src.Service.NoLoop {
		dst.Service.NoLoop = true
	}
	if src.Service.StatusPath != "" {
		dst.Service.StatusPath = src.Service.StatusPath
	}
	if src.Service.IOLogFile != "" {
		dst.Service.IOLogFile = src.Service.IOLogFile
	}

	if src.Control.KillFile != "" {
		dst.Control.KillFile = src.Control.KillFile
	}
	if src.Control.PauseFile != "" {
		dst.Control.PauseFile = src.Control.PauseFile
	}
	if src.Control.ResetFile != "" {
		dst.Control.ResetFile = src.Control.ResetFile
	}

	if len(src.Retry.Delays) > 0 {
		dst.Retry.Delays = src.Retry.Delays
	}
	if src.Retry.CriticalRetries != nil {
		dst.Retry.CriticalRetries = intPtr(*src.Retry.CriticalRetries)
	}

	if src.State.Path != "" {
		dst.State.Path = src.State.Path
	}

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	if src.API.Listen != "" {
		dst.API.Listen = src.API.Listen
	}
	if src.API.APIKey != "" {
		dst.API.APIKey = src.API.APIKey
	}

	if len(src.Notify.SysAdminEmails) > 0 {
		dst.Notify.SysAdminEmails = append(dst.Notify.SysAdminEmails, src.Notify.SysAdminEmails...)
	}
	if src.Notify.SendmailBinary != "" {
		dst.Notify.SendmailBinary = src.Notify.SendmailBinary
	}
	if src.Notify.SendmailType != "" {
		dst.Notify.SendmailType = src.Notify.SendmailType
	}
	if src.Notify.ExternalErrorLogger != "" {
		dst.Notify.ExternalErrorLogger = src.Notify.ExternalErrorLogger
	}

	if src.Diff.MaxBytes != 0 {
		dst.Diff.MaxBytes = src.Diff.MaxBytes
	}

	if len(src.Repos) > 0 && dst.Repos == nil {
		dst.Repos = make(map[string]RepoConfig)
	}
	for name, repo := range src.Repos {
		if _, exists := dst.Repos[name]; exists {
			return fmt.Errorf("repository %q is defined more than once", name)
		}
		dst.Repos[name] = repo
	}

	return nil
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := LoadChecksums(dir)
		if errors.Is(err, ErrNoChecksums) {
			continue
		}
		if err != nil {
			return err
		}

		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: arcyd config lock --config %s", basename, dir, dir)
			}

			if err := VerifyFileHash(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: arcyd config lock --config %s", path, err, dir)
			}
		}
	}

	return nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.SleepSecs == 0 {
		cfg.Service.SleepSecs = defaults.Service.SleepSecs
	}
	if cfg.Service.StatusPath == "" {
		cfg.Service.StatusPath = defaults.Service.StatusPath
	}

	if cfg.Retry.Delays == nil {
		cfg.Retry.Delays = defaults.Retry.Delays
	}
	if cfg.Retry.CriticalRetries == nil {
		cfg.Retry.CriticalRetries = defaults.Retry.CriticalRetries
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Notify.SendmailBinary == "" {
		cfg.Notify.SendmailBinary = defaults.Notify.SendmailBinary
	}
	if cfg.Notify.SendmailType == "" {
		cfg.Notify.SendmailType = defaults.Notify.SendmailType
	}

	if cfg.Diff.MaxBytes == 0 {
		cfg.Diff.MaxBytes = defaults.Diff.MaxBytes
	}

	if cfg.Repos == nil {
		cfg.Repos = defaults.Repos
	}
	for name, repo := range cfg.Repos {
		if repo.Remote == "" {
			repo.Remote = DefaultRemote
			cfg.Repos[name] = repo
		}
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}
