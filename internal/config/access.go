package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation
// path such as "service.sleep_secs", or a repo:name address.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves a repository by "repo:name"; "repo:*" returns all.
func (c *Config) GetEntity(address string) (any, error) {
	entityType, name, ok := strings.Cut(address, ":")
	if !ok {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	switch entityType {
	case "repo":
		if name == "*" {
			return c.Repos, nil
		}
		r, ok := c.Repos[name]
		if !ok {
			return nil, fmt.Errorf("repo %q not found", name)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.SourceFiles = nil
	if out.API.APIKey != "" {
		out.API.APIKey = "***"
	}
	out.Repos = make(map[string]RepoConfig, len(c.Repos))
	for name, r := range c.Repos {
		if r.ArcydCert != "" {
			r.ArcydCert = "***"
		}
		out.Repos[name] = r
	}
	return &out
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}
