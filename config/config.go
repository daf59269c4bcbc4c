// Package config loads per-repository review settings from a
// .github/reviewgate.yml file committed to the repository under review.
package config

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPath is where the settings file lives inside a repository.
const ConfigPath = ".github/reviewgate.yml"

// RepoConfig holds the per-repository review settings.
type RepoConfig struct {
	// Enabled turns reviews on or off for the repository. Defaults to true
	// when the file is absent or the key is omitted.
	Enabled *bool `yaml:"enabled"`

	// Exclude lists glob patterns for files to leave out of the diff
	// context, e.g. "vendor/**" or "*.pb.go".
	Exclude []string `yaml:"exclude"`

	// Instructions is free-form guidance appended to the review prompt.
	Instructions string `yaml:"instructions"`

	// MaxFiles caps how many changed files are included. Zero means no cap.
	MaxFiles int `yaml:"max_files"`
}

// Default returns the settings used when a repository has no config file.
func Default() *RepoConfig {
	enabled := true
	return &RepoConfig{Enabled: &enabled}
}

// Parse decodes a reviewgate.yml document and validates it.
func Parse(data []byte) (*RepoConfig, error) {
	cfg := &RepoConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for values we cannot act on.
func (c *RepoConfig) Validate() error {
	if c.MaxFiles < 0 {
		return fmt.Errorf("max_files must not be negative, got %d", c.MaxFiles)
	}
	for _, pattern := range c.Exclude {
		probe := pattern
		if strings.Contains(probe, "**") {
			probe = strings.ReplaceAll(probe, "**", "*")
		}
		if _, err := path.Match(probe, "probe"); err != nil {
			return fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
	}
	if len(c.Instructions) > 4096 {
		return fmt.Errorf("instructions too long: %d bytes (max 4096)", len(c.Instructions))
	}
	return nil
}

// IsEnabled reports whether reviews are turned on.
func (c *RepoConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ShouldExcludeFile reports whether a changed file matches any exclude
// pattern. Patterns may use ** to match across path separators.
func (c *RepoConfig) ShouldExcludeFile(filename string) bool {
	for _, pattern := range c.Exclude {
		if matchPattern(pattern, filename) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, filename string) bool {
	if strings.Contains(pattern, "**") {
		return matchDoubleStarPattern(pattern, filename)
	}
	if ok, err := path.Match(pattern, filename); err == nil && ok {
		return true
	}
	// A bare "*.ext" pattern should also match files in subdirectories.
	if !strings.Contains(pattern, "/") {
		if ok, err := path.Match(pattern, path.Base(filename)); err == nil && ok {
			return true
		}
	}
	return false
}

func matchDoubleStarPattern(pattern, filename string) bool {
	parts := strings.Split(pattern, "**")
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]

	if prefix != "" && !strings.HasPrefix(filename, prefix) {
		return false
	}
	if suffix == "" || suffix == "/" {
		return true
	}

	rest := strings.TrimPrefix(filename, prefix)
	rest = strings.TrimPrefix(rest, "/")
	suffix = strings.TrimPrefix(suffix, "/")

	if ok, err := path.Match(suffix, rest); err == nil && ok {
		return true
	}
	if ok, err := path.Match(suffix, path.Base(rest)); err == nil && ok {
		return true
	}
	return false
}

// ContentFetcher retrieves a file from a repository at a given ref. An
// empty result with a nil error means the file does not exist.
type ContentFetcher interface {
	FetchFileContent(ctx context.Context, installationID int64, owner, repo, filePath, ref string) (string, error)
}

// Loader fetches and parses per-repository config over a ContentFetcher.
type Loader struct {
	fetcher ContentFetcher
}

func NewLoader(fetcher ContentFetcher) *Loader {
	return &Loader{fetcher: fetcher}
}

// Load returns the repository's config, falling back to defaults when the
// file is absent or malformed. Only fetch errors are reported.
func (l *Loader) Load(ctx context.Context, installationID int64, owner, repo, ref string) (*RepoConfig, error) {
	content, err := l.fetcher.FetchFileContent(ctx, installationID, owner, repo, ConfigPath, ref)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ConfigPath, err)
	}
	if content == "" {
		return Default(), nil
	}
	cfg, err := Parse([]byte(content))
	if err != nil {
		// A broken config file must not block reviews.
		return Default(), nil
	}
	return cfg, nil
}
