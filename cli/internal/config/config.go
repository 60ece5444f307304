// Package config provides redline configuration with a defined load order:
// CLI flags > environment variables > repo config > global config > defaults.
//
// Paths:
//   - Repo: .redline/config.toml (relative to repo root)
//   - Global: XDG config dir, e.g. ~/.config/redline/config.toml (see os.UserConfigDir)
//
// Environment variables (override config files when set):
//   - OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL (service coordinates;
//     the API key is read from the environment only, never from config files),
//   - REDLINE_API_KEY, REDLINE_MODEL, REDLINE_BASE_URL (tool-specific forms; win over OPENAI_*),
//   - REDLINE_TIMEOUT, REDLINE_POLL_INTERVAL (Go duration string or integer seconds),
//   - REDLINE_ARTIFACT_DIR (artifact directory; default <repo>/.redline),
//   - REDLINE_INCLUDE_GIT (none, metadata, or full),
//   - REDLINE_MAX_BUNDLE_BYTES (positive integer),
//   - REDLINE_KEEP_UPLOADS, REDLINE_BACKGROUND (1/true/yes/on = true, 0/false/no/off = false).
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"redline/cli/internal/erruser"
)

// Config holds all redline configuration. Model has no default: reviews
// refuse to start without one. An empty ArtifactDir means "use
// <repo>/.redline".
type Config struct {
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	// APIKey is populated from the environment only; config files never
	// carry credentials.
	APIKey      string `toml:"-"`
	ArtifactDir string `toml:"artifact_dir"`
	// IncludeGit selects how much of .git goes into the bundle: none,
	// metadata, or full. Default metadata.
	IncludeGit     string        `toml:"include_git"`
	MaxBundleBytes int64         `toml:"max_bundle_bytes"`
	PollInterval   time.Duration `toml:"poll_interval"`
	Timeout        time.Duration `toml:"timeout"`
	// KeepUploads leaves the uploaded bundle on the service after the
	// run instead of deleting it.
	KeepUploads bool `toml:"keep_uploads"`
	// Background submits the review as a background job and polls;
	// false blocks on the create call until the response is final.
	Background bool `toml:"background"`
}

// Overrides represents optional CLI flag overrides. Non-nil pointer
// means "override with this value".
type Overrides struct {
	Model          *string
	BaseURL        *string
	APIKey         *string
	ArtifactDir    *string
	IncludeGit     *string
	MaxBundleBytes *int64
	PollInterval   *time.Duration
	Timeout        *time.Duration
	KeepUploads    *bool
	Background     *bool
}

// LoadOptions configures Load. All fields are optional.
type LoadOptions struct {
	// RepoRoot is the repository root; if set, repo config is RepoRoot/.redline/config.toml.
	RepoRoot string
	// GlobalConfigPath is the global config file path; if empty, XDG path is used.
	GlobalConfigPath string
	// Env is the environment key=value slice; if nil, os.Environ() is used.
	Env []string
	// Overrides are applied last (highest precedence).
	Overrides *Overrides
}

const (
	_defaultBaseURL        = "https://api.openai.com/v1"
	_defaultIncludeGit     = "metadata"
	_defaultMaxBundleBytes = 100 << 20
	_defaultPollInterval   = 2 * time.Second
	_defaultTimeout        = 90 * time.Minute
)

// validIncludeGit is the set of allowed include_git values (normalized lowercase).
var validIncludeGit = map[string]struct{}{
	"none": {}, "metadata": {}, "full": {},
}

// validateIncludeGit normalizes s (trim, lowercase) and returns it if valid; otherwise returns an error.
func validateIncludeGit(s string) (string, error) {
	norm := strings.TrimSpace(strings.ToLower(s))
	if _, ok := validIncludeGit[norm]; !ok {
		return "", erruser.New("Invalid include_git; use none, metadata, or full.", nil)
	}
	return norm, nil
}

// DefaultConfig returns the default configuration (no I/O).
func DefaultConfig() Config {
	return Config{
		Model:          "",
		BaseURL:        _defaultBaseURL,
		APIKey:         "",
		ArtifactDir:    "",
		IncludeGit:     _defaultIncludeGit,
		MaxBundleBytes: _defaultMaxBundleBytes,
		PollInterval:   _defaultPollInterval,
		Timeout:        _defaultTimeout,
		KeepUploads:    false,
		Background:     true,
	}
}

// EffectiveArtifactDir returns the directory used for bundle, response,
// patch, and lock files. If ArtifactDir is set, it is returned as-is;
// otherwise repoRoot/.redline is returned.
func (c Config) EffectiveArtifactDir(repoRoot string) string {
	if c.ArtifactDir != "" {
		return c.ArtifactDir
	}
	return filepath.Join(repoRoot, ".redline")
}

// Load loads configuration with precedence: defaults < global file < repo file < env < overrides.
// Missing config files are ignored. Invalid TOML or invalid env values return an error.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	cfg := DefaultConfig()

	globalPath := opts.GlobalConfigPath
	if globalPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, erruser.New("Could not determine config directory.", err)
		}
		globalPath = filepath.Join(dir, "redline", "config.toml")
	}
	if err := mergeFile(&cfg, globalPath); err != nil {
		return nil, err
	}

	if opts.RepoRoot != "" {
		repoPath := filepath.Join(opts.RepoRoot, ".redline", "config.toml")
		if err := mergeFile(&cfg, repoPath); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg, opts.Env); err != nil {
		return nil, err
	}

	applyOverrides(&cfg, opts.Overrides)
	return &cfg, nil
}

// mergeFile reads path and merges into cfg. Only overwrites fields that
// are present and non-zero in the file (so explicit empty/zero in TOML
// keeps the previous value). Missing file is skipped (no error).
func mergeFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return erruser.New("Invalid configuration file.", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return erruser.New("Could not read configuration file.", err)
	}
	var file struct {
		Model          *string `toml:"model"`
		BaseURL        *string `toml:"base_url"`
		ArtifactDir    *string `toml:"artifact_dir"`
		IncludeGit     *string `toml:"include_git"`
		MaxBundleBytes *int64  `toml:"max_bundle_bytes"`
		PollInterval   *string `toml:"poll_interval"`
		Timeout        *string `toml:"timeout"`
		KeepUploads    *bool   `toml:"keep_uploads"`
		Background     *bool   `toml:"background"`
	}
	if _, err := toml.Decode(string(data), &file); err != nil {
		return erruser.New("Invalid configuration in .redline/config.toml.", err)
	}
	if file.Model != nil && *file.Model != "" {
		cfg.Model = *file.Model
	}
	if file.BaseURL != nil && *file.BaseURL != "" {
		cfg.BaseURL = *file.BaseURL
	}
	if file.ArtifactDir != nil {
		cfg.ArtifactDir = *file.ArtifactDir
	}
	if file.IncludeGit != nil && *file.IncludeGit != "" {
		norm, err := validateIncludeGit(*file.IncludeGit)
		if err != nil {
			return err
		}
		cfg.IncludeGit = norm
	}
	if file.MaxBundleBytes != nil && *file.MaxBundleBytes > 0 {
		cfg.MaxBundleBytes = *file.MaxBundleBytes
	}
	if file.PollInterval != nil && *file.PollInterval != "" {
		d, err := parseDuration(*file.PollInterval)
		if err != nil {
			return erruser.New("Configuration poll_interval is invalid.", err)
		}
		cfg.PollInterval = d
	}
	if file.Timeout != nil && *file.Timeout != "" {
		d, err := parseDuration(*file.Timeout)
		if err != nil {
			return erruser.New("Configuration timeout is invalid.", err)
		}
		cfg.Timeout = d
	}
	if file.KeepUploads != nil {
		cfg.KeepUploads = *file.KeepUploads
	}
	if file.Background != nil {
		cfg.Background = *file.Background
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	// Try Go duration first (e.g. "5m", "30s")
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}
	// Try integer seconds
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * time.Second, nil
}

// env key names for config
const (
	envOpenAIAPIKey  = "OPENAI_API_KEY"
	envOpenAIModel   = "OPENAI_MODEL"
	envOpenAIBaseURL = "OPENAI_BASE_URL"

	envAPIKey         = "REDLINE_API_KEY"
	envModel          = "REDLINE_MODEL"
	envBaseURL        = "REDLINE_BASE_URL"
	envArtifactDir    = "REDLINE_ARTIFACT_DIR"
	envIncludeGit     = "REDLINE_INCLUDE_GIT"
	envMaxBundleBytes = "REDLINE_MAX_BUNDLE_BYTES"
	envPollInterval   = "REDLINE_POLL_INTERVAL"
	envTimeout        = "REDLINE_TIMEOUT"
	envKeepUploads    = "REDLINE_KEEP_UPLOADS"
	envBackground     = "REDLINE_BACKGROUND"
)

func applyEnv(cfg *Config, env []string) error {
	vals := make(map[string]string)
	for _, e := range env {
		idx := strings.Index(e, "=")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(e[:idx])
		val := strings.TrimSpace(e[idx+1:])
		vals[key] = val
	}
	// OPENAI_* first so the tool-specific REDLINE_* forms win.
	if v, ok := vals[envOpenAIAPIKey]; ok && v != "" {
		cfg.APIKey = v
	}
	if v, ok := vals[envOpenAIModel]; ok && v != "" {
		cfg.Model = v
	}
	if v, ok := vals[envOpenAIBaseURL]; ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := vals[envAPIKey]; ok && v != "" {
		cfg.APIKey = v
	}
	if v, ok := vals[envModel]; ok && v != "" {
		cfg.Model = v
	}
	if v, ok := vals[envBaseURL]; ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := vals[envArtifactDir]; ok {
		cfg.ArtifactDir = v
	}
	if v, ok := vals[envIncludeGit]; ok && v != "" {
		norm, err := validateIncludeGit(v)
		if err != nil {
			return err
		}
		cfg.IncludeGit = norm
	}
	if v, ok := vals[envMaxBundleBytes]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return erruser.New("REDLINE_MAX_BUNDLE_BYTES must be a valid number.", err)
		}
		if n <= 0 {
			return erruser.New("REDLINE_MAX_BUNDLE_BYTES must be positive.", nil)
		}
		cfg.MaxBundleBytes = n
	}
	if v, ok := vals[envPollInterval]; ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return erruser.New("REDLINE_POLL_INTERVAL must be a valid duration.", err)
		}
		cfg.PollInterval = d
	}
	if v, ok := vals[envTimeout]; ok && v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return erruser.New("REDLINE_TIMEOUT must be a valid duration.", err)
		}
		cfg.Timeout = d
	}
	if v, ok := vals[envKeepUploads]; ok && v != "" {
		b, err := parseBool(v)
		if err != nil {
			return erruser.New("REDLINE_KEEP_UPLOADS must be 1/true/yes/on or 0/false/no/off.", err)
		}
		cfg.KeepUploads = b
	}
	if v, ok := vals[envBackground]; ok && v != "" {
		b, err := parseBool(v)
		if err != nil {
			return erruser.New("REDLINE_BACKGROUND must be 1/true/yes/on or 0/false/no/off.", err)
		}
		cfg.Background = b
	}
	return nil
}

// parseBool parses common boolean env values: 1/true/yes/on = true, 0/false/no/off = false (case-insensitive).
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func applyOverrides(cfg *Config, o *Overrides) {
	if o == nil {
		return
	}
	if o.Model != nil {
		cfg.Model = *o.Model
	}
	if o.BaseURL != nil {
		cfg.BaseURL = *o.BaseURL
	}
	if o.APIKey != nil {
		cfg.APIKey = *o.APIKey
	}
	if o.ArtifactDir != nil {
		cfg.ArtifactDir = *o.ArtifactDir
	}
	if o.IncludeGit != nil && *o.IncludeGit != "" {
		if norm, err := validateIncludeGit(*o.IncludeGit); err == nil {
			cfg.IncludeGit = norm
		}
	}
	if o.MaxBundleBytes != nil && *o.MaxBundleBytes > 0 {
		cfg.MaxBundleBytes = *o.MaxBundleBytes
	}
	if o.PollInterval != nil {
		cfg.PollInterval = *o.PollInterval
	}
	if o.Timeout != nil {
		cfg.Timeout = *o.Timeout
	}
	if o.KeepUploads != nil {
		cfg.KeepUploads = *o.KeepUploads
	}
	if o.Background != nil {
		cfg.Background = *o.Background
	}
}
