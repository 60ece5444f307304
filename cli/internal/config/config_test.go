package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func ptrStr(s string) *string { return &s }

func writeRepoConfig(t *testing.T, repoRoot, content string) {
	t.Helper()
	dir := filepath.Join(repoRoot, ".redline")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if cfg.Model != "" {
		t.Errorf("Model = %q, want empty (no default model)", cfg.Model)
	}
	if cfg.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.IncludeGit != "metadata" {
		t.Errorf("IncludeGit = %q, want metadata", cfg.IncludeGit)
	}
	if cfg.MaxBundleBytes != 100<<20 {
		t.Errorf("MaxBundleBytes = %d, want 100 MiB", cfg.MaxBundleBytes)
	}
	if cfg.PollInterval != 2*time.Second || cfg.Timeout != 90*time.Minute {
		t.Errorf("PollInterval/Timeout = %v/%v", cfg.PollInterval, cfg.Timeout)
	}
	if !cfg.Background {
		t.Error("Background should default to true")
	}
	if cfg.KeepUploads {
		t.Error("KeepUploads should default to false")
	}
}

func TestLoad_defaultsOnly(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nonexistent.toml"),
		Env:              []string{},
		Overrides:        nil,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultConfig()
	if *cfg != want {
		t.Errorf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestLoad_repoOverridesGlobal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	globalPath := filepath.Join(dir, "global.toml")
	if err := os.WriteFile(globalPath, []byte("model = \"global-model\"\ntimeout = \"10m\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	repoRoot := filepath.Join(dir, "repo")
	writeRepoConfig(t, repoRoot, `model = "repo-model"`)

	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: globalPath,
		Env:              []string{},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "repo-model" {
		t.Errorf("Model = %q, want repo-model (repo overrides global)", cfg.Model)
	}
	if cfg.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %v, want the global file's 10m to survive", cfg.Timeout)
	}
}

func TestLoad_envOverridesRepo(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	writeRepoConfig(t, repoRoot, `model = "repo-model"`)

	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nonexistent.toml"),
		Env:              []string{"OPENAI_MODEL=env-model"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "env-model" {
		t.Errorf("Model = %q, want env-model", cfg.Model)
	}
}

func TestLoad_redlineEnvWinsOverOpenAI(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env: []string{
			"OPENAI_MODEL=generic",
			"REDLINE_MODEL=specific",
			"OPENAI_API_KEY=sk-generic",
			"REDLINE_API_KEY=sk-specific",
			"OPENAI_BASE_URL=https://proxy.example/v1",
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "specific" {
		t.Errorf("Model = %q, want the REDLINE_ form to win", cfg.Model)
	}
	if cfg.APIKey != "sk-specific" {
		t.Errorf("APIKey = %q, want the REDLINE_ form to win", cfg.APIKey)
	}
	if cfg.BaseURL != "https://proxy.example/v1" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
}

func TestLoad_overridesOverrideEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_MODEL=env-model"},
		Overrides:        &Overrides{Model: ptrStr("flag-model")},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Model != "flag-model" {
		t.Errorf("Model = %q, want flag-model", cfg.Model)
	}
}

func TestLoad_apiKeyNeverFromFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	// Unknown keys are ignored by the TOML decode; a committed api_key
	// must not become the effective credential.
	writeRepoConfig(t, repoRoot, "model = \"m\"\napi_key = \"sk-from-file\"\n")

	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIKey != "" {
		t.Errorf("APIKey = %q, want empty (files cannot set credentials)", cfg.APIKey)
	}
}

func TestLoad_invalidTOML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	writeRepoConfig(t, repoRoot, `model = `)

	ctx := context.Background()
	_, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{},
	})
	if err == nil {
		t.Fatal("Load: want error for invalid TOML, got nil")
	}
}

func TestLoad_durationsFromTOML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	writeRepoConfig(t, repoRoot, "timeout = \"45m\"\npoll_interval = \"10\"\n")

	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout != 45*time.Minute {
		t.Errorf("Timeout = %v, want 45m", cfg.Timeout)
	}
	if cfg.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want bare integers read as seconds", cfg.PollInterval)
	}
}

func TestLoad_envDurations(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_TIMEOUT=3600", "REDLINE_POLL_INTERVAL=5s"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Timeout != time.Hour {
		t.Errorf("Timeout = %v, want 1h", cfg.Timeout)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
}

func TestLoad_invalidTimeoutEnv(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	_, err := Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_TIMEOUT=soon"},
	})
	if err == nil {
		t.Fatal("Load: want error for invalid duration, got nil")
	}
}

func TestLoad_includeGitValidated(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_INCLUDE_GIT=Full"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.IncludeGit != "full" {
		t.Errorf("IncludeGit = %q, want normalized full", cfg.IncludeGit)
	}

	_, err = Load(ctx, LoadOptions{
		RepoRoot:         dir,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_INCLUDE_GIT=everything"},
	})
	if err == nil {
		t.Fatal("Load: want error for unknown include_git value, got nil")
	}
}

func TestLoad_maxBundleBytes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	writeRepoConfig(t, repoRoot, "max_bundle_bytes = 1048576\n")

	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBundleBytes != 1<<20 {
		t.Errorf("MaxBundleBytes = %d, want 1 MiB", cfg.MaxBundleBytes)
	}

	_, err = Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_MAX_BUNDLE_BYTES=-5"},
	})
	if err == nil {
		t.Fatal("Load: want error for non-positive size, got nil")
	}
}

func TestLoad_booleans(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	repoRoot := filepath.Join(dir, "repo")
	writeRepoConfig(t, repoRoot, "background = false\nkeep_uploads = true\n")

	ctx := context.Background()
	cfg, err := Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Background {
		t.Error("Background = true, want the repo file's false")
	}
	if !cfg.KeepUploads {
		t.Error("KeepUploads = false, want the repo file's true")
	}

	cfg, err = Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_BACKGROUND=on", "REDLINE_KEEP_UPLOADS=off"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Background || cfg.KeepUploads {
		t.Errorf("env bools not applied: Background=%v KeepUploads=%v", cfg.Background, cfg.KeepUploads)
	}

	_, err = Load(ctx, LoadOptions{
		RepoRoot:         repoRoot,
		GlobalConfigPath: filepath.Join(dir, "nope.toml"),
		Env:              []string{"REDLINE_BACKGROUND=maybe"},
	})
	if err == nil {
		t.Fatal("Load: want error for invalid boolean, got nil")
	}
}

func TestEffectiveArtifactDir(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if got := cfg.EffectiveArtifactDir("/repo"); got != filepath.Join("/repo", ".redline") {
		t.Errorf("EffectiveArtifactDir = %q", got)
	}
	cfg.ArtifactDir = "/tmp/artifacts"
	if got := cfg.EffectiveArtifactDir("/repo"); got != "/tmp/artifacts" {
		t.Errorf("EffectiveArtifactDir = %q, want the explicit dir", got)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"5m", 5 * time.Minute},
		{"90s", 90 * time.Second},
		{"300", 300 * time.Second},
		{" 2h ", 2 * time.Hour},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		if err != nil {
			t.Errorf("parseDuration(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration_invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "later", "5 minutes"} {
		if _, err := parseDuration(in); err == nil {
			t.Errorf("parseDuration(%q): want error, got nil", in)
		}
	}
}
