package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run(t, dir, "git", "init")
	run(t, dir, "git", "config", "user.email", "test@redline.local")
	run(t, dir, "git", "config", "user.name", "Test")
	writeFile(t, dir, "a.txt", "a\n")
	run(t, dir, "git", "add", "a.txt")
	run(t, dir, "git", "commit", "-m", "c1")
	return dir
}

func run(t *testing.T, dir, name string, args ...string) {
	t.Helper()
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %v: %v\n%s", name, args, err, out)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRepoRoot(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	got, err := RepoRoot(repo)
	if err != nil {
		t.Fatalf("RepoRoot: %v", err)
	}
	abs, err := filepath.Abs(repo)
	if err != nil {
		t.Fatal(err)
	}
	if got != abs {
		t.Errorf("RepoRoot(%q) = %q, want %q", repo, got, abs)
	}
}

func TestRepoRoot_fromSubdir(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	sub := filepath.Join(repo, "pkg", "deep")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	got, err := RepoRoot(sub)
	if err != nil {
		t.Fatalf("RepoRoot: %v", err)
	}
	abs, _ := filepath.Abs(repo)
	if got != abs {
		t.Errorf("RepoRoot(subdir) = %q, want %q", got, abs)
	}
}

func TestRepoRoot_notARepo(t *testing.T) {
	t.Parallel()
	_, err := RepoRoot(t.TempDir())
	if err == nil {
		t.Fatal("RepoRoot(non-repo): expected error")
	}
}

func TestGitDir(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	got, err := GitDir(repo)
	if err != nil {
		t.Fatalf("GitDir: %v", err)
	}
	want, _ := filepath.Abs(filepath.Join(repo, ".git"))
	if got != want {
		t.Errorf("GitDir = %q, want %q", got, want)
	}
}

func TestLsFiles_trackedOnly(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	writeFile(t, repo, "untracked.txt", "u\n")
	got, err := LsFiles(repo)
	if err != nil {
		t.Fatalf("LsFiles: %v", err)
	}
	if !slices.Equal(got, []string{"a.txt"}) {
		t.Errorf("LsFiles = %v, want [a.txt]", got)
	}
}

func TestLsOthers_respectsIgnoreRules(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	writeFile(t, repo, ".gitignore", "secret.txt\n")
	writeFile(t, repo, "secret.txt", "s\n")
	writeFile(t, repo, "notes.md", "n\n")
	got, err := LsOthers(repo)
	if err != nil {
		t.Fatalf("LsOthers: %v", err)
	}
	if slices.Contains(got, "secret.txt") {
		t.Errorf("LsOthers includes ignored secret.txt: %v", got)
	}
	if !slices.Contains(got, "notes.md") {
		t.Errorf("LsOthers missing notes.md: %v", got)
	}
	if !slices.Contains(got, ".gitignore") {
		t.Errorf("LsOthers missing .gitignore itself: %v", got)
	}
}

func TestLsOthers_nestedAndNegatedPatterns(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	writeFile(t, repo, ".gitignore", "*.log\n")
	writeFile(t, repo, "sub/.gitignore", "!keep.log\n")
	writeFile(t, repo, "top.log", "x\n")
	writeFile(t, repo, "sub/drop.log", "x\n")
	writeFile(t, repo, "sub/keep.log", "x\n")
	got, err := LsOthers(repo)
	if err != nil {
		t.Fatalf("LsOthers: %v", err)
	}
	if slices.Contains(got, "top.log") || slices.Contains(got, "sub/drop.log") {
		t.Errorf("ignored logs leaked through: %v", got)
	}
	if !slices.Contains(got, "sub/keep.log") {
		t.Errorf("negated pattern should re-include sub/keep.log: %v", got)
	}
}

func TestLsFiles_pathWithSpaces(t *testing.T) {
	t.Parallel()
	repo := initRepo(t)
	writeFile(t, repo, "has space.txt", "x\n")
	run(t, repo, "git", "add", "has space.txt")
	got, err := LsFiles(repo)
	if err != nil {
		t.Fatalf("LsFiles: %v", err)
	}
	if !slices.Contains(got, "has space.txt") {
		t.Errorf("LsFiles = %v, want entry %q", got, "has space.txt")
	}
}

func TestMinimalEnv_includesPathAndGitGuards(t *testing.T) {
	t.Parallel()
	env := MinimalEnv()
	var hasPath, hasPrompt bool
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
		if e == "GIT_TERMINAL_PROMPT=0" {
			hasPrompt = true
		}
	}
	if !hasPath || !hasPrompt {
		t.Errorf("MinimalEnv missing PATH or GIT_TERMINAL_PROMPT: %v", env)
	}
}
