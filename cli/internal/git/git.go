// Package git provides the repository helpers the bundling pipeline needs:
// root discovery, tracked/untracked file enumeration, and git-dir resolution.
// All helpers shell out to git so ignore-rule precedence (nested .gitignore
// files, negated patterns, global excludes) is exactly what git itself applies.
package git

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"redline/cli/internal/erruser"
)

// RepoRoot returns the absolute path of the git repository root containing dir.
// Runs "git rev-parse --show-toplevel" with Dir=dir. Returns error if dir is
// not inside a git repository.
func RepoRoot(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	cmd.Env = minimalEnv()
	out, err := cmd.Output()
	if err != nil {
		return "", erruser.New("This directory is not inside a Git repository.", err)
	}
	root := strings.TrimSpace(string(out))
	return filepath.Abs(root)
}

// GitDir returns the absolute path of the repository's git directory
// (normally <root>/.git, elsewhere for linked worktrees). Runs
// "git rev-parse --git-dir" and resolves relative output against repoRoot.
func GitDir(repoRoot string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = repoRoot
	cmd.Env = minimalEnv()
	out, err := cmd.Output()
	if err != nil {
		return "", erruser.New("Could not locate the repository's git directory.", err)
	}
	dir := strings.TrimSpace(string(out))
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return filepath.Abs(dir)
}

// LsFiles returns the repo-relative paths of all tracked files, one entry per
// path, in git's own order. Runs "git ls-files -z" so paths with spaces or
// unusual bytes survive intact.
func LsFiles(repoRoot string) ([]string, error) {
	out, err := lsFilesZ(repoRoot)
	if err != nil {
		return nil, erruser.New("Could not list tracked files.", err)
	}
	return splitNul(out), nil
}

// LsOthers returns the repo-relative paths of untracked files that are not
// ignored. Runs "git ls-files -z --others --exclude-standard", which applies
// the full ignore stack: nested .gitignore files, .git/info/exclude, and the
// user's global excludes.
func LsOthers(repoRoot string) ([]string, error) {
	out, err := lsFilesZ(repoRoot, "--others", "--exclude-standard")
	if err != nil {
		return nil, erruser.New("Could not list untracked files.", err)
	}
	return splitNul(out), nil
}

func lsFilesZ(repoRoot string, extra ...string) ([]byte, error) {
	args := append([]string{"ls-files", "-z"}, extra...)
	cmd := exec.Command("git", args...)
	cmd.Dir = repoRoot
	cmd.Env = minimalEnv()
	return cmd.Output()
}

// splitNul splits NUL-separated git output into entries, dropping empties.
func splitNul(out []byte) []string {
	parts := bytes.Split(out, []byte{0})
	paths := make([]string, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		paths = append(paths, string(p))
	}
	return paths
}

func minimalEnv() []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"GIT_TERMINAL_PROMPT=0",
		"GIT_PAGER=cat", // prevent pager; subprocess output is captured
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	} else if runtime.GOOS == "windows" {
		if profile := os.Getenv("USERPROFILE"); profile != "" {
			env = append(env, "HOME="+profile)
		}
	}
	return env
}

// MinimalEnv returns the environment used for git subprocesses. Exported for
// tests so callers can assert HOME is included when set.
func MinimalEnv() []string {
	return minimalEnv()
}
