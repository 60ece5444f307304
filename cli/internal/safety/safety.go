// Package safety (safety.go) decides whether a patch may be applied to
// the working tree. Two classes of violation exist: writes into
// repository internals (.git), which the user can explicitly allow, and
// path traversal out of the tree, which nothing can allow.
package safety

import (
	"errors"
	"path/filepath"
	"strings"

	"redline/cli/internal/erruser"
)

// ErrUnsafePatch reports a patch rejected by policy.
var ErrUnsafePatch = errors.New("unsafe patch")

// Verdict records every violation found, including ones the caller
// chose to allow, so the decision can be audited afterwards.
type Verdict struct {
	// GitDirPaths are touched paths inside a .git directory, at any
	// nesting depth.
	GitDirPaths []string
	// TraversalPaths are touched paths that are absolute or escape the
	// repository root.
	TraversalPaths []string
}

// Check validates the repo-relative paths a patch touches. Git-dir
// violations fail unless allowGitDir is set; traversal violations fail
// unconditionally, regardless of any override.
func Check(touched []string, allowGitDir bool) (*Verdict, error) {
	v := &Verdict{}
	for _, p := range touched {
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			v.TraversalPaths = append(v.TraversalPaths, p)
			continue
		}
		if touchesGitDir(p) {
			v.GitDirPaths = append(v.GitDirPaths, p)
		}
	}

	if len(v.TraversalPaths) > 0 {
		return v, erruser.New(
			"Patch writes outside the repository ("+strings.Join(v.TraversalPaths, ", ")+"). Refusing to apply.",
			ErrUnsafePatch)
	}
	if len(v.GitDirPaths) > 0 && !allowGitDir {
		return v, erruser.New(
			"Patch touches repository internals ("+strings.Join(v.GitDirPaths, ", ")+"). Re-run with --allow-git-dir-changes to proceed.",
			ErrUnsafePatch)
	}
	return v, nil
}

// touchesGitDir reports whether any segment of the path is ".git". A
// nested hit (vendor/x/.git/hooks) is just as dangerous as a top-level
// one.
func touchesGitDir(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".git" {
			return true
		}
	}
	return false
}
