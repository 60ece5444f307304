// Package tree (tree.go) enumerates the working-tree files eligible for
// bundling. Membership comes from git itself — tracked files plus
// untracked files that no ignore rule excludes — so nested .gitignore
// precedence, global excludes, and .git/info/exclude all behave exactly
// as git enforces them. The walk never descends into .git; archive
// policy for repository metadata is decided elsewhere.
package tree

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"redline/cli/internal/erruser"
	"redline/cli/internal/git"
)

// File is one bundle candidate inside the working tree.
type File struct {
	Path string      // repo-relative, forward slashes
	Mode fs.FileMode // from lstat; symlinks keep fs.ModeSymlink
	Size int64
}

// Tree is the outcome of a walk: the files to bundle, lexicographically
// sorted, plus notes about enumerated paths that could not be included.
type Tree struct {
	Root    string // absolute repository root
	Files   []File
	Skipped []string
}

// Collect enumerates bundle candidates under repoRoot. Files that
// vanish between enumeration and stat are recorded in Skipped and the
// walk continues; only a failed enumeration or an unusable root aborts.
// Selection depends on paths alone, never on file contents, so an
// unchanged tree always yields the same membership.
func Collect(repoRoot string) (*Tree, error) {
	root, err := filepath.Abs(repoRoot)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, erruser.New("Repository root is not accessible.", err)
	}
	if !info.IsDir() {
		return nil, erruser.New("Repository root is not a directory.", nil)
	}

	tracked, err := git.LsFiles(root)
	if err != nil {
		return nil, err
	}
	untracked, err := git.LsOthers(root)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(tracked)+len(untracked))
	paths = append(paths, tracked...)
	paths = append(paths, untracked...)
	slices.Sort(paths)
	paths = slices.Compact(paths)

	t := &Tree{Root: root}
	for _, p := range paths {
		// git should never report these, but a submodule or an odd
		// index state must not smuggle repository internals into the
		// candidate list.
		if p == ".git" || strings.HasPrefix(p, ".git/") {
			continue
		}
		fi, err := os.Lstat(filepath.Join(root, filepath.FromSlash(p)))
		if err != nil {
			t.Skipped = append(t.Skipped, p+": vanished during walk")
			continue
		}
		if fi.IsDir() {
			// Submodule entries surface as directories here.
			t.Skipped = append(t.Skipped, p+": directory entry (submodule?), not bundled")
			continue
		}
		if !fi.Mode().IsRegular() && fi.Mode()&fs.ModeSymlink == 0 {
			t.Skipped = append(t.Skipped, p+": not a regular file or symlink")
			continue
		}
		t.Files = append(t.Files, File{Path: p, Mode: fi.Mode(), Size: fi.Size()})
	}
	return t, nil
}
