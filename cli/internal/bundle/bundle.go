// Package bundle (bundle.go) builds the zip archive submitted for
// review. The archive is deterministic: entries are written in
// lexicographic order with a fixed modification timestamp, so an
// unchanged working tree produces a byte-identical bundle on every run.
// Repository metadata under .git is included according to a Policy;
// only the sanitized form of .git/config ever enters a metadata bundle.
package bundle

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"redline/cli/internal/erruser"
	"redline/cli/internal/sanitize"
	"redline/cli/internal/tree"
)

// DefaultMaxBytes caps the archive size unless configured otherwise.
const DefaultMaxBytes int64 = 100 << 20

// Entries share a fixed timestamp (the zip format epoch) so rebuilds of
// an unchanged tree are byte-identical.
var _zipEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

var (
	// ErrNoGitDir reports a metadata or full policy against a tree with
	// no .git at all.
	ErrNoGitDir = errors.New("no .git directory")

	// ErrTooLarge reports an archive that grew past the configured cap.
	ErrTooLarge = errors.New("bundle exceeds size limit")
)

// Policy selects how much of .git enters the archive.
type Policy int

const (
	// PolicyNone bundles the working tree only.
	PolicyNone Policy = iota
	// PolicyMetadata bundles refs, HEAD and a credential-sanitized
	// config alongside the working tree.
	PolicyMetadata
	// PolicyFull bundles all of .git except *.lock files, verbatim.
	PolicyFull
)

// ParsePolicy maps the user-facing policy names to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "none":
		return PolicyNone, nil
	case "metadata":
		return PolicyMetadata, nil
	case "full":
		return PolicyFull, nil
	}
	return 0, erruser.New(fmt.Sprintf("Unknown --include-git value %q; use none, metadata, or full.", s), nil)
}

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyMetadata:
		return "metadata"
	case PolicyFull:
		return "full"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// Options controls a single Build.
type Options struct {
	// OutPath is the archive destination; the write is atomic.
	OutPath string
	Policy  Policy
	// ExcludeDir is a repo-relative directory (forward slashes) dropped
	// from the working-tree portion, normally the artifact directory so
	// a bundle never contains its predecessor.
	ExcludeDir string
	// MaxBytes caps the archive size; 0 means DefaultMaxBytes.
	MaxBytes int64
}

// Result describes a finished archive.
type Result struct {
	Path     string
	Size     int64
	SHA256   string
	Entries  int
	Warnings []string
}

// entry is one planned archive member. Exactly one of abs and content
// is the source: abs streams a file from disk, content holds literal
// bytes (symlink targets, sanitized config, .git pointer files).
type entry struct {
	name    string
	abs     string
	mode    fs.FileMode
	content []byte
}

// Build writes the archive for t under opts.OutPath. Files that vanish
// between the walk and the read are skipped with a warning; any other
// read failure aborts, since a silently partial bundle must never be
// submitted for review.
func Build(t *tree.Tree, opts Options) (*Result, error) {
	maxBytes := opts.MaxBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxBytes
	}

	entries := treeEntries(t, opts.ExcludeDir)
	gitEnts, warnings, err := gitEntries(t.Root, opts.Policy)
	if err != nil {
		return nil, err
	}
	entries = append(entries, gitEnts...)
	slices.SortFunc(entries, func(a, b entry) int {
		return strings.Compare(a.name, b.name)
	})

	if err := os.MkdirAll(filepath.Dir(opts.OutPath), 0755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(opts.OutPath), ".bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash := sha256.New()
	counted := &cappedWriter{w: io.MultiWriter(tmp, hash), max: maxBytes}
	zw := zip.NewWriter(counted)

	res := &Result{Path: opts.OutPath, Warnings: warnings}
	for _, e := range entries {
		skipped, err := writeEntry(zw, e)
		if err != nil {
			zw.Close()
			if errors.Is(err, ErrTooLarge) {
				return nil, erruser.New(fmt.Sprintf(
					"Bundle exceeds the %s limit. Ignore large files or raise max_bundle_bytes.",
					FormatBytes(maxBytes)), ErrTooLarge)
			}
			return nil, err
		}
		if skipped {
			res.Warnings = append(res.Warnings, e.name+": vanished before read, skipped")
			continue
		}
		res.Entries++
	}
	if err := zw.Close(); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return nil, erruser.New(fmt.Sprintf(
				"Bundle exceeds the %s limit. Ignore large files or raise max_bundle_bytes.",
				FormatBytes(maxBytes)), ErrTooLarge)
		}
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), opts.OutPath); err != nil {
		return nil, fmt.Errorf("publish archive: %w", err)
	}

	res.Size = counted.n
	res.SHA256 = hex.EncodeToString(hash.Sum(nil))
	return res, nil
}

// writeEntry adds one member to the archive. A true return means the
// source file disappeared and the entry was skipped before any header
// was written.
func writeEntry(zw *zip.Writer, e entry) (skipped bool, err error) {
	hdr := &zip.FileHeader{
		Name:     e.name,
		Method:   zip.Deflate,
		Modified: _zipEpoch,
	}
	hdr.SetMode(e.mode)

	if e.mode&fs.ModeSymlink != 0 && e.content == nil {
		target, err := os.Readlink(e.abs)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return true, nil
			}
			return false, fmt.Errorf("read symlink %s: %w", e.name, err)
		}
		e.content = []byte(target)
	}

	if e.content != nil {
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return false, err
		}
		_, err = w.Write(e.content)
		return false, err
	}

	f, err := os.Open(e.abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, fmt.Errorf("open %s: %w", e.name, err)
	}
	defer f.Close()
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(w, f); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return false, err
		}
		return false, fmt.Errorf("read %s: %w", e.name, err)
	}
	return false, nil
}

func treeEntries(t *tree.Tree, excludeDir string) []entry {
	entries := make([]entry, 0, len(t.Files))
	for _, f := range t.Files {
		if excludeDir != "" {
			if f.Path == excludeDir || strings.HasPrefix(f.Path, excludeDir+"/") {
				continue
			}
		}
		entries = append(entries, entry{
			name: f.Path,
			abs:  filepath.Join(t.Root, filepath.FromSlash(f.Path)),
			mode: f.Mode,
		})
	}
	return entries
}

// gitEntries plans the .git portion of the archive for the policy.
func gitEntries(root string, policy Policy) ([]entry, []string, error) {
	if policy == PolicyNone {
		return nil, nil, nil
	}
	gitPath := filepath.Join(root, ".git")
	fi, err := os.Lstat(gitPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, erruser.New(
			"No .git directory found. Use --include-git=none for trees without repository metadata.",
			ErrNoGitDir)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("stat .git: %w", err)
	}

	if !fi.IsDir() {
		// Linked worktree or submodule checkout: .git is a pointer file
		// referencing a gitdir elsewhere. Bundle the pointer only.
		content, err := os.ReadFile(gitPath)
		if err != nil {
			return nil, nil, fmt.Errorf("read .git pointer file: %w", err)
		}
		warn := ".git is a file (linked worktree); bundling the pointer only, not the referenced gitdir"
		return []entry{{name: ".git", mode: fi.Mode(), content: content}}, []string{warn}, nil
	}

	switch policy {
	case PolicyMetadata:
		return metadataEntries(root)
	case PolicyFull:
		return fullEntries(root)
	}
	return nil, nil, nil
}

// metadataEntries selects the allowlisted subset of .git that lets a
// reviewer see branch state without receiving objects or hooks. Config
// always passes through the sanitizer first.
func metadataEntries(root string) ([]entry, []string, error) {
	gitDir := filepath.Join(root, ".git")
	var entries []entry

	for _, rel := range []string{"HEAD", "packed-refs", "description", "info/exclude"} {
		abs := filepath.Join(gitDir, filepath.FromSlash(rel))
		fi, err := os.Lstat(abs)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		entries = append(entries, entry{name: ".git/" + rel, abs: abs, mode: fi.Mode()})
	}

	if raw, err := os.ReadFile(filepath.Join(gitDir, "config")); err == nil {
		entries = append(entries, entry{
			name:    ".git/config",
			mode:    0644,
			content: []byte(sanitize.GitConfig(string(raw))),
		})
	}

	err := filepath.WalkDir(filepath.Join(gitDir, "refs"), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(gitDir, p)
		if err != nil {
			return err
		}
		entries = append(entries, entry{name: ".git/" + filepath.ToSlash(rel), abs: p, mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk .git/refs: %w", err)
	}
	return entries, nil, nil
}

// fullEntries takes all of .git except *.lock files, verbatim. The
// caller opted into shipping raw metadata, credentials included.
func fullEntries(root string) ([]entry, []string, error) {
	gitDir := filepath.Join(root, ".git")
	var entries []entry

	err := filepath.WalkDir(gitDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() && info.Mode()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		entries = append(entries, entry{name: filepath.ToSlash(rel), abs: p, mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk .git: %w", err)
	}
	return entries, nil, nil
}

// cappedWriter counts bytes and fails the write that crosses max.
type cappedWriter struct {
	w   io.Writer
	n   int64
	max int64
}

func (cw *cappedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	if err == nil && cw.max > 0 && cw.n > cw.max {
		return n, ErrTooLarge
	}
	return n, err
}

// FormatBytes renders a byte count for progress output.
func FormatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
