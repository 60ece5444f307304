// Package apply (apply.go) applies parsed unified diffs to the working
// tree without shelling out to git. Application runs in two phases: a
// dry run stages every file's complete new content in memory and
// classifies each hunk, then a commit phase writes the staged contents
// with per-file atomic renames. No file is touched unless every hunk of
// every file applied cleanly in the dry run.
package apply

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"redline/cli/internal/diff"
	"redline/cli/internal/erruser"
)

// ErrConflict reports a patch that does not fit the current tree. The
// tree is untouched; the patch may fit after pulling or editing.
var ErrConflict = errors.New("patch does not apply")

// HunkStatus is the outcome of one hunk (or one file-level check) from
// the dry run, in patch order.
type HunkStatus struct {
	Path    string
	ID      string // short hunk ID; empty for file-level checks
	Applied bool
	Reason  string // empty when applied
}

// FileChange is one committed write, in commit order.
type FileChange struct {
	Path string
	Kind string // "create", "modify", "delete", "rename"
	From string // previous path for renames
}

// Result reports a Patch call. Applied is true only when the commit
// phase ran to completion; a rejected dry run leaves it false with the
// rejection reasons in Hunks.
type Result struct {
	Applied bool
	Hunks   []HunkStatus
	Changes []FileChange
}

// Options controls a Patch call.
type Options struct {
	// DryRun stops after validation; the tree is never written.
	DryRun bool
}

// Patch applies patches under root. On a conflict the returned Result
// carries every hunk's status alongside ErrConflict; on I/O failure a
// plain error is returned instead, since retrying won't help without
// fixing the environment.
func Patch(root string, patches []diff.FilePatch, opts Options) (*Result, error) {
	a := &applier{
		root:    root,
		virtual: make(map[string]*virtualFile),
		result:  &Result{},
	}
	clean := true
	for i := range patches {
		ok, err := a.plan(&patches[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			clean = false
		}
	}
	if !clean {
		return a.result, erruser.New(
			"Patch does not apply to the current tree. See the hunk report; nothing was modified.",
			ErrConflict)
	}
	if opts.DryRun {
		return a.result, nil
	}
	if err := a.commit(); err != nil {
		return a.result, err
	}
	a.result.Applied = true
	return a.result, nil
}

// virtualFile is the staged state of one path during the dry run.
type virtualFile struct {
	data   []byte
	exists bool
	mode   fs.FileMode
}

type plannedWrite struct {
	path    string
	content []byte
	mode    fs.FileMode
	kind    string
	from    string
}

// plannedRemove is a staged removal; record is false for rename
// sources, whose FileChange is carried by the write side.
type plannedRemove struct {
	path   string
	record bool
}

type applier struct {
	root    string
	virtual map[string]*virtualFile
	writes  []plannedWrite
	removes []plannedRemove
	result  *Result
}

// plan dry-runs one file patch, recording hunk statuses. A false
// return means at least one rejection; a non-nil error means an
// environment failure that aborts planning entirely.
func (a *applier) plan(fp *diff.FilePatch) (bool, error) {
	path := fp.Path()
	if !filepath.IsLocal(filepath.FromSlash(path)) ||
		(fp.OldPath != "" && !filepath.IsLocal(filepath.FromSlash(fp.OldPath))) {
		a.reject(path, "", "path escapes the repository root")
		return false, nil
	}
	if fp.Binary {
		a.reject(path, "", "binary patch not supported")
		return false, nil
	}

	switch {
	case fp.IsCreate():
		return a.planCreate(fp)
	case fp.IsDelete():
		return a.planDelete(fp)
	default:
		return a.planModify(fp)
	}
}

func (a *applier) planCreate(fp *diff.FilePatch) (bool, error) {
	vf, err := a.load(fp.NewPath)
	if err != nil {
		return false, err
	}
	if vf.exists {
		a.rejectHunks(fp, "target already exists")
		return false, nil
	}
	fl := &fileLines{}
	if !a.applyHunks(fl, fp) {
		return false, nil
	}
	content := []byte(fl.render())
	a.stage(fp.NewPath, content, 0644, true)
	a.writes = append(a.writes, plannedWrite{path: fp.NewPath, content: content, mode: 0644, kind: "create"})
	return true, nil
}

func (a *applier) planDelete(fp *diff.FilePatch) (bool, error) {
	vf, err := a.load(fp.OldPath)
	if err != nil {
		return false, err
	}
	if !vf.exists {
		a.rejectHunks(fp, "file does not exist")
		return false, nil
	}
	fl := splitLines(string(vf.data))
	if !a.applyHunks(fl, fp) {
		return false, nil
	}
	if rest := fl.render(); len(rest) != 0 {
		a.reject(fp.OldPath, "", "deletion leaves content behind; file changed since the patch was created")
		return false, nil
	}
	a.stage(fp.OldPath, nil, vf.mode, false)
	a.removes = append(a.removes, plannedRemove{path: fp.OldPath, record: true})
	return true, nil
}

func (a *applier) planModify(fp *diff.FilePatch) (bool, error) {
	vf, err := a.load(fp.OldPath)
	if err != nil {
		return false, err
	}
	if !vf.exists {
		a.rejectHunks(fp, "file does not exist")
		return false, nil
	}
	if fp.IsRename() {
		dst, err := a.load(fp.NewPath)
		if err != nil {
			return false, err
		}
		if dst.exists {
			a.rejectHunks(fp, "rename target already exists")
			return false, nil
		}
	}

	fl := splitLines(string(vf.data))
	if !a.applyHunks(fl, fp) {
		return false, nil
	}
	content := []byte(fl.render())

	if fp.IsRename() {
		a.stage(fp.OldPath, nil, vf.mode, false)
		a.stage(fp.NewPath, content, vf.mode, true)
		a.writes = append(a.writes, plannedWrite{
			path: fp.NewPath, content: content, mode: vf.mode, kind: "rename", from: fp.OldPath,
		})
		a.removes = append(a.removes, plannedRemove{path: fp.OldPath})
		return true, nil
	}
	a.stage(fp.NewPath, content, vf.mode, true)
	a.writes = append(a.writes, plannedWrite{path: fp.NewPath, content: content, mode: vf.mode, kind: "modify"})
	return true, nil
}

// applyHunks applies every hunk of fp to fl, appending a status per
// hunk. It keeps going after a rejection so the report covers the whole
// file.
func (a *applier) applyHunks(fl *fileLines, fp *diff.FilePatch) bool {
	ok := true
	delta := 0
	path := fp.Path()
	for hi := range fp.Hunks {
		h := &fp.Hunks[hi]
		id := diff.HunkID(path, h)
		oldBlock, newBlock := hunkBlocks(h)

		if len(oldBlock) == 0 {
			// Pure insertion: content goes after old line OldStart.
			at := h.OldStart + delta
			if at < 0 {
				at = 0
			}
			if at > len(fl.lines) {
				at = len(fl.lines)
			}
			fl.insert(at, newBlock)
			delta += len(newBlock)
			a.result.Hunks = append(a.result.Hunks, HunkStatus{Path: path, ID: id, Applied: true})
			continue
		}

		want := h.OldStart - 1 + delta
		idx, found := findBlock(fl.lines, blockTexts(oldBlock), want)
		if !found {
			a.result.Hunks = append(a.result.Hunks, HunkStatus{
				Path: path, ID: id,
				Reason: fmt.Sprintf("context mismatch near line %d", h.OldStart),
			})
			ok = false
			continue
		}
		fl.replace(idx, len(oldBlock), newBlock)
		delta += len(newBlock) - len(oldBlock)
		a.result.Hunks = append(a.result.Hunks, HunkStatus{Path: path, ID: id, Applied: true})
	}
	return ok
}

// commit writes the staged plan: every write lands via a temp file and
// rename in the target directory, then removals run. Dry-run success
// makes failures here unlikely, but a failure mid-commit is reported as
// an I/O error, not a conflict.
func (a *applier) commit() error {
	for _, w := range a.writes {
		abs := filepath.Join(a.root, filepath.FromSlash(w.path))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", w.path, err)
		}
		if err := writeAtomic(abs, w.content, w.mode); err != nil {
			return fmt.Errorf("write %s: %w", w.path, err)
		}
		change := FileChange{Path: w.path, Kind: w.kind, From: w.from}
		a.result.Changes = append(a.result.Changes, change)
	}
	for _, r := range a.removes {
		abs := filepath.Join(a.root, filepath.FromSlash(r.path))
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", r.path, err)
		}
		if r.record {
			a.result.Changes = append(a.result.Changes, FileChange{Path: r.path, Kind: "delete"})
		}
	}
	return nil
}

func writeAtomic(path string, content []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".apply-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// load returns the staged state of path, reading from disk on first
// touch so later patches in the same run see earlier staged results.
func (a *applier) load(path string) (*virtualFile, error) {
	if vf, ok := a.virtual[path]; ok {
		return vf, nil
	}
	abs := filepath.Join(a.root, filepath.FromSlash(path))
	data, err := os.ReadFile(abs)
	if errors.Is(err, fs.ErrNotExist) {
		vf := &virtualFile{}
		a.virtual[path] = vf
		return vf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	mode := fs.FileMode(0644)
	if info, statErr := os.Stat(abs); statErr == nil {
		mode = info.Mode().Perm()
	}
	vf := &virtualFile{data: data, exists: true, mode: mode}
	a.virtual[path] = vf
	return vf, nil
}

func (a *applier) stage(path string, content []byte, mode fs.FileMode, exists bool) {
	a.virtual[path] = &virtualFile{data: content, exists: exists, mode: mode}
}

func (a *applier) reject(path, id, reason string) {
	a.result.Hunks = append(a.result.Hunks, HunkStatus{Path: path, ID: id, Reason: reason})
}

func (a *applier) rejectHunks(fp *diff.FilePatch, reason string) {
	path := fp.Path()
	if len(fp.Hunks) == 0 {
		a.reject(path, "", reason)
		return
	}
	for hi := range fp.Hunks {
		a.reject(path, diff.HunkID(path, &fp.Hunks[hi]), reason)
	}
}

// fileLines models file content as lines plus whether the file ends
// without a trailing newline.
type fileLines struct {
	lines []string
	noEOL bool
}

func splitLines(content string) *fileLines {
	if content == "" {
		return &fileLines{}
	}
	noEOL := !strings.HasSuffix(content, "\n")
	return &fileLines{
		lines: strings.Split(strings.TrimSuffix(content, "\n"), "\n"),
		noEOL: noEOL,
	}
}

func (fl *fileLines) render() string {
	if len(fl.lines) == 0 {
		return ""
	}
	s := strings.Join(fl.lines, "\n")
	if !fl.noEOL {
		s += "\n"
	}
	return s
}

func (fl *fileLines) insert(at int, block []diff.Line) {
	texts := blockTexts(block)
	fl.lines = append(fl.lines[:at], append(append([]string{}, texts...), fl.lines[at:]...)...)
	if at+len(texts) == len(fl.lines) && len(block) > 0 {
		fl.noEOL = block[len(block)-1].NoEOL
	}
}

func (fl *fileLines) replace(at, n int, block []diff.Line) {
	texts := blockTexts(block)
	reachedEnd := at+n == len(fl.lines)
	fl.lines = append(fl.lines[:at], append(append([]string{}, texts...), fl.lines[at+n:]...)...)
	if reachedEnd {
		if len(block) > 0 {
			fl.noEOL = block[len(block)-1].NoEOL
		} else {
			fl.noEOL = false
		}
	}
}

// hunkBlocks splits a hunk body into the old-side block (context and
// deletions) and the new-side block (context and additions).
func hunkBlocks(h *diff.Hunk) (oldBlock, newBlock []diff.Line) {
	for _, l := range h.Lines {
		switch l.Op {
		case ' ':
			oldBlock = append(oldBlock, l)
			newBlock = append(newBlock, l)
		case '-':
			oldBlock = append(oldBlock, l)
		case '+':
			newBlock = append(newBlock, l)
		}
	}
	return oldBlock, newBlock
}

func blockTexts(block []diff.Line) []string {
	texts := make([]string, len(block))
	for i, l := range block {
		texts[i] = l.Text
	}
	return texts
}

// findBlock locates block in lines, preferring the declared position
// and widening the search outward one line at a time. Matching is
// exact; there is no fuzz.
func findBlock(lines, block []string, want int) (int, bool) {
	max := len(lines) - len(block)
	if max < 0 {
		return 0, false
	}
	if want < 0 {
		want = 0
	}
	if want > max {
		want = max
	}
	for off := 0; ; off++ {
		lo, hi := want-off, want+off
		if lo < 0 && hi > max {
			return 0, false
		}
		if lo >= 0 && matchAt(lines, block, lo) {
			return lo, true
		}
		if off > 0 && hi <= max && matchAt(lines, block, hi) {
			return hi, true
		}
	}
}

func matchAt(lines, block []string, at int) bool {
	for i, b := range block {
		if lines[at+i] != b {
			return false
		}
	}
	return true
}
