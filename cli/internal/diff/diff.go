// Package diff models unified diffs precisely enough to re-apply them:
// per-file old/new paths, per-hunk line ranges, and the individual
// context/deletion/addition lines of each hunk body.
//
// # Paths
// Paths are repo-relative with forward slashes. An empty OldPath marks a
// creation (the "---" side was /dev/null), an empty NewPath a deletion.
// Rename sections carry both paths, taken from "rename from"/"rename to"
// markers when the section has no body.
//
// # Binary files
// "Binary files ... differ" sections parse into a FilePatch with Binary
// set and no hunks. They survive parsing so the caller can report them;
// applying one is always rejected.
//
// # Tolerance
// Model-produced diffs are often sloppy about hunk counts, so declared
// counts steer parsing but are not enforced. Structural lines (new file
// headers, hunk headers) always terminate the current hunk body.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Line is one body line of a hunk.
type Line struct {
	Op   byte   // ' ', '-', or '+'
	Text string // content without the op byte or newline
	// NoEOL marks the side this line belongs to as lacking a trailing
	// newline ("\ No newline at end of file" followed the line).
	NoEOL bool
}

// Hunk is one @@-delimited change block.
type Hunk struct {
	OldStart, OldCount int
	NewStart, NewCount int
	Section            string // text after the closing @@, if any
	Lines              []Line
}

// FilePatch is one file's change within a patch.
type FilePatch struct {
	OldPath string // "" for creations
	NewPath string // "" for deletions
	Binary  bool
	Hunks   []Hunk
}

// IsCreate reports whether the patch creates NewPath.
func (fp *FilePatch) IsCreate() bool { return fp.OldPath == "" && fp.NewPath != "" }

// IsDelete reports whether the patch deletes OldPath.
func (fp *FilePatch) IsDelete() bool { return fp.NewPath == "" && fp.OldPath != "" }

// IsRename reports whether the patch moves OldPath to NewPath.
func (fp *FilePatch) IsRename() bool {
	return fp.OldPath != "" && fp.NewPath != "" && fp.OldPath != fp.NewPath
}

// Path returns the file's primary path for reporting: the new path when
// present, else the old one.
func (fp *FilePatch) Path() string {
	if fp.NewPath != "" {
		return fp.NewPath
	}
	return fp.OldPath
}

// TouchedPaths returns every repo-relative path a patch reads or writes,
// old and new sides included, de-duplicated in first-seen order.
func TouchedPaths(patches []FilePatch) []string {
	seen := make(map[string]bool, len(patches)*2)
	var out []string
	for i := range patches {
		for _, p := range []string{patches[i].OldPath, patches[i].NewPath} {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// HunkID returns a short deterministic ID for a hunk, derived from the
// file path and the hunk body with CRLF normalized. Used to correlate
// per-hunk apply results with the patch text.
func HunkID(path string, h *Hunk) string {
	var b strings.Builder
	b.WriteString(path)
	b.WriteString(":")
	for _, l := range h.Lines {
		b.WriteByte(l.Op)
		b.WriteString(strings.ReplaceAll(l.Text, "\r\n", "\n"))
		b.WriteString("\n")
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])[:12]
}
