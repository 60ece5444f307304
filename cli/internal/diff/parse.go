package diff

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const _binaryMarker = "Binary files "

// hunkHeader matches @@ -oldStart,oldCount +newStart,newCount @@ with an
// optional trailing section heading; counts default to 1 when omitted.
var _hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@(.*)$`)

// Parse parses unified diff text into file patches. "diff --git"
// headers are optional: a section may open directly with a ---/+++
// pair. Prose outside sections is ignored, so text captured from a
// model response can carry explanation around the patch. At least one
// file section is required.
func Parse(text string) ([]FilePatch, error) {
	p := &parser{}
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if p.hunk != nil && p.consumeBody(line) {
			continue
		}
		p.closeHunk()
		if err := p.structure(line); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if err := p.closeSection(); err != nil {
		return nil, err
	}
	if len(p.patches) == 0 {
		return nil, fmt.Errorf("diff: no file sections found")
	}
	return p.patches, nil
}

// section accumulates one file's headers and hunks until the next
// section starts or input ends.
type section struct {
	gitA, gitB  string // from "diff --git", fallback only
	oldPath     string
	newPath     string
	havePair    bool
	pendingOld  string
	havePending bool
	renameFrom  string
	renameTo    string
	newFile     bool
	deletedFile bool
	hasMarkers  bool
	binary      bool
	hunks       []Hunk
}

type parser struct {
	patches []FilePatch
	sec     *section
	hunk    *Hunk
	remOld  int
	remNew  int
}

// consumeBody interprets line as hunk body while declared counts
// remain. While either count is outstanding a leading '-' or '+' is
// always body, even for lines that resemble ---/+++ headers; that
// mirrors how git apply reads hunks. A false return means the line is
// structural and the hunk is over.
func (p *parser) consumeBody(line string) bool {
	if strings.HasPrefix(line, `\`) {
		// "\ No newline at end of file" annotates the line before it.
		if n := len(p.hunk.Lines); n > 0 {
			p.hunk.Lines[n-1].NoEOL = true
		}
		return true
	}
	if p.remOld <= 0 && p.remNew <= 0 {
		return false
	}
	if line == "" {
		// Context line whose leading space was stripped in transit.
		p.addLine(' ', "")
		return true
	}
	switch line[0] {
	case ' ':
		p.addLine(' ', line[1:])
	case '-':
		p.addLine('-', line[1:])
	case '+':
		p.addLine('+', line[1:])
	default:
		return false
	}
	return true
}

func (p *parser) addLine(op byte, text string) {
	p.hunk.Lines = append(p.hunk.Lines, Line{Op: op, Text: text})
	switch op {
	case ' ':
		p.remOld--
		p.remNew--
	case '-':
		p.remOld--
	case '+':
		p.remNew--
	}
}

func (p *parser) structure(line string) error {
	switch {
	case strings.HasPrefix(line, "diff --git "):
		if err := p.closeSection(); err != nil {
			return err
		}
		p.sec = &section{}
		p.sec.gitA, p.sec.gitB = parseGitHeader(line)

	case strings.HasPrefix(line, "--- "):
		if p.sec != nil && p.sec.havePair {
			if err := p.closeSection(); err != nil {
				return err
			}
		}
		if p.sec == nil {
			p.sec = &section{}
		}
		if p.sec.havePending {
			return fmt.Errorf("diff: missing +++ line after --- %s", p.sec.pendingOld)
		}
		p.sec.pendingOld = parseHeaderPath(line[4:])
		p.sec.havePending = true

	case strings.HasPrefix(line, "+++ "):
		if p.sec == nil || !p.sec.havePending {
			return fmt.Errorf("diff: +++ line without a preceding ---")
		}
		p.sec.oldPath = p.sec.pendingOld
		p.sec.newPath = parseHeaderPath(line[4:])
		p.sec.havePair = true
		p.sec.havePending = false

	case _hunkHeaderRe.MatchString(line):
		if p.sec == nil || !p.sec.havePair {
			return fmt.Errorf("diff: hunk header without file headers: %s", line)
		}
		m := _hunkHeaderRe.FindStringSubmatch(line)
		oldStart, _ := strconv.Atoi(m[1])
		newStart, _ := strconv.Atoi(m[3])
		oldCount, newCount := 1, 1
		if m[2] != "" {
			oldCount, _ = strconv.Atoi(m[2])
		}
		if m[4] != "" {
			newCount, _ = strconv.Atoi(m[4])
		}
		p.hunk = &Hunk{
			OldStart: oldStart, OldCount: oldCount,
			NewStart: newStart, NewCount: newCount,
			Section: strings.TrimPrefix(m[5], " "),
		}
		p.remOld, p.remNew = oldCount, newCount

	case strings.HasPrefix(line, "rename from "):
		if p.sec != nil {
			p.sec.renameFrom = strings.TrimPrefix(line, "rename from ")
			p.sec.hasMarkers = true
		}
	case strings.HasPrefix(line, "rename to "):
		if p.sec != nil {
			p.sec.renameTo = strings.TrimPrefix(line, "rename to ")
			p.sec.hasMarkers = true
		}
	case strings.HasPrefix(line, "new file mode"):
		if p.sec != nil {
			p.sec.newFile = true
			p.sec.hasMarkers = true
		}
	case strings.HasPrefix(line, "deleted file mode"):
		if p.sec != nil {
			p.sec.deletedFile = true
			p.sec.hasMarkers = true
		}
	case hasAnyPrefix(line, "index ", "old mode ", "new mode ", "similarity index ",
		"dissimilarity index ", "copy from ", "copy to "):
		if p.sec != nil {
			p.sec.hasMarkers = true
		}
	case strings.HasPrefix(line, _binaryMarker):
		if p.sec != nil {
			p.sec.binary = true
		}
	}
	// Anything else is prose around the patch; ignore it.
	return nil
}

func (p *parser) closeHunk() {
	if p.hunk == nil {
		return
	}
	if len(p.hunk.Lines) > 0 {
		p.sec.hunks = append(p.sec.hunks, *p.hunk)
	}
	p.hunk = nil
}

func (p *parser) closeSection() error {
	p.closeHunk()
	s := p.sec
	if s == nil {
		return nil
	}
	p.sec = nil
	if s.havePending {
		return fmt.Errorf("diff: missing +++ line after --- %s", s.pendingOld)
	}

	fp := FilePatch{Binary: s.binary, Hunks: s.hunks}
	switch {
	case s.havePair:
		fp.OldPath, fp.NewPath = s.oldPath, s.newPath
	case s.renameFrom != "" && s.renameTo != "":
		fp.OldPath, fp.NewPath = s.renameFrom, s.renameTo
	case s.gitA != "" || s.gitB != "":
		fp.OldPath, fp.NewPath = s.gitA, s.gitB
	default:
		return fmt.Errorf("diff: file section without any path")
	}
	if s.newFile {
		fp.OldPath = ""
	}
	if s.deletedFile {
		fp.NewPath = ""
	}
	if fp.OldPath != "" && fp.NewPath != "" && fp.OldPath != fp.NewPath && s.renameFrom == "" {
		return fmt.Errorf("diff: header paths disagree (%s vs %s) without rename markers", fp.OldPath, fp.NewPath)
	}
	if fp.OldPath == "" && fp.NewPath == "" {
		return fmt.Errorf("diff: file section with no usable path")
	}
	if !fp.Binary && len(fp.Hunks) == 0 && !s.hasMarkers {
		return fmt.Errorf("diff: empty file section for %s", fp.Path())
	}
	p.patches = append(p.patches, fp)
	return nil
}

func parseGitHeader(line string) (a, b string) {
	// "diff --git a/path b/path". Paths with spaces are ambiguous here;
	// the authoritative paths come from ---/+++ or rename markers.
	parts := strings.Fields(strings.TrimPrefix(line, "diff --git "))
	if len(parts) >= 2 {
		a = trimDiffPath(parts[0])
		b = trimDiffPath(parts[len(parts)-1])
	}
	return a, b
}

// parseHeaderPath extracts the path from the remainder of a ---/+++
// line: cut the tab-separated annotation, unquote git's quoting, map
// /dev/null to "", strip the a/ or b/ prefix.
func parseHeaderPath(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, " ")
	if strings.HasPrefix(s, `"`) {
		if unq, err := strconv.Unquote(s); err == nil {
			s = unq
		}
	}
	if s == "/dev/null" {
		return ""
	}
	return trimDiffPath(s)
}

func trimDiffPath(s string) string {
	if len(s) >= 2 && (s[0] == 'a' || s[0] == 'b') && s[1] == '/' {
		return s[2:]
	}
	return s
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
