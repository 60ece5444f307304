// Package extract (extract.go) pulls the unified diff patch out of a
// free-form review response. Reviewers are asked for exactly one
// fenced diff block, but responses drift: prose before and after,
// example snippets in extra fences, or a bare diff with no fence at
// all. Extraction considers every candidate, keeps the one with the
// most hunks, and preserves the surrounding prose for display.
package extract

import (
	"errors"
	"regexp"
	"strings"

	"redline/cli/internal/diff"
	"redline/cli/internal/erruser"
)

// ErrNoPatch reports a response with no parseable unified diff.
var ErrNoPatch = errors.New("no patch found in response")

var (
	_fenceRe = regexp.MustCompile("(?s)```diff\\s*(.*?)\\s*```")

	_headingStepsRe = regexp.MustCompile(`(?i)^\s*#+\s*Post-apply steps\s*$`)
	_plainStepsRe   = regexp.MustCompile(`(?i)^\s*Post-apply steps\s*:?\s*$`)
	_nextHeadingRe  = regexp.MustCompile(`^\s*#+\s*\S+`)
)

// Extraction is the result of pulling a patch from a response.
type Extraction struct {
	// Patch is the chosen diff text, normalized to end in one newline.
	Patch string
	// Patches is the parsed form of Patch.
	Patches []diff.FilePatch
	// FollowUp is the response with the chosen block removed. The prose
	// is kept verbatim; only the patch itself is cut out.
	FollowUp string
	// Discarded counts valid diff blocks that lost the selection.
	Discarded int
}

// FromResponse extracts the patch from response text. Candidates are
// the ```diff fenced blocks; when none parse, a bare "diff --git"
// through end of text is tried. With several valid candidates the one
// with the most hunks wins, ties going to the earliest. Candidates are
// never merged.
func FromResponse(text string) (*Extraction, error) {
	type candidate struct {
		patch      string
		parsed     []diff.FilePatch
		hunks      int
		start, end int
	}

	var candidates []candidate
	for _, m := range _fenceRe.FindAllStringSubmatchIndex(text, -1) {
		raw := strings.TrimSpace(text[m[2]:m[3]]) + "\n"
		parsed, err := diff.Parse(raw)
		if err != nil {
			// A fence holding sample output or a truncated diff; other
			// candidates may still be fine.
			continue
		}
		candidates = append(candidates, candidate{raw, parsed, countHunks(parsed), m[0], m[1]})
	}
	if len(candidates) == 0 {
		if idx := strings.Index(text, "diff --git "); idx >= 0 {
			raw := strings.TrimSpace(text[idx:]) + "\n"
			if parsed, err := diff.Parse(raw); err == nil {
				candidates = append(candidates, candidate{raw, parsed, countHunks(parsed), idx, len(text)})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, erruser.New("No unified diff patch found in the response.", ErrNoPatch)
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].hunks > candidates[best].hunks {
			best = i
		}
	}
	chosen := candidates[best]
	return &Extraction{
		Patch:     chosen.patch,
		Patches:   chosen.parsed,
		FollowUp:  strings.TrimSpace(text[:chosen.start] + text[chosen.end:]),
		Discarded: len(candidates) - 1,
	}, nil
}

// HasPatch reports whether text contains something extractable. Used by
// the manual-mode file watcher to tell "reviewer still writing" from
// "response ready".
func HasPatch(text string) bool {
	_, err := FromResponse(text)
	return err == nil
}

// PostApplySteps returns the content under a "Post-apply steps"
// heading, stopping at the next heading. Both markdown headings and a
// bare "Post-apply steps:" label are recognized. Empty when the
// response has no such section.
func PostApplySteps(text string) string {
	lines := strings.Split(text, "\n")
	start := -1
	for i, line := range lines {
		if _headingStepsRe.MatchString(line) || _plainStepsRe.MatchString(line) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return ""
	}
	var collected []string
	for _, line := range lines[start:] {
		if _nextHeadingRe.MatchString(line) {
			break
		}
		collected = append(collected, line)
	}
	return strings.TrimSpace(strings.Join(collected, "\n"))
}

func countHunks(patches []diff.FilePatch) int {
	n := 0
	for i := range patches {
		n += len(patches[i].Hunks)
	}
	return n
}
