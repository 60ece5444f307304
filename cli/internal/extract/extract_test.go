package extract

import (
	"errors"
	"strings"
	"testing"
)

const _patchOne = `diff --git a/a.txt b/a.txt
--- a/a.txt
+++ b/a.txt
@@ -1 +1 @@
-x
+y`

const _patchThree = `diff --git a/b.txt b/b.txt
--- a/b.txt
+++ b/b.txt
@@ -1 +1 @@
-1
+2
@@ -10 +10 @@
-3
+4
@@ -20 +20 @@
-5
+6`

func fence(patch string) string {
	return "```diff\n" + patch + "\n```"
}

func TestFromResponse_singleFencedBlock(t *testing.T) {
	t.Parallel()
	text := "## Feedback\nLooks mostly fine.\n\n## Patch\n" + fence(_patchOne) + "\n\n## Post-apply steps\nRun the tests.\n"

	ex, err := FromResponse(text)
	if err != nil {
		t.Fatalf("FromResponse: %v", err)
	}
	if !strings.HasSuffix(ex.Patch, "+y\n") {
		t.Errorf("patch not normalized to trailing newline: %q", ex.Patch)
	}
	if !strings.HasPrefix(ex.Patch, "diff --git ") {
		t.Errorf("patch start = %q", ex.Patch[:20])
	}
	if len(ex.Patches) != 1 {
		t.Errorf("parsed %d file patches, want 1", len(ex.Patches))
	}
	if ex.Discarded != 0 {
		t.Errorf("Discarded = %d, want 0", ex.Discarded)
	}
}

func TestFromResponse_followUpKeepsProseVerbatim(t *testing.T) {
	t.Parallel()
	before := "## Feedback\nThe error path in loadConfig leaks the file handle.\n\n"
	after := "\n\n## Post-apply steps\nRe-run linting.\n"
	ex, err := FromResponse(before + fence(_patchOne) + after)
	if err != nil {
		t.Fatalf("FromResponse: %v", err)
	}
	if !strings.Contains(ex.FollowUp, "leaks the file handle") {
		t.Errorf("prose before the patch lost:\n%s", ex.FollowUp)
	}
	if !strings.Contains(ex.FollowUp, "Re-run linting.") {
		t.Errorf("prose after the patch lost:\n%s", ex.FollowUp)
	}
	if strings.Contains(ex.FollowUp, "diff --git") {
		t.Errorf("patch not removed from follow-up:\n%s", ex.FollowUp)
	}
}

func TestFromResponse_bareDiffFallback(t *testing.T) {
	t.Parallel()
	text := "Here is my change.\n\n" + _patchOne + "\n"
	ex, err := FromResponse(text)
	if err != nil {
		t.Fatalf("FromResponse: %v", err)
	}
	if len(ex.Patches) != 1 {
		t.Errorf("fallback missed the bare diff: %+v", ex.Patches)
	}
	if !strings.Contains(ex.FollowUp, "Here is my change.") {
		t.Errorf("preface lost: %q", ex.FollowUp)
	}
}

func TestFromResponse_noPatch(t *testing.T) {
	t.Parallel()
	_, err := FromResponse("The code looks great, nothing to change!\n")
	if !errors.Is(err, ErrNoPatch) {
		t.Fatalf("err = %v, want ErrNoPatch", err)
	}
}

func TestFromResponse_invalidFenceIgnored(t *testing.T) {
	t.Parallel()
	text := "Example of what NOT to do:\n```diff\nthis is not a diff\n```\n\nReal fix:\n" + fence(_patchOne) + "\n"
	ex, err := FromResponse(text)
	if err != nil {
		t.Fatalf("FromResponse: %v", err)
	}
	if len(ex.Patches) != 1 || ex.Discarded != 0 {
		t.Errorf("invalid fence was counted: %d patches, %d discarded", len(ex.Patches), ex.Discarded)
	}
}

func TestFromResponse_largestHunkCountWins(t *testing.T) {
	t.Parallel()
	text := "Small option:\n" + fence(_patchOne) + "\n\nFull fix:\n" + fence(_patchThree) + "\n"
	ex, err := FromResponse(text)
	if err != nil {
		t.Fatalf("FromResponse: %v", err)
	}
	if !strings.Contains(ex.Patch, "b.txt") {
		t.Errorf("larger candidate not chosen:\n%s", ex.Patch)
	}
	if ex.Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", ex.Discarded)
	}
	// The losing block stays in the follow-up untouched.
	if !strings.Contains(ex.FollowUp, "a.txt") {
		t.Errorf("losing candidate removed from follow-up:\n%s", ex.FollowUp)
	}
}

func TestFromResponse_tieGoesToFirst(t *testing.T) {
	t.Parallel()
	other := strings.ReplaceAll(_patchOne, "a.txt", "z.txt")
	text := fence(_patchOne) + "\n\n" + fence(other) + "\n"
	ex, err := FromResponse(text)
	if err != nil {
		t.Fatalf("FromResponse: %v", err)
	}
	if !strings.Contains(ex.Patch, "a.txt") {
		t.Errorf("tie should keep the first candidate:\n%s", ex.Patch)
	}
	if ex.Discarded != 1 {
		t.Errorf("Discarded = %d, want 1", ex.Discarded)
	}
}

func TestHasPatch(t *testing.T) {
	t.Parallel()
	if HasPatch("still thinking about it...") {
		t.Error("HasPatch(prose) = true")
	}
	if !HasPatch(fence(_patchOne)) {
		t.Error("HasPatch(valid diff) = false")
	}
}

func TestPostApplySteps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "markdown heading",
			in:   "## Feedback\nok\n\n## Post-apply steps\nRun go test ./...\nThen update the changelog.\n\n## Notes\nmore\n",
			want: "Run go test ./...\nThen update the changelog.",
		},
		{
			name: "plain label with colon",
			in:   "Post-apply steps:\n1. re-run the formatter\n",
			want: "1. re-run the formatter",
		},
		{
			name: "case-insensitive",
			in:   "### POST-APPLY STEPS\ndo the thing\n",
			want: "do the thing",
		},
		{
			name: "absent",
			in:   "## Feedback\nnothing else\n",
			want: "",
		},
		{
			name: "empty section",
			in:   "## Post-apply steps\n\n## Next\nx\n",
			want: "",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := PostApplySteps(tt.in); got != tt.want {
				t.Errorf("PostApplySteps = %q, want %q", got, tt.want)
			}
		})
	}
}
