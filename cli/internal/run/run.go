// Package run (run.go) implements the end-to-end flows behind the CLI
// commands: bundling the working tree, submitting it for review and
// waiting for the verdict (or handing the exchange to a human in
// manual mode), extracting and vetting the returned patch, and the
// native apply. Every flow persists its artifacts under the artifact
// directory before any failure is surfaced, and records how the run
// ended in the manifest.
//
// Review and Apply take the artifact-directory lock around worktree
// mutation. Callers must not run them concurrently for the same
// artifact directory.
package run

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"redline/cli/internal/apply"
	"redline/cli/internal/artifact"
	"redline/cli/internal/bundle"
	"redline/cli/internal/diff"
	"redline/cli/internal/erruser"
	"redline/cli/internal/extract"
	"redline/cli/internal/openai"
	"redline/cli/internal/prompt"
	"redline/cli/internal/safety"
	"redline/cli/internal/trace"
	"redline/cli/internal/tree"
)

// ErrMissingAPIKey indicates no API key was configured for an API-mode
// review.
var ErrMissingAPIKey = errors.New("no API key configured")

// ErrMissingModel indicates no model was configured for an API-mode
// review.
var ErrMissingModel = errors.New("no model configured")

// Outcome is the terminal classification of a run, recorded in the
// manifest.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeBundleOnly    Outcome = "bundle-only"
	OutcomePatchSaved    Outcome = "patch-saved"
	OutcomeNoPatch       Outcome = "no-patch"
	OutcomeUnsafePatch   Outcome = "unsafe-patch"
	OutcomeApplyConflict Outcome = "apply-conflict"
	OutcomeJobFailed     Outcome = "job-failed"
	OutcomeJobTimedOut   Outcome = "job-timeout"

	// OutcomeCancelled and OutcomeError appear only in the manifest;
	// the CLI reports them as ordinary failures.
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Manual response sources.
const (
	ManualInputFile  = "file"
	ManualInputStdin = "stdin"
)

const (
	_defaultManualInterval = 2 * time.Second
	_defaultManualTimeout  = 90 * time.Minute
	_deleteUploadTimeout   = time.Minute
)

// BundleOptions configures a bundle-only run.
type BundleOptions struct {
	RepoRoot    string
	ArtifactDir string
	IncludeGit  string
	MaxBytes    int64
	Verbose     bool
	TraceOut    io.Writer
}

// BundleResult describes a built bundle.
type BundleResult struct {
	Bundle *bundle.Result
	RunID  string
	Store  *artifact.Store
}

// Bundle collects the working tree, builds the archive under the
// artifact directory, and records a bundle-only manifest.
func Bundle(ctx context.Context, opts BundleOptions) (*BundleResult, error) {
	if opts.RepoRoot == "" || opts.ArtifactDir == "" {
		return nil, erruser.New("Bundle failed: repository root and artifact directory are required.", nil)
	}
	tr := trace.New(opts.TraceOut)
	store := artifact.NewStore(opts.ArtifactDir)

	res, policyName, err := buildBundle(opts.RepoRoot, store, opts.IncludeGit, opts.MaxBytes, opts.Verbose, tr)
	if err != nil {
		return nil, err
	}

	m := artifact.NewManifest("", policyName)
	m.BundleSHA256 = res.SHA256
	m.BundleBytes = res.Size
	saveOutcome(store, m, OutcomeBundleOnly)
	return &BundleResult{Bundle: res, RunID: m.RunID, Store: store}, nil
}

// ReviewOptions configures a full review run.
type ReviewOptions struct {
	RepoRoot    string
	ArtifactDir string

	// Message is the user's review request, embedded in the prompt.
	Message string

	Model   string
	BaseURL string
	APIKey  string

	IncludeGit string
	MaxBytes   int64

	// NoApply stops after saving patch.diff.
	NoApply bool
	// AllowGitDir lets a patch touch paths under .git/; traversal is
	// still refused.
	AllowGitDir bool
	// Background submits a background job and polls. When false the
	// create call blocks until the response is final.
	Background bool
	// KeepUploads leaves the uploaded bundle on the service.
	KeepUploads bool

	// Manual skips the API entirely: the bundle and prompt are handed
	// to a human and the response comes back via file or stdin.
	Manual bool
	// ManualInput selects the manual response source, "file" (default)
	// or "stdin".
	ManualInput string
	// ManualResponsePath overrides where the file watcher looks.
	// Relative paths are joined to the repo root.
	ManualResponsePath string

	PollInterval time.Duration
	Timeout      time.Duration

	// HTTPClient overrides the API transport. Nil uses the default.
	HTTPClient *http.Client
	// Out receives user-facing output such as the manual-mode
	// instructions; nil means os.Stdout.
	Out io.Writer
	// Stdin is the manual response source when ManualInput is
	// "stdin"; nil means os.Stdin.
	Stdin io.Reader

	Verbose  bool
	TraceOut io.Writer
}

// ReviewResult describes a review run. It is returned alongside the
// error once artifacts exist on disk, so callers can point at them
// even when the run failed.
type ReviewResult struct {
	Outcome Outcome
	RunID   string
	JobID   string

	BundlePath   string
	ResponsePath string
	PatchPath    string

	// FollowUp is the response text around the patch, the feedback
	// itself.
	FollowUp string
	// PostApply holds the model's post-apply steps section, when one
	// was present.
	PostApply string

	Apply *apply.Result
}

// Review runs the full pipeline: bundle, submit (or manual hand-off),
// wait, extract, vet, and apply.
func Review(ctx context.Context, opts ReviewOptions) (*ReviewResult, error) {
	if opts.RepoRoot == "" || opts.ArtifactDir == "" {
		return nil, erruser.New("Review failed: repository root and artifact directory are required.", nil)
	}
	if strings.TrimSpace(opts.Message) == "" {
		return nil, erruser.New("A review request message is required (-m).", nil)
	}
	if !opts.Manual {
		if opts.APIKey == "" {
			return nil, erruser.New("OPENAI_API_KEY is not set. Export it, or use --manual to review without the API.", ErrMissingAPIKey)
		}
		if opts.Model == "" {
			return nil, erruser.New("No model configured. Set --model, model in the config file, or OPENAI_MODEL.", ErrMissingModel)
		}
	}

	tr := trace.New(opts.TraceOut)
	store := artifact.NewStore(opts.ArtifactDir)

	bres, policyName, err := buildBundle(opts.RepoRoot, store, opts.IncludeGit, opts.MaxBytes, opts.Verbose, tr)
	if err != nil {
		return nil, err
	}

	m := artifact.NewManifest(opts.Model, policyName)
	m.BundleSHA256 = bres.SHA256
	m.BundleBytes = bres.Size
	if err := store.SaveManifest(m); err != nil {
		return nil, err
	}

	res := &ReviewResult{
		RunID:        m.RunID,
		BundlePath:   store.BundlePath(),
		ResponsePath: store.ResponseTextPath(),
		PatchPath:    store.PatchPath(),
	}

	instructions, err := prompt.LoadInstructions(opts.RepoRoot)
	if err != nil {
		return nil, err
	}
	if tr.Enabled() {
		tr.Section("Prompt")
		tr.Printf("instruction files=%d\n", len(instructions))
		for _, ins := range instructions {
			tr.Printf("  %s\n", ins.Source)
		}
	}
	promptText := prompt.Build(opts.Message, instructions)
	if err := store.WritePrompt(promptText); err != nil {
		return nil, err
	}

	var text string
	if opts.Manual {
		text, err = manualResponse(ctx, store, opts)
	} else {
		text, err = apiResponse(ctx, store, m, opts, promptText, res, tr)
	}
	if err != nil {
		res.Outcome = outcomeForError(err)
		saveOutcome(store, m, res.Outcome)
		return res, err
	}

	return finishReview(opts, store, m, res, text, tr)
}

// finishReview is the tail shared by API and manual mode: extract the
// patch from the response text, vet it, and apply unless told not to.
func finishReview(opts ReviewOptions, store *artifact.Store, m *artifact.Manifest, res *ReviewResult, text string, tr *trace.Tracer) (*ReviewResult, error) {
	extraction, err := extract.FromResponse(text)
	if err != nil {
		res.Outcome = OutcomeNoPatch
		saveOutcome(store, m, res.Outcome)
		return res, err
	}
	if tr.Enabled() {
		tr.Section("Extract")
		tr.Printf("patch bytes=%d files=%d discarded blocks=%d\n", len(extraction.Patch), len(extraction.Patches), extraction.Discarded)
	}
	if err := store.WritePatch(extraction.Patch); err != nil {
		return res, err
	}
	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "Saved patch: %s\n", store.PatchPath())
	}
	res.FollowUp = extraction.FollowUp
	res.PostApply = extract.PostApplySteps(text)

	verdict, err := safety.Check(diff.TouchedPaths(extraction.Patches), opts.AllowGitDir)
	if err != nil {
		res.Outcome = OutcomeUnsafePatch
		saveOutcome(store, m, res.Outcome)
		return res, err
	}
	if len(verdict.GitDirPaths) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: patch touches repository internals (%s); allowed by flag\n", strings.Join(verdict.GitDirPaths, ", "))
	}

	if opts.NoApply {
		res.Outcome = OutcomePatchSaved
		saveOutcome(store, m, res.Outcome)
		if opts.Verbose {
			fmt.Fprintln(os.Stderr, "Apply skipped; patch saved for later.")
		}
		return res, nil
	}

	release, err := artifact.AcquireLock(store.Dir())
	if err != nil {
		return res, err
	}
	defer release()

	applyRes, err := apply.Patch(opts.RepoRoot, extraction.Patches, apply.Options{})
	res.Apply = applyRes
	if err != nil {
		res.Outcome = outcomeForError(err)
		saveOutcome(store, m, res.Outcome)
		return res, err
	}
	res.Outcome = OutcomeApplied
	saveOutcome(store, m, res.Outcome)
	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "Patch applied (%d files changed).\n", len(applyRes.Changes))
	}
	return res, nil
}

// apiResponse uploads the bundle, creates the review job, waits for it
// to finish, and persists the response payload. The uploaded file is
// deleted on the way out unless KeepUploads is set, on a detached
// context so cancellation of the run does not leak the upload.
func apiResponse(ctx context.Context, store *artifact.Store, m *artifact.Manifest, opts ReviewOptions, promptText string, res *ReviewResult, tr *trace.Tracer) (string, error) {
	client := openai.NewClient(opts.BaseURL, opts.APIKey, opts.HTTPClient)

	fileID, err := client.UploadBundle(ctx, store.BundlePath())
	if err != nil {
		return "", err
	}
	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "Uploaded bundle (file %s)\n", fileID)
	}
	defer func() {
		if opts.KeepUploads {
			return
		}
		dctx, cancel := context.WithTimeout(context.Background(), _deleteUploadTimeout)
		defer cancel()
		if err := client.DeleteFile(dctx, fileID); err != nil {
			fmt.Fprintf(os.Stderr, "warning: delete uploaded bundle: %v\n", err)
		}
	}()

	created, err := client.CreateReview(ctx, openai.ReviewRequest{
		Model:      opts.Model,
		Prompt:     promptText,
		FileID:     fileID,
		Background: opts.Background,
	})
	if err != nil {
		return "", err
	}
	res.JobID = created.ID
	m.JobID = created.ID
	if err := store.SaveManifest(m); err != nil {
		return "", err
	}
	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "Created review job %s\n", created.ID)
	}

	final := created
	if opts.Background {
		job := openai.NewJob(created)
		start := time.Now()
		resp, werr := client.Await(ctx, job, openai.PollOptions{
			InitialInterval: opts.PollInterval,
			Timeout:         opts.Timeout,
		})
		tr.Timing("review poll", time.Since(start))
		if resp != nil {
			final = resp
		}
		if werr != nil {
			warnOnSaveErr("save response payload", persistResponse(store, final))
			return "", werr
		}
	} else if err := terminalOK(final); err != nil {
		warnOnSaveErr("save response payload", persistResponse(store, final))
		return "", err
	}

	if err := persistResponse(store, final); err != nil {
		return "", err
	}
	text := final.Text()
	if text == "" {
		return "", erruser.New("The response contained no output text.", extract.ErrNoPatch)
	}
	if err := store.WriteResponseText(text); err != nil {
		return "", err
	}
	return text, nil
}

// terminalOK validates a response that was expected to be final, as in
// no-background mode.
func terminalOK(r *openai.Response) error {
	switch r.Status {
	case openai.StatusCompleted, "":
		return nil
	case openai.StatusFailed, openai.StatusCanceled, openai.StatusIncomplete:
		return erruser.New(fmt.Sprintf("Review job ended with status %q.", r.Status), openai.ErrJobFailed)
	default:
		return erruser.New(fmt.Sprintf("Expected a finished response, got status %q.", r.Status), openai.ErrJobFailed)
	}
}

// persistResponse saves the raw service payload. It runs on failure
// paths too, so a timed-out or failed job still leaves its last
// observed state on disk.
func persistResponse(store *artifact.Store, r *openai.Response) error {
	if r == nil || len(r.Raw) == 0 {
		return nil
	}
	return store.WriteResponseJSON(r.Raw)
}

func warnOnSaveErr(op string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", op, err)
	}
}

// manualResponse hands the bundle and prompt to the user and collects
// the model response from stdin or by watching the response file.
func manualResponse(ctx context.Context, store *artifact.Store, opts ReviewOptions) (string, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	responsePath := store.ResponseTextPath()
	if opts.ManualResponsePath != "" {
		responsePath = opts.ManualResponsePath
		if !filepath.IsAbs(responsePath) {
			responsePath = filepath.Join(opts.RepoRoot, responsePath)
		}
	}

	// The response file exists up front so the saving instructions
	// point at a real path.
	if err := os.MkdirAll(filepath.Dir(responsePath), 0755); err != nil {
		return "", erruser.New("Could not create the manual response directory.", err)
	}
	if _, err := os.Stat(responsePath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(responsePath, nil, 0644); err != nil {
			return "", erruser.New("Could not create the manual response file.", err)
		}
	}

	fmt.Fprint(out, manualInstructions(store.BundlePath(), store.PromptPath(), responsePath))

	if opts.ManualInput == ManualInputStdin {
		fmt.Fprintln(os.Stderr, "Paste the full model response now, then press Ctrl-D to finish.")
		in := opts.Stdin
		if in == nil {
			in = os.Stdin
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return "", erruser.New("Could not read the response from stdin.", err)
		}
		text := string(data)
		if err := store.WriteResponseText(text); err != nil {
			return "", err
		}
		return text, nil
	}

	text, err := waitForManualResponse(ctx, responsePath, opts.PollInterval, opts.Timeout)
	if err != nil {
		return "", err
	}
	if err := store.WriteResponseText(text); err != nil {
		return "", err
	}
	return text, nil
}

func manualInstructions(bundlePath, promptPath, responsePath string) string {
	return strings.Join([]string{
		"",
		"Manual review mode (no API call).",
		"",
		"1) Open ChatGPT (web or desktop).",
		"2) Select the model you want to review with.",
		"3) Upload this file: " + bundlePath,
		"4) Paste the prompt from: " + promptPath,
		"5) Wait for the full response.",
		"",
		"Then save the ENTIRE response (including the ```diff fenced block) to:",
		"  " + responsePath,
		"",
		"Tip, to paste into the file from a terminal:",
		"  cat > " + responsePath,
		"  # paste the response, then press Ctrl-D",
		"",
		"The command keeps waiting and continues once the file contains a patch.",
		"",
	}, "\n")
}

// waitForManualResponse polls path until its content carries a patch.
// Content is tracked by digest so the no-patch-yet warning prints once
// per file change rather than once per poll.
func waitForManualResponse(ctx context.Context, path string, interval, timeout time.Duration) (string, error) {
	if interval <= 0 {
		interval = _defaultManualInterval
	}
	if timeout <= 0 {
		timeout = _defaultManualTimeout
	}
	fmt.Fprintf(os.Stderr, "Waiting for the response at %s (timeout %s)...\n", path, timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var lastDigest [sha256.Size]byte
	for {
		if data, err := os.ReadFile(path); err == nil {
			digest := sha256.Sum256(data)
			if digest != lastDigest {
				lastDigest = digest
				text := string(data)
				if extract.HasPatch(text) {
					return text, nil
				}
				if strings.TrimSpace(text) != "" {
					fmt.Fprintln(os.Stderr, "Warning: response file has content but no ```diff fenced patch yet; still waiting.")
				}
			}
		}

		select {
		case <-ctx.Done():
			return "", erruser.New("Cancelled while waiting for the manual response.", errors.Join(openai.ErrCancelled, ctx.Err()))
		case <-deadline.C:
			return "", erruser.New(fmt.Sprintf("Timed out waiting for a manual response at %s.", path), openai.ErrJobTimedOut)
		case <-tick.C:
		}
	}
}

// ApplyOptions configures an offline apply of a saved patch.
type ApplyOptions struct {
	RepoRoot    string
	ArtifactDir string
	// PatchPath overrides the saved patch.diff. Relative paths are
	// joined to the repo root.
	PatchPath string
	// Check validates the patch without writing anything.
	Check       bool
	AllowGitDir bool
	Verbose     bool
	TraceOut    io.Writer
}

// ApplyResult describes an offline apply.
type ApplyResult struct {
	Outcome Outcome
	// PatchPath is the file the patch was read from.
	PatchPath string
	Apply     *apply.Result
}

// Apply re-applies a previously saved patch without contacting the
// service. With Check set nothing is written and the manifest is left
// alone.
func Apply(ctx context.Context, opts ApplyOptions) (*ApplyResult, error) {
	if opts.RepoRoot == "" || opts.ArtifactDir == "" {
		return nil, erruser.New("Apply failed: repository root and artifact directory are required.", nil)
	}
	tr := trace.New(opts.TraceOut)
	store := artifact.NewStore(opts.ArtifactDir)

	patchPath := opts.PatchPath
	var text string
	if patchPath != "" {
		if !filepath.IsAbs(patchPath) {
			patchPath = filepath.Join(opts.RepoRoot, patchPath)
		}
		data, err := os.ReadFile(patchPath)
		if err != nil {
			return nil, erruser.New("Could not read the patch file at "+patchPath+".", err)
		}
		text = string(data)
	} else {
		patchPath = store.PatchPath()
		var err error
		text, err = store.ReadPatch()
		if err != nil {
			return nil, err
		}
	}

	patches, err := diff.Parse(text)
	if err != nil {
		return nil, erruser.New("The patch is not a valid unified diff.", err)
	}
	if tr.Enabled() {
		tr.Section("Patch")
		tr.Printf("source=%s files=%d\n", patchPath, len(patches))
	}

	res := &ApplyResult{PatchPath: patchPath}

	verdict, err := safety.Check(diff.TouchedPaths(patches), opts.AllowGitDir)
	if err != nil {
		res.Outcome = OutcomeUnsafePatch
		if !opts.Check {
			recordOutcome(store, res.Outcome)
		}
		return res, err
	}
	if len(verdict.GitDirPaths) > 0 {
		fmt.Fprintf(os.Stderr, "Warning: patch touches repository internals (%s); allowed by flag\n", strings.Join(verdict.GitDirPaths, ", "))
	}

	release, err := artifact.AcquireLock(store.Dir())
	if err != nil {
		return res, err
	}
	defer release()

	applyRes, err := apply.Patch(opts.RepoRoot, patches, apply.Options{DryRun: opts.Check})
	res.Apply = applyRes
	if err != nil {
		res.Outcome = outcomeForError(err)
		if !opts.Check {
			recordOutcome(store, res.Outcome)
		}
		return res, err
	}
	res.Outcome = OutcomeApplied
	if opts.Check {
		if opts.Verbose {
			fmt.Fprintln(os.Stderr, "Patch applies cleanly (nothing written).")
		}
		return res, nil
	}
	recordOutcome(store, res.Outcome)
	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "Patch applied (%d files changed).\n", len(applyRes.Changes))
	}
	return res, nil
}

// buildBundle collects the tree and writes the archive into the store.
// Skips and bundling warnings go to stderr as they happen.
func buildBundle(repoRoot string, store *artifact.Store, includeGit string, maxBytes int64, verbose bool, tr *trace.Tracer) (*bundle.Result, string, error) {
	policy, policyName, err := policyFor(includeGit)
	if err != nil {
		return nil, "", err
	}

	start := time.Now()
	t, err := tree.Collect(repoRoot)
	if err != nil {
		return nil, "", err
	}
	for _, s := range t.Skipped {
		fmt.Fprintf(os.Stderr, "warning: %s\n", s)
	}

	res, err := bundle.Build(t, bundle.Options{
		OutPath:    store.BundlePath(),
		Policy:     policy,
		ExcludeDir: excludeDirFor(repoRoot, store.Dir()),
		MaxBytes:   maxBytes,
	})
	if err != nil {
		return nil, "", err
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	if tr.Enabled() {
		tr.Section("Bundle")
		tr.Printf("entries=%d size=%d sha256=%s policy=%s\n", res.Entries, res.Size, res.SHA256, policyName)
	}
	tr.Timing("bundle build", time.Since(start))
	if verbose {
		fmt.Fprintf(os.Stderr, "Created bundle %s (%s, %d entries)\n", res.Path, bundle.FormatBytes(res.Size), res.Entries)
	}
	return res, policyName, nil
}

func policyFor(includeGit string) (bundle.Policy, string, error) {
	if includeGit == "" {
		includeGit = "metadata"
	}
	p, err := bundle.ParsePolicy(includeGit)
	if err != nil {
		return 0, "", err
	}
	return p, p.String(), nil
}

// excludeDirFor returns the artifact directory relative to the repo
// root, forward slashes, when it sits inside the repo, so a bundle
// never swallows earlier artifacts. An artifact directory outside the
// repo needs no exclusion.
func excludeDirFor(repoRoot, artifactDir string) string {
	rel, err := filepath.Rel(repoRoot, artifactDir)
	if err != nil {
		return ""
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return ""
	}
	return rel
}

func outcomeForError(err error) Outcome {
	switch {
	case errors.Is(err, openai.ErrJobTimedOut):
		return OutcomeJobTimedOut
	case errors.Is(err, openai.ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, openai.ErrJobFailed):
		return OutcomeJobFailed
	case errors.Is(err, extract.ErrNoPatch):
		return OutcomeNoPatch
	case errors.Is(err, safety.ErrUnsafePatch):
		return OutcomeUnsafePatch
	case errors.Is(err, apply.ErrConflict):
		return OutcomeApplyConflict
	default:
		return OutcomeError
	}
}

// saveOutcome records the outcome in the manifest. Manifest write
// failures only warn: the outcome the caller reports matters more than
// the audit trail.
func saveOutcome(store *artifact.Store, m *artifact.Manifest, o Outcome) {
	m.Outcome = string(o)
	if err := store.SaveManifest(m); err != nil {
		fmt.Fprintf(os.Stderr, "warning: save manifest: %v\n", err)
	}
}

// recordOutcome updates the existing run manifest, when there is one,
// so offline applies show up in the audit trail. A missing manifest is
// fine; apply can run against a bare patch file.
func recordOutcome(store *artifact.Store, o Outcome) {
	m, err := store.LoadManifest()
	if err != nil || m.RunID == "" {
		return
	}
	saveOutcome(store, &m, o)
}
