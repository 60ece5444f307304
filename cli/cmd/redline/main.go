package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/spf13/cobra"

	"redline/cli/internal/apply"
	"redline/cli/internal/bundle"
	"redline/cli/internal/config"
	"redline/cli/internal/erruser"
	"redline/cli/internal/extract"
	"redline/cli/internal/git"
	"redline/cli/internal/openai"
	"redline/cli/internal/run"
	"redline/cli/internal/safety"
	"redline/cli/internal/version"
)

// Exit codes, stable for scripting.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitNoPatch   = 3
	exitUnsafe    = 4
	exitConflict  = 5
	exitJobFailed = 6
	exitTimeout   = 7
)

// errExit is an error that carries an exit code for the CLI. Use errors.As to detect it.
type errExit int

func (e errExit) Error() string {
	return "exit " + strconv.Itoa(int(e))
}

// errHintOut is the writer for recovery hints on failure. Tests may replace it to capture output.
var errHintOut io.Writer = os.Stderr

func main() {
	os.Exit(Run())
}

// Run is the entry point for the CLI. It is exported for testing so that
// main.go can meet per-file coverage requirements.
func Run() int {
	return runCLI(os.Args[1:])
}

func runCLI(args []string) int {
	rootCmd := &cobra.Command{
		Use:     "redline",
		Short:   "Bundle a repo, have a model review it, and apply the returned patch",
		Version: version.String(),
	}
	rootCmd.AddCommand(newReviewCmd())
	rootCmd.AddCommand(newBundleCmd())
	rootCmd.AddCommand(newApplyCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		var exitErr errExit
		if errors.As(err, &exitErr) {
			return int(exitErr)
		}
		fmt.Fprintln(os.Stderr, err)
		if u := errors.Unwrap(err); u != nil {
			fmt.Fprintf(os.Stderr, "Details: %v\n", u)
		}
		return exitCodeFor(err)
	}
	return exitOK
}

// exitCodeFor maps pipeline errors to their documented exit codes.
// Anything unrecognized is a generic failure.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, run.ErrMissingAPIKey),
		errors.Is(err, run.ErrMissingModel),
		errors.Is(err, openai.ErrAuth),
		errors.Is(err, openai.ErrUnreachable):
		return exitConfig
	case errors.Is(err, extract.ErrNoPatch):
		return exitNoPatch
	case errors.Is(err, safety.ErrUnsafePatch):
		return exitUnsafe
	case errors.Is(err, apply.ErrConflict):
		return exitConflict
	case errors.Is(err, openai.ErrJobTimedOut):
		return exitTimeout
	case errors.Is(err, openai.ErrJobFailed):
		return exitJobFailed
	default:
		return exitFailure
	}
}

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Bundle the repo, request a review, and apply the returned patch",
		RunE:  runReview,
	}
	cmd.Flags().StringP("message", "m", "", "What to ask the reviewer for (required)")
	cmd.Flags().String("model", "", "Model to review with (overrides config and env)")
	cmd.Flags().String("base-url", "", "API base URL (overrides config and env)")
	cmd.Flags().String("include-git", "", "Git bundling policy: none, metadata, or full (overrides config)")
	cmd.Flags().String("artifact-dir", "", "Artifact directory (default .redline inside the repo)")
	cmd.Flags().Int64("max-bundle-bytes", 0, "Bundle size cap in bytes (0 = use config)")
	cmd.Flags().Bool("no-apply", false, "Save the patch without applying it")
	cmd.Flags().Bool("allow-git-dir-changes", false, "Permit patch changes under .git/ (path traversal is always refused)")
	cmd.Flags().Bool("no-background", false, "Block on the create call instead of submitting a background job")
	cmd.Flags().Bool("keep-uploads", false, "Leave the uploaded bundle on the service")
	cmd.Flags().Bool("manual", false, "No API: hand the bundle and prompt to a human and wait for the response")
	cmd.Flags().String("manual-input", run.ManualInputFile, "Manual response source: file or stdin")
	cmd.Flags().String("manual-response-path", "", "Where the manual response will be saved (default response.md in the artifact dir)")
	cmd.Flags().Duration("poll-interval", 0, "Initial status poll interval (0 = use config)")
	cmd.Flags().Duration("timeout", 0, "Overall wait budget for the review (0 = use config)")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress (use for scripts)")
	cmd.Flags().Bool("trace", false, "Print internal steps to stderr (walk, bundle, prompt, polling)")
	return cmd
}

func runReview(cmd *cobra.Command, args []string) error {
	message, _ := cmd.Flags().GetString("message")
	manual, _ := cmd.Flags().GetBool("manual")
	manualInput, _ := cmd.Flags().GetString("manual-input")
	if manualInput != run.ManualInputFile && manualInput != run.ManualInputStdin {
		return errors.New("Invalid --manual-input; use file or stdin.")
	}
	manualResponsePath, _ := cmd.Flags().GetString("manual-response-path")
	noApply, _ := cmd.Flags().GetBool("no-apply")
	allowGitDir, _ := cmd.Flags().GetBool("allow-git-dir-changes")
	quiet, _ := cmd.Flags().GetBool("quiet")

	repoRoot, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	res, err := run.Review(cmd.Context(), run.ReviewOptions{
		RepoRoot:           repoRoot,
		ArtifactDir:        cfg.EffectiveArtifactDir(repoRoot),
		Message:            message,
		Model:              cfg.Model,
		BaseURL:            cfg.BaseURL,
		APIKey:             cfg.APIKey,
		IncludeGit:         cfg.IncludeGit,
		MaxBytes:           cfg.MaxBundleBytes,
		NoApply:            noApply,
		AllowGitDir:        allowGitDir,
		Background:         cfg.Background,
		KeepUploads:        cfg.KeepUploads,
		Manual:             manual,
		ManualInput:        manualInput,
		ManualResponsePath: manualResponsePath,
		PollInterval:       cfg.PollInterval,
		Timeout:            cfg.Timeout,
		Verbose:            !quiet,
		TraceOut:           traceWriter(cmd),
	})
	if err != nil {
		if errors.Is(err, openai.ErrUnreachable) {
			fmt.Fprintf(os.Stderr, "API unreachable at %s. Check the network or base_url.\n", cfg.BaseURL)
			fmt.Fprintf(os.Stderr, "Details: %v\n", err)
			return errExit(exitConfig)
		}
		if errors.Is(err, openai.ErrAuth) {
			fmt.Fprintf(os.Stderr, "API key rejected at %s. Check OPENAI_API_KEY.\n", cfg.BaseURL)
			fmt.Fprintf(os.Stderr, "Details: %v\n", err)
			return errExit(exitConfig)
		}
		if res != nil {
			failureHints(res, err)
		}
		return err
	}
	printReviewResult(os.Stdout, res)
	return nil
}

// printReviewResult reports where the run ended up and what was saved.
func printReviewResult(w io.Writer, res *run.ReviewResult) {
	switch res.Outcome {
	case run.OutcomeApplied:
		n := 0
		if res.Apply != nil {
			n = len(res.Apply.Changes)
		}
		fmt.Fprintf(w, "Applied patch (%d files changed).\n", n)
		fmt.Fprintf(w, "Patch: %s\n", res.PatchPath)
	case run.OutcomePatchSaved:
		fmt.Fprintf(w, "Patch saved: %s\n", res.PatchPath)
		fmt.Fprintln(w, "Apply it later with: redline apply")
	}
	fmt.Fprintf(w, "Response: %s\n", res.ResponsePath)
	if res.PostApply != "" {
		fmt.Fprintln(w, "\nPost-apply steps (from model):")
		fmt.Fprintln(w, res.PostApply)
	}
}

// failureHints points at the artifacts a failed review left behind.
func failureHints(res *run.ReviewResult, err error) {
	switch {
	case errors.Is(err, extract.ErrNoPatch):
		fmt.Fprintf(errHintOut, "Hint: the full response is saved at %s.\n", res.ResponsePath)
	case errors.Is(err, safety.ErrUnsafePatch):
		fmt.Fprintf(errHintOut, "Hint: the refused patch is saved at %s for inspection.\n", res.PatchPath)
	case errors.Is(err, apply.ErrConflict):
		fmt.Fprintf(errHintOut, "Hint: the worktree is unchanged. Retry on a matching tree with: redline apply\n")
	case errors.Is(err, openai.ErrJobTimedOut) && res.JobID != "":
		fmt.Fprintf(errHintOut, "Hint: the job may still finish on the service; response ID %s.\n", res.JobID)
	}
}

func newBundleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Build the review bundle without contacting the service",
		RunE:  runBundle,
	}
	cmd.Flags().String("include-git", "", "Git bundling policy: none, metadata, or full (overrides config)")
	cmd.Flags().String("artifact-dir", "", "Artifact directory (default .redline inside the repo)")
	cmd.Flags().Int64("max-bundle-bytes", 0, "Bundle size cap in bytes (0 = use config)")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress (use for scripts)")
	cmd.Flags().Bool("trace", false, "Print internal steps to stderr (walk, bundle)")
	return cmd
}

func runBundle(cmd *cobra.Command, args []string) error {
	quiet, _ := cmd.Flags().GetBool("quiet")
	repoRoot, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	res, err := run.Bundle(cmd.Context(), run.BundleOptions{
		RepoRoot:    repoRoot,
		ArtifactDir: cfg.EffectiveArtifactDir(repoRoot),
		IncludeGit:  cfg.IncludeGit,
		MaxBytes:    cfg.MaxBundleBytes,
		Verbose:     !quiet,
		TraceOut:    traceWriter(cmd),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Bundle: %s (%s, %d entries)\n", res.Bundle.Path, bundle.FormatBytes(res.Bundle.Size), res.Bundle.Entries)
	fmt.Fprintf(os.Stdout, "SHA-256: %s\n", res.Bundle.SHA256)
	fmt.Fprintf(os.Stdout, "Artifacts: %s\n", res.Store.Dir())
	return nil
}

func newApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a previously saved patch without contacting the service",
		RunE:  runApply,
	}
	cmd.Flags().String("patch", "", "Patch file to apply (default the saved patch.diff)")
	cmd.Flags().Bool("check", false, "Validate the patch without writing anything")
	cmd.Flags().Bool("allow-git-dir-changes", false, "Permit patch changes under .git/ (path traversal is always refused)")
	cmd.Flags().String("artifact-dir", "", "Artifact directory (default .redline inside the repo)")
	cmd.Flags().BoolP("quiet", "q", false, "Suppress progress (use for scripts)")
	cmd.Flags().Bool("trace", false, "Print internal steps to stderr (parse, safety, apply)")
	return cmd
}

func runApply(cmd *cobra.Command, args []string) error {
	patchPath, _ := cmd.Flags().GetString("patch")
	check, _ := cmd.Flags().GetBool("check")
	allowGitDir, _ := cmd.Flags().GetBool("allow-git-dir-changes")
	quiet, _ := cmd.Flags().GetBool("quiet")
	repoRoot, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	res, err := run.Apply(cmd.Context(), run.ApplyOptions{
		RepoRoot:    repoRoot,
		ArtifactDir: cfg.EffectiveArtifactDir(repoRoot),
		PatchPath:   patchPath,
		Check:       check,
		AllowGitDir: allowGitDir,
		Verbose:     !quiet,
		TraceOut:    traceWriter(cmd),
	})
	if err != nil {
		return err
	}
	if check {
		fmt.Fprintf(os.Stdout, "Patch applies cleanly: %s\n", res.PatchPath)
		return nil
	}
	n := 0
	if res.Apply != nil {
		n = len(res.Apply.Changes)
	}
	fmt.Fprintf(os.Stdout, "Applied %s (%d files changed).\n", res.PatchPath, n)
	return nil
}

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Verify environment (git, repository, API key, model)",
		RunE:  runDoctor,
	}
	return cmd
}

func runDoctor(cmd *cobra.Command, args []string) error {
	if _, err := exec.LookPath("git"); err != nil {
		fmt.Fprintln(os.Stderr, "git not found on PATH.")
		return errExit(exitFailure)
	}
	fmt.Fprintln(os.Stdout, "git OK")

	cwd, err := os.Getwd()
	if err != nil {
		return erruser.New("Could not determine current directory.", err)
	}
	repoRoot := ""
	if r, e := git.RepoRoot(cwd); e == nil {
		repoRoot = r
		fmt.Fprintf(os.Stdout, "Repository: %s\n", repoRoot)
	} else {
		fmt.Fprintln(os.Stdout, "Repository: not inside a git repository")
	}

	cfg, err := config.Load(cmd.Context(), config.LoadOptions{RepoRoot: repoRoot})
	if err != nil {
		return err
	}
	if cfg.APIKey == "" {
		fmt.Fprintln(os.Stderr, "OPENAI_API_KEY is not set. Only --manual reviews will work.")
		return errExit(exitConfig)
	}
	client := openai.NewClient(cfg.BaseURL, cfg.APIKey, nil)
	if err := client.CheckAuth(cmd.Context()); err != nil {
		if errors.Is(err, openai.ErrAuth) {
			fmt.Fprintf(os.Stderr, "API key rejected at %s. Check OPENAI_API_KEY.\n", cfg.BaseURL)
			fmt.Fprintf(os.Stderr, "Details: %v\n", err)
			return errExit(exitConfig)
		}
		if errors.Is(err, openai.ErrUnreachable) {
			fmt.Fprintf(os.Stderr, "API unreachable at %s. Check the network or base_url.\n", cfg.BaseURL)
			fmt.Fprintf(os.Stderr, "Details: %v\n", err)
			return errExit(exitConfig)
		}
		fmt.Fprintln(os.Stderr, err.Error())
		return errExit(exitFailure)
	}
	fmt.Fprintln(os.Stdout, "API OK")
	if cfg.Model == "" {
		fmt.Fprintln(os.Stderr, "No model configured. Set --model, model in the config file, or OPENAI_MODEL.")
		return errExit(exitConfig)
	}
	fmt.Fprintf(os.Stdout, "Model: %s\n", cfg.Model)
	return nil
}

// loadConfig resolves the repo root from the working directory and
// loads config with any flag overrides applied.
func loadConfig(cmd *cobra.Command) (string, *config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, erruser.New("Could not determine current directory.", err)
	}
	repoRoot, err := git.RepoRoot(cwd)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(cmd.Context(), config.LoadOptions{RepoRoot: repoRoot, Overrides: overridesFromFlags(cmd)})
	if err != nil {
		return "", nil, err
	}
	return repoRoot, cfg, nil
}

// traceWriter returns os.Stderr when --trace was given, nil otherwise.
// Commands without the flag trace nothing.
func traceWriter(cmd *cobra.Command) io.Writer {
	if f := cmd.Flags().Lookup("trace"); f != nil && f.Changed {
		if on, _ := cmd.Flags().GetBool("trace"); on {
			return os.Stderr
		}
	}
	return nil
}

// overridesFromFlags returns config overrides for the flags that were
// explicitly set on the command. Commands define different subsets, so
// every lookup tolerates a missing flag.
func overridesFromFlags(cmd *cobra.Command) *config.Overrides {
	flags := cmd.Flags()
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	o := &config.Overrides{}
	any := false
	if changed("model") {
		v, _ := flags.GetString("model")
		o.Model = &v
		any = true
	}
	if changed("base-url") {
		v, _ := flags.GetString("base-url")
		o.BaseURL = &v
		any = true
	}
	if changed("artifact-dir") {
		v, _ := flags.GetString("artifact-dir")
		o.ArtifactDir = &v
		any = true
	}
	if changed("include-git") {
		v, _ := flags.GetString("include-git")
		o.IncludeGit = &v
		any = true
	}
	if changed("max-bundle-bytes") {
		v, _ := flags.GetInt64("max-bundle-bytes")
		o.MaxBundleBytes = &v
		any = true
	}
	if changed("poll-interval") {
		v, _ := flags.GetDuration("poll-interval")
		o.PollInterval = &v
		any = true
	}
	if changed("timeout") {
		v, _ := flags.GetDuration("timeout")
		o.Timeout = &v
		any = true
	}
	if changed("keep-uploads") {
		v, _ := flags.GetBool("keep-uploads")
		o.KeepUploads = &v
		any = true
	}
	if changed("no-background") {
		v, _ := flags.GetBool("no-background")
		b := !v
		o.Background = &b
		any = true
	}
	if !any {
		return nil
	}
	return o
}
