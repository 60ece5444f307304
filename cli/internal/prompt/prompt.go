// Package prompt builds the review request that travels with the
// bundled repository: a fixed task list with a strict output contract,
// optional per-project instruction files, and the user's request.
package prompt

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const _instructionsDir = ".redline/instructions"

// _taskHeader is the fixed part of every review prompt. The output
// contract pins the response to three titled sections so the patch can
// be extracted mechanically; the model is told to produce exactly one
// diff fence.
const _taskHeader = "You are reviewing a git repository provided as a zip file attachment.\n" +
	"\n" +
	"Tasks:\n" +
	"1) Read and understand the repository from the attached zip.\n" +
	"2) Provide actionable feedback (prioritized, concise).\n" +
	"3) Provide ONE unified diff patch suitable for `git apply` that implements the most valuable improvements.\n" +
	"   - Use paths relative to repo root.\n" +
	"   - Do NOT include changes under `.git/`.\n" +
	"4) Provide a short list of post-apply steps (commands/tests to run).\n" +
	"\n" +
	"Output format (strict):\n" +
	"- A section titled: Feedback\n" +
	"- A section titled: Patch (use a single ```diff fenced block)\n" +
	"- A section titled: Post-apply steps"

// Instruction is one file from .redline/instructions: YAML frontmatter
// (name, description) over a markdown body. Source is the file name,
// kept for trace output.
type Instruction struct {
	Name        string
	Description string
	Body        string
	Source      string
}

// frontmatter is the YAML structure parsed from instruction files.
type frontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Build assembles the full review prompt: the task contract, any
// project instructions, then the user's request.
func Build(message string, extra []Instruction) string {
	var b strings.Builder
	b.WriteString(_taskHeader)
	if len(extra) > 0 {
		b.WriteString("\n\n## Project instructions\n")
		for _, ins := range extra {
			b.WriteString("\n")
			if ins.Name != "" {
				b.WriteString("### ")
				b.WriteString(ins.Name)
				if ins.Description != "" {
					b.WriteString(" (")
					b.WriteString(ins.Description)
					b.WriteString(")")
				}
				b.WriteString("\n")
			}
			b.WriteString(ins.Body)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n\nUser request:\n")
	b.WriteString(message)
	b.WriteString("\n")
	return b.String()
}

// LoadInstructions reads all .md files from <repoRoot>/.redline/instructions
// in filename order. A missing directory returns (nil, nil) so reviews
// work without project instructions; files that fail to read or parse
// are skipped.
func LoadInstructions(repoRoot string) ([]Instruction, error) {
	dir := filepath.Join(repoRoot, filepath.FromSlash(_instructionsDir))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil
	}
	var out []Instruction
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		ins, ok := parseInstruction(string(data))
		if !ok {
			continue
		}
		ins.Source = e.Name()
		if ins.Name == "" {
			ins.Name = strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		}
		out = append(out, ins)
	}
	return out, nil
}

// parseInstruction accepts either a plain markdown file (whole content
// becomes the body) or one with a leading --- YAML frontmatter block.
// Returns (zero value, false) for empty or malformed files.
func parseInstruction(content string) (Instruction, bool) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Instruction{}, false
	}
	if !strings.HasPrefix(trimmed, "---") {
		return Instruction{Body: trimmed}, true
	}
	parts := strings.SplitN(trimmed, "---", 3)
	if len(parts) < 3 {
		return Instruction{}, false
	}
	var fm frontmatter
	if err := yaml.Unmarshal([]byte(strings.TrimSpace(parts[1])), &fm); err != nil {
		return Instruction{}, false
	}
	return Instruction{
		Name:        strings.TrimSpace(fm.Name),
		Description: strings.TrimSpace(fm.Description),
		Body:        strings.TrimSpace(parts[2]),
	}, true
}
