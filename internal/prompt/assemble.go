// Package prompt concatenates discovered file contents with headers and the
// task definition into one prompt string, and estimates its token count.
package prompt

import (
	"fmt"
	"os"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/klimentij/nerdprompt/internal/discover"
)

// separator terminates every file block.
const separator = "\n\n---\n\n"

// taskHeader introduces the task definition section.
const taskHeader = `
================================================================================

# Main Instructions - Current Task

This section contains the primary instructions and current task to follow.

++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++++

`

// taskFooter fixes the expected response format.
const taskFooter = `

--------------------------------------------------------------------------------

## Output Format Instructions

*   Your entire response **must** be formatted as valid Markdown.
*   Use standard Markdown syntax for headings, lists, code blocks, bolding, etc.
*   Ensure all links are embedded directly using Markdown syntax (e.g., ` + "`[text](URL)`" + `) and are clickable. Do **not** use reference-style links (e.g., ` + "`[1]`, `[2]`" + `) or footnotes for links.
*   Structure your response logically. Use code blocks with language identifiers (e.g., ` + "```python ... ```" + `) where appropriate.
`

// Result is one assembled prompt with its token estimates.
type Result struct {
	Prompt          string
	EstimatedTokens int
	// FolderTokens maps each file's parent directory (relative, slash
	// form, "." for the root) to its accumulated per-file token estimate.
	// It is computed per file, so it need not sum to EstimatedTokens,
	// which is estimated once over the merged text.
	FolderTokens map[string]int
}

// Assembler builds prompts from discovered files.
type Assembler struct {
	CharsPerToken float64
	warnf         func(format string, args ...any)
}

// New creates an Assembler. A non-positive charsPerToken falls back to 4.0.
func New(charsPerToken float64, warnf func(format string, args ...any)) *Assembler {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return &Assembler{CharsPerToken: charsPerToken, warnf: warnf}
}

// EstimateTokens estimates tokens from the character count. Empty text is 0
// tokens; any non-empty text is at least 1.
func (a *Assembler) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(utf8.RuneCountInString(text)) / a.CharsPerToken)
	if n < 1 {
		return 1
	}
	return n
}

// Assemble emits every file in order as a header, its content, and a
// separator, then appends the task section. A file that cannot be read
// contributes an inline error block instead of aborting; undecodable bytes
// are replaced, never fatal.
func (a *Assembler) Assemble(files []discover.File, taskDefinition string) *Result {
	var sb strings.Builder
	folderTokens := map[string]int{}

	for _, file := range files {
		sb.WriteString(fmt.Sprintf("## Source: %s\n\n", file.RelPath))
		data, err := os.ReadFile(file.AbsPath)
		if err != nil {
			a.warnf("failed to read file %q: %v", file.RelPath, err)
			sb.WriteString(fmt.Sprintf("```\n--- ERROR READING FILE ---\nError reading %s: %v\n```", file.RelPath, err))
			sb.WriteString(separator)
			continue
		}
		content := strings.ToValidUTF8(string(data), string(utf8.RuneError))
		sb.WriteString(content)
		sb.WriteString(separator)

		folder := path.Dir(file.RelPath)
		folderTokens[folder] += a.EstimateTokens(content)
	}

	sb.WriteString(taskHeader)
	sb.WriteString(taskDefinition)
	sb.WriteString(taskFooter)

	merged := sb.String()
	return &Result{
		Prompt:          merged,
		EstimatedTokens: a.EstimateTokens(merged),
		FolderTokens:    folderTokens,
	}
}
