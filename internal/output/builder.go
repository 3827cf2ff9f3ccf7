// Package output manages the np_output directory: numbered task folders,
// the _task.md metadata file, and per-backend response files.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klimentij/nerdprompt/internal/errors"
)

// OutputDirName is the project-relative output directory name.
const OutputDirName = "np_output"

// TaskFileName is the reserved metadata file inside each task directory.
const TaskFileName = "_task.md"

// LastPromptFileName holds the most recently assembled prompt.
const LastPromptFileName = "last_prompt.md"

// GitSource describes a materialized remote repository for _task.md.
type GitSource struct {
	URL       string
	Branch    string
	Commit    string
	LocalPath string
}

// TaskParams carries everything needed to create one task directory.
type TaskParams struct {
	NumberStr       string
	Slug            string
	Name            string
	Definition      string
	LocalFiles      []string // project-relative, forward slashes
	GitSources      []GitSource
	EstimatedTokens int
	LLMs            []string
}

// TaskDir is a created task directory with its per-backend response file
// mapping. Response filenames are slugged backend names, disambiguated with
// a numeric suffix on collision.
type TaskDir struct {
	Path          string
	responseFiles map[string]string
}

// Builder creates output directories and files under <root>/np_output.
type Builder struct {
	ProjectRoot string
	OutputDir   string
	warnf       func(format string, args ...any)
}

// NewBuilder creates the output directory if needed and returns a Builder.
func NewBuilder(projectRoot string, warnf func(format string, args ...any)) (*Builder, error) {
	if warnf == nil {
		warnf = func(string, ...any) {}
	}
	outputDir := filepath.Join(projectRoot, OutputDirName)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.NewInternal(err)
	}
	return &Builder{ProjectRoot: projectRoot, OutputDir: outputDir, warnf: warnf}, nil
}

// Sequencer returns a folder sequencer over the output directory.
func (b *Builder) Sequencer() *Sequencer {
	return NewSequencer(b.OutputDir, b.warnf)
}

// CreateTaskStructure creates the numbered task directory, writes _task.md,
// and pre-creates one empty response file per backend. File-level write
// failures are warnings; the directory itself must be creatable.
func (b *Builder) CreateTaskStructure(p TaskParams) (*TaskDir, error) {
	dirName := p.NumberStr + "-" + p.Slug
	taskPath := filepath.Join(b.OutputDir, dirName)
	if err := os.MkdirAll(taskPath, 0755); err != nil {
		return nil, errors.NewInternal(err)
	}

	if err := os.WriteFile(filepath.Join(taskPath, TaskFileName), []byte(b.taskFileContent(p)), 0644); err != nil {
		b.warnf("failed to write %s: %v", TaskFileName, err)
	}

	task := &TaskDir{Path: taskPath, responseFiles: make(map[string]string, len(p.LLMs))}
	taken := map[string]bool{TaskFileName: true}
	for _, llm := range p.LLMs {
		base := Slugify(llm)
		filename := base + ".md"
		for counter := 1; taken[filename]; counter++ {
			filename = fmt.Sprintf("%s-%d.md", base, counter)
		}
		taken[filename] = true
		task.responseFiles[llm] = filename

		path := filepath.Join(taskPath, filename)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, nil, 0644); err != nil {
				b.warnf("failed to create response file %s: %v", filename, err)
			}
		}
	}
	return task, nil
}

// taskFileContent renders the _task.md body.
func (b *Builder) taskFileContent(p TaskParams) string {
	var contextLines []string
	for _, rel := range p.LocalFiles {
		contextLines = append(contextLines, fmt.Sprintf("*   `%s`", rel))
	}
	for _, src := range p.GitSources {
		branch := ""
		if src.Branch != "" {
			branch = fmt.Sprintf(" (Branch: %s)", src.Branch)
		}
		commit := src.Commit
		if len(commit) > 10 {
			commit = commit[:10]
		}
		local := src.LocalPath
		if rel, err := filepath.Rel(b.ProjectRoot, src.LocalPath); err == nil {
			local = filepath.ToSlash(rel)
		}
		contextLines = append(contextLines, fmt.Sprintf("*   (git) %s%s (Commit: %s) -> `%s`", src.URL, branch, commit, local))
	}
	contextSection := strings.Join(contextLines, "\n")
	if contextSection == "" {
		contextSection = "*   (No specific files listed - likely included './')"
	}

	llmSection := "None"
	if len(p.LLMs) > 0 {
		llmSection = strings.Join(p.LLMs, ", ")
	}

	return fmt.Sprintf(`# Task: %s

%s

---

## Included Context Sources

%s

---

## Metadata

*   **Created:** %s
*   **Estimated Tokens:** ~%d
*   **LLMs Targeted:** %s
`,
		p.Name,
		p.Definition,
		contextSection,
		time.Now().UTC().Format(time.RFC3339),
		p.EstimatedTokens,
		llmSection,
	)
}

// WriteLastPrompt saves the assembled prompt to np_output/last_prompt.md and
// returns the written path.
func (b *Builder) WriteLastPrompt(prompt string) (string, error) {
	path := filepath.Join(b.OutputDir, LastPromptFileName)
	if err := os.WriteFile(path, []byte(prompt), 0644); err != nil {
		return "", errors.NewInternal(err)
	}
	return path, nil
}

// ResponseFile returns the filename assigned to a backend at creation time.
func (t *TaskDir) ResponseFile(llm string) string {
	if name, ok := t.responseFiles[llm]; ok {
		return name
	}
	return Slugify(llm) + ".md"
}

// WriteResponse writes a backend's result, placeholder, or error content to
// its response file, overwriting the pre-created empty file.
func (t *TaskDir) WriteResponse(llm, content string) error {
	path := filepath.Join(t.Path, t.ResponseFile(llm))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}
