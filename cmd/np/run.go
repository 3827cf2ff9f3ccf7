package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/urfave/cli/v2"

	"github.com/klimentij/nerdprompt/internal/config"
	"github.com/klimentij/nerdprompt/internal/discover"
	"github.com/klimentij/nerdprompt/internal/dispatch"
	"github.com/klimentij/nerdprompt/internal/errors"
	"github.com/klimentij/nerdprompt/internal/gitrepo"
	"github.com/klimentij/nerdprompt/internal/history"
	"github.com/klimentij/nerdprompt/internal/output"
	"github.com/klimentij/nerdprompt/internal/prompt"
)

func outputDirPath(projectRoot string) string {
	return filepath.Join(projectRoot, output.OutputDirName)
}

// runAction is the default command: assemble the context, confirm, create
// the output folder, and dispatch to every configured backend.
func runAction(c *cli.Context) error {
	root, err := os.Getwd()
	if err != nil {
		return errors.NewInternal(err)
	}

	mgr := config.NewManager(root, warn)
	state := mgr.LoadProjectState()
	run, err := resolveRunConfig(c, mgr, state, root)
	if err != nil {
		return err
	}

	// Split includes into local paths and remote git URLs.
	var localIncludes, remoteIncludes []string
	for _, inc := range run.Includes {
		if discover.IsRemoteInclude(inc) {
			remoteIncludes = append(remoteIncludes, inc)
		} else {
			localIncludes = append(localIncludes, inc)
		}
	}

	handler := gitrepo.NewHandler(outputDirPath(root), mgr, warn)
	repos, err := handler.Sync(c.Context, remoteIncludes, state.GitRepoMap)
	if err != nil {
		return err
	}
	var gitRoots []string
	for _, r := range repos {
		gitRoots = append(gitRoots, r.Path)
	}

	disc := discover.New(root, warn)
	files, stats := disc.Discover(gitRoots, mgr.LoadGitignorePatterns(), localIncludes, run.Excludes)

	assembler := prompt.New(run.CharsPerToken, warn)
	assembled := assembler.Assemble(files, run.TaskDefinition)

	printRunSummary(run, files, stats, assembled)
	if !run.SkipConfirmation && !confirm("Proceed?") {
		fmt.Println("Aborted.")
		return nil
	}

	if !c.Bool("no-copy") {
		if err := clipboard.WriteAll(assembled.Prompt); err != nil {
			warn("could not copy prompt to clipboard: %v", err)
		} else {
			fmt.Println("Prompt copied to clipboard.")
		}
	}

	builder, err := output.NewBuilder(root, warn)
	if err != nil {
		return err
	}
	if _, err := builder.WriteLastPrompt(assembled.Prompt); err != nil {
		warn("could not write %s: %v", output.LastPromptFileName, err)
	}

	num, padded := builder.Sequencer().NextNumber()
	params := output.TaskParams{
		NumberStr:       padded,
		Slug:            output.Slugify(run.TaskName),
		Name:            run.TaskName,
		Definition:      run.TaskDefinition,
		LocalFiles:      relPaths(files, gitRoots),
		GitSources:      gitSources(repos, root),
		EstimatedTokens: assembled.EstimatedTokens,
		LLMs:            run.LLMs,
	}
	taskDir, err := builder.CreateTaskStructure(params)
	if err != nil {
		return err
	}
	fmt.Printf("Created %s\n", taskDir.Path)

	runID := history.NewRunID()
	logger, logClose := openDebugLog(taskDir.Path)
	defer logClose()
	logger.Info("run started",
		"run_id", runID,
		"task", run.TaskName,
		"files", len(files),
		"estimated_tokens", assembled.EstimatedTokens,
		"backends", run.LLMs)

	engine := dispatch.NewEngine(run.APIKey, os.Stdout, run.ModelOverrides, warn)
	summary := engine.Process(c.Context, run.LLMs, assembled.Prompt, taskDir)

	for _, job := range summary.Jobs {
		logger.Info("backend finished",
			"model", job.Model,
			"state", string(job.State),
			"cost", job.Cost,
			"cost_known", job.CostKnown,
			"elapsed_ms", job.Elapsed.Milliseconds())
	}
	fmt.Printf("Total known cost: $%.6f\n", summary.TotalCost)

	recordHistory(root, runID, num, params, assembled, summary)
	return nil
}

// resolveRunConfig merges project state with CLI flags into one RunConfig.
// CLI includes and excludes extend the configured defaults; CLI backends
// replace them.
func resolveRunConfig(c *cli.Context, mgr *config.Manager, state *config.ProjectState, root string) (*config.RunConfig, error) {
	run := &config.RunConfig{
		Includes:         mergeUnique(state.DefaultIncludes, c.StringSlice("include")),
		Excludes:         config.EffectiveExcludes(state, c.StringSlice("exclude")),
		LLMs:             c.StringSlice("llm"),
		TaskName:         c.String("name"),
		SkipConfirmation: c.Bool("yes"),
		ProjectRoot:      root,
		APIKey:           mgr.LoadAPIKey(),
		CharsPerToken:    config.DefaultCharsPerToken,
	}
	if len(run.LLMs) == 0 {
		run.LLMs = state.DefaultLLMs
	}
	if len(run.Includes) == 0 {
		run.Includes = []string{"./"}
	}

	def, err := resolveTaskDefinition(c)
	if err != nil {
		return nil, err
	}
	run.TaskDefinition = def

	overrides := make(map[string]map[string]any)
	for model, params := range state.DefaultModelOverrides {
		overrides[model] = make(map[string]any, len(params))
		for k, v := range params {
			overrides[model][k] = v
		}
	}
	for _, spec := range c.StringSlice("param") {
		model, key, value, err := parseParamSpec(spec)
		if err != nil {
			return nil, err
		}
		if overrides[model] == nil {
			overrides[model] = make(map[string]any)
		}
		overrides[model][key] = value
	}
	run.ModelOverrides = overrides
	return run, nil
}

// resolveTaskDefinition picks the task text: a file wins over inline text,
// and with neither the definition is read from piped stdin. An interactive
// invocation without a task is an error.
func resolveTaskDefinition(c *cli.Context) (string, error) {
	if path := c.String("task-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.NewInvalidRequest(fmt.Sprintf("cannot read task file %s: %v", path, err))
		}
		return strings.TrimSpace(string(data)), nil
	}
	if text := c.String("task"); text != "" {
		return strings.TrimSpace(text), nil
	}
	if isTerminal() {
		return "", errors.NewInvalidRequest("no task given; use --task, --task-file, or pipe the task text via stdin")
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		return "", errors.NewInvalidRequest("no task given; use --task, --task-file, or pipe the task text via stdin")
	}
	return strings.TrimSpace(string(data)), nil
}

// parseParamSpec splits a "MODEL KEY VALUE" flag into its parts, coercing
// the value to bool or number when it parses as one.
func parseParamSpec(spec string) (model, key string, value any, err error) {
	parts := strings.Fields(spec)
	if len(parts) < 3 {
		return "", "", nil, errors.NewInvalidRequest(fmt.Sprintf("invalid --param %q, expected \"MODEL KEY VALUE\"", spec))
	}
	model, key = parts[0], parts[1]
	raw := strings.Join(parts[2:], " ")
	switch {
	case raw == "true":
		value = true
	case raw == "false":
		value = false
	default:
		if n, err := strconv.Atoi(raw); err == nil {
			value = n
		} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
			value = f
		} else {
			value = raw
		}
	}
	return model, key, value, nil
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// printRunSummary shows what will be sent before asking for confirmation.
func printRunSummary(run *config.RunConfig, files []discover.File, stats discover.Stats, assembled *prompt.Result) {
	fmt.Printf("Task: %s\n", run.TaskName)
	fmt.Printf("Files: %d included (%d scanned, %d excluded by config, %d by .gitignore)\n",
		stats.Included, stats.Scanned, stats.ExcludedConfig, stats.ExcludedGitignore)
	fmt.Printf("Estimated tokens: ~%d\n", assembled.EstimatedTokens)

	folders := make([]string, 0, len(assembled.FolderTokens))
	for f := range assembled.FolderTokens {
		folders = append(folders, f)
	}
	sort.Slice(folders, func(i, j int) bool {
		return assembled.FolderTokens[folders[i]] > assembled.FolderTokens[folders[j]]
	})
	if len(folders) > 10 {
		folders = folders[:10]
	}
	for _, f := range folders {
		fmt.Printf("  %-50s ~%d tokens\n", f, assembled.FolderTokens[f])
	}

	if len(run.LLMs) == 0 {
		fmt.Println("Backends: none (context assembly only)")
	} else {
		fmt.Printf("Backends: %s\n", strings.Join(run.LLMs, ", "))
	}
}

func confirm(question string) bool {
	fmt.Printf("%s [Y/n] ", question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "" || answer == "y" || answer == "yes"
}

func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// relPaths returns the project-relative display paths for the task file,
// skipping files that came from synced git clones.
func relPaths(files []discover.File, gitRoots []string) []string {
	var out []string
	for _, f := range files {
		fromGit := false
		for _, root := range gitRoots {
			if strings.HasPrefix(f.AbsPath, root+string(filepath.Separator)) {
				fromGit = true
				break
			}
		}
		if !fromGit {
			out = append(out, f.RelPath)
		}
	}
	return out
}

func gitSources(repos []gitrepo.Repo, projectRoot string) []output.GitSource {
	var out []output.GitSource
	for _, r := range repos {
		local := r.Path
		if rel, err := filepath.Rel(projectRoot, r.Path); err == nil {
			local = filepath.ToSlash(rel)
		}
		out = append(out, output.GitSource{URL: r.URL, Branch: r.Branch, Commit: r.Commit, LocalPath: local})
	}
	return out
}

// openDebugLog creates a JSON debug log inside the task directory. Falls
// back to a discard logger when the file cannot be created.
func openDebugLog(taskDir string) (*slog.Logger, func()) {
	f, err := os.Create(filepath.Join(taskDir, "debug.log"))
	if err != nil {
		warn("could not create debug log: %v", err)
		return slog.New(slog.NewJSONHandler(io.Discard, nil)), func() {}
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, func() { f.Close() }
}

// recordHistory writes the run into the ledger. Ledger problems never fail
// the run.
func recordHistory(root, runID string, number int, params output.TaskParams, assembled *prompt.Result, summary dispatch.Summary) {
	store, err := history.Open(outputDirPath(root))
	if err != nil {
		warn("could not open run ledger: %v", err)
		return
	}
	defer store.Close()

	run := history.Run{
		ID:              runID,
		Number:          number,
		Slug:            params.Slug,
		EstimatedTokens: assembled.EstimatedTokens,
		TotalCost:       summary.TotalCost,
		CreatedAt:       time.Now(),
	}
	results := make([]history.Result, 0, len(summary.Jobs))
	for _, job := range summary.Jobs {
		results = append(results, history.Result{
			RunID:      run.ID,
			Model:      job.Model,
			State:      string(job.State),
			Cost:       job.Cost,
			CostKnown:  job.CostKnown,
			DurationMS: job.Elapsed.Milliseconds(),
		})
	}
	if err := store.RecordRun(run, results); err != nil {
		warn("could not record run: %v", err)
	}
}
