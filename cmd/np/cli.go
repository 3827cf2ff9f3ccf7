package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/klimentij/nerdprompt/internal/config"
	"github.com/klimentij/nerdprompt/internal/errors"
	"github.com/klimentij/nerdprompt/internal/history"
)

// newCLIApp creates the CLI application with all commands. The default
// action assembles a context and dispatches it; subcommands cover key
// management and the run ledger.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "np",
		Usage:   "Assemble file context into a prompt and dispatch it to LLM backends",
		Version: Version,
		Flags:   runFlags(),
		Action:  runAction,
		Commands: []*cli.Command{
			runCmd(),
			setKeyCmd(),
			historyCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// runFlags is shared between the app default action and the explicit run
// command, so both "np -t ..." and "np run -t ..." work.
func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{Name: "include", Aliases: []string{"i"}, Usage: "Path, glob, or git URL to include (repeatable)"},
		&cli.StringSliceFlag{Name: "exclude", Aliases: []string{"e"}, Usage: "Glob pattern to exclude (repeatable)"},
		&cli.StringSliceFlag{Name: "llm", Aliases: []string{"l"}, Usage: "Backend to dispatch to: model ID or manual name (repeatable)"},
		&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Value: "task", Usage: "Task name, used for the output folder slug"},
		&cli.StringFlag{Name: "task", Aliases: []string{"t"}, Usage: "Task definition text"},
		&cli.StringFlag{Name: "task-file", Aliases: []string{"f"}, Usage: "Read the task definition from a file"},
		&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "Per-model API parameter: \"MODEL KEY VALUE\" (repeatable)"},
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Skip the confirmation prompt"},
		&cli.BoolFlag{Name: "no-copy", Usage: "Do not copy the assembled prompt to the clipboard"},
	}
}

// runCmd is the explicit form of the default action.
func runCmd() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Assemble the context and dispatch it (same as running np with no subcommand)",
		Flags:  runFlags(),
		Action: runAction,
	}
}

// setKeyCmd stores the OpenRouter API key in the global settings file.
func setKeyCmd() *cli.Command {
	return &cli.Command{
		Name:      "set-key",
		Usage:     "Store the OpenRouter API key",
		ArgsUsage: "[KEY]",
		Action: func(c *cli.Context) error {
			key := strings.TrimSpace(c.Args().First())
			if key == "" {
				fmt.Fprint(os.Stderr, "Enter OpenRouter API key: ")
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return errors.NewInvalidRequest("no key provided")
				}
				key = strings.TrimSpace(line)
			}
			if key == "" {
				return errors.NewInvalidRequest("no key provided")
			}
			root, err := os.Getwd()
			if err != nil {
				return errors.NewInternal(err)
			}
			mgr := config.NewManager(root, warn)
			if err := mgr.SaveAPIKey(key); err != nil {
				return err
			}
			fmt.Println("API key saved.")
			return nil
		},
	}
}

// historyCmd lists past runs from the ledger.
func historyCmd() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List past runs recorded in the output ledger",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Maximum number of runs to show"},
		},
		Action: func(c *cli.Context) error {
			root, err := os.Getwd()
			if err != nil {
				return errors.NewInternal(err)
			}
			store, err := history.Open(outputDirPath(root))
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(c.Int("limit"))
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs recorded yet.")
				return nil
			}
			for _, r := range runs {
				cost := fmt.Sprintf("$%.6f", r.Run.TotalCost)
				fmt.Printf("%s  %03d-%s  ~%d tokens  %s\n",
					r.Run.CreatedAt.Format("2006-01-02 15:04"), r.Run.Number, r.Run.Slug,
					r.Run.EstimatedTokens, cost)
				for _, res := range r.Results {
					costCol := fmt.Sprintf("$%.6f", res.Cost)
					if !res.CostKnown {
						costCol = "cost unknown"
					}
					fmt.Printf("    %-40s %-12s %s\n", res.Model, res.State, costCol)
				}
			}
			return nil
		},
	}
}

// warn prints a non-fatal problem to stderr.
func warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "\033[33mWarning:\033[0m "+format+"\n", args...)
}
