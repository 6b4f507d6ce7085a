// termhint is the CLI entry point: a one-shot driver for the suggestion
// pipeline plus usage reporting.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"termhint/internal/config"
	"termhint/internal/logging"
	"termhint/internal/provider"
	"termhint/internal/suggest"
	"termhint/internal/tools"
	"termhint/internal/usage"
)

var version = "0.1.0"

// staticStateProvider snapshots terminal state from CLI flags. Git and
// project detection are supplied by the caller, not polled here.
type staticStateProvider struct {
	state suggest.TerminalState
}

func (p *staticStateProvider) GetTerminalState() suggest.TerminalState {
	return p.state
}

type suggestFlags struct {
	cwd         string
	lastCommand string
	exitCode    int
	output      string
	readStdin   bool
	gitBranch   string
	gitDirty    bool
	gitAhead    int
	gitBehind   int
	projectType string
	history     int
	noResearch  bool
}

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "termhint",
		Short:        "LLM-driven command suggestions for your terminal",
		SilenceUsage: true,
	}

	var configPath string
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultUserConfigPath(), "path to config.json")

	root.AddCommand(newSuggestCmd(&configPath))
	root.AddCommand(newUsageCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newSuggestCmd(configPath *string) *cobra.Command {
	flags := suggestFlags{}

	cmd := &cobra.Command{
		Use:   "suggest",
		Short: "Run the suggestion pipeline once against the given terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadUserConfig(*configPath)
			if err != nil {
				return err
			}

			workspace, err := os.UserHomeDir()
			if err != nil {
				workspace = "."
			}
			if err := logging.Initialize(workspace, cfg.Logging.DebugMode, cfg.Logging.Level); err != nil {
				fmt.Fprintln(os.Stderr, "warning: logging disabled:", err)
			}
			defer logging.Sync()

			client, err := provider.NewClientFromConfig(cfg)
			if err != nil {
				return err
			}

			tracker, err := usage.NewTracker(workspace)
			if err != nil {
				return fmt.Errorf("failed to open usage tracker: %w", err)
			}
			defer func() {
				if err := tracker.Save(); err != nil {
					logging.Usage("failed to save usage data: %v", err)
				}
			}()

			state, err := buildState(flags)
			if err != nil {
				return err
			}

			registry := tools.NewDefaultRegistry()
			var reg suggest.ToolRegistry = registry
			if flags.noResearch {
				reg = nil
			}

			orch, err := suggest.NewOrchestrator(suggest.Options{
				Client:   client,
				Registry: reg,
				State:    &staticStateProvider{state: state},
				Prompts:  suggest.LoadPrompts(workspace),
				Pipeline: cfg.Pipeline,
				Timeouts: config.DefaultCallTimeouts(),
			})
			if err != nil {
				return err
			}
			defer orch.Close()

			ctx := usage.NewContext(cmd.Context(), tracker)
			result, err := orch.Suggest(ctx)
			if err != nil {
				return err
			}
			if result == nil {
				return nil
			}

			out, err := json.MarshalIndent(result.Suggestions, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.cwd, "cwd", "", "working directory (default: current)")
	cmd.Flags().StringVar(&flags.lastCommand, "last-command", "", "last executed command")
	cmd.Flags().IntVar(&flags.exitCode, "exit-code", 0, "last command exit code")
	cmd.Flags().StringVar(&flags.output, "output", "", "last command output")
	cmd.Flags().BoolVar(&flags.readStdin, "stdin", false, "read last command output from stdin")
	cmd.Flags().StringVar(&flags.gitBranch, "git-branch", "", "current git branch (empty: not a repo)")
	cmd.Flags().BoolVar(&flags.gitDirty, "git-dirty", false, "git working tree is dirty")
	cmd.Flags().IntVar(&flags.gitAhead, "git-ahead", 0, "commits ahead of upstream")
	cmd.Flags().IntVar(&flags.gitBehind, "git-behind", 0, "commits behind upstream")
	cmd.Flags().StringVar(&flags.projectType, "project-type", "", "recognized project type (go, node, python, rust, make)")
	cmd.Flags().IntVar(&flags.history, "history-count", 0, "session command count")
	cmd.Flags().BoolVar(&flags.noResearch, "no-research", false, "disable the research loop")

	return cmd
}

func buildState(flags suggestFlags) (suggest.TerminalState, error) {
	cwd := flags.cwd
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return suggest.TerminalState{}, err
		}
	}

	output := flags.output
	if flags.readStdin {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return suggest.TerminalState{}, fmt.Errorf("failed to read stdin: %w", err)
		}
		output = string(data)
	}

	home, _ := os.UserHomeDir()
	state := suggest.TerminalState{
		Cwd:          cwd,
		LastCommand:  flags.lastCommand,
		LastOutput:   output,
		LastExitCode: flags.exitCode,
		HistoryCount: flags.history,
		HomeDir:      home,
	}
	if flags.gitBranch != "" {
		state.Git = suggest.GitStatus{
			IsRepo: true,
			Branch: flags.gitBranch,
			Dirty:  flags.gitDirty,
			Ahead:  flags.gitAhead,
			Behind: flags.gitBehind,
		}
	}
	if flags.projectType != "" {
		state.Project = suggest.ProjectInfo{Type: flags.projectType}
	}
	return state, nil
}

func newUsageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Print aggregated token usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := os.UserHomeDir()
			if err != nil {
				workspace = "."
			}
			tracker, err := usage.NewTracker(workspace)
			if err != nil {
				return err
			}

			stats := tracker.Stats()
			fmt.Printf("total: %d in / %d out / %d total\n",
				stats.Total.Input, stats.Total.Output, stats.Total.Total)

			printBreakdown := func(title string, m map[string]usage.TokenCounts) {
				if len(m) == 0 {
					return
				}
				fmt.Println(title + ":")
				for key, counts := range m {
					fmt.Printf("  %-24s %d in / %d out\n", key, counts.Input, counts.Output)
				}
			}
			printBreakdown("by provider", stats.ByProvider)
			printBreakdown("by model", stats.ByModel)
			printBreakdown("by request type", stats.ByRequestType)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the termhint version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("termhint", version)
		},
	}
}
