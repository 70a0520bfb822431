package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ragprompt/internal/config"
	"ragprompt/internal/logging"
	"ragprompt/internal/prompt"
	"ragprompt/internal/service"
	"ragprompt/internal/tui"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "rag",
	Short: "Retrieval-augmented prompt assembly",
	Long: `rag builds semantic indexes over small text corpora and uses them to fill
the slots of conversation templates.

Examples:
  # Build an index from text files (chunked by sentence) or JSONL rows
  rag index build textbook data/textbook/*.txt

  # Show the rows closest to a query
  rag index query textbook "area of a circle" --top 3

  # Print the assembled prompt for a question
  rag prompt build --prompt general_math_qa --strategy textbook "How do I add fractions?"

  # Chat in the terminal
  rag chat --strategy textbook`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config (default ./config.yaml or ~/.config/ragprompt/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	indexQueryCmd.Flags().Int("top", 5, "number of rows to show")
	indexCmd.AddCommand(indexBuildCmd, indexQueryCmd)

	for _, c := range []*cobra.Command{promptBuildCmd, chatCmd} {
		c.Flags().String("prompt", "", "prompt set name (default from config)")
		c.Flags().String("strategy", "", "strategy name (default from config)")
	}
	promptBuildCmd.Flags().String("history", "", "conversation file to continue (ROLE: lines)")
	promptCmd.AddCommand(promptBuildCmd, promptListCmd)

	rootCmd.AddCommand(indexCmd, promptCmd, chatCmd)
}

type app struct {
	cfg *config.AppConfig
	log *zap.Logger
	svc *service.Service
}

func (a *app) close() {
	if err := a.svc.Close(); err != nil {
		a.log.Warn("close service", zap.Error(err))
	}
	_ = a.log.Sync()
}

// openApp loads config and assembles the service. quiet keeps logs off the
// terminal unless a log file is configured.
func openApp(quiet bool) (*app, error) {
	var (
		cfg *config.AppConfig
		err error
	)
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var log *zap.Logger
	switch {
	case cfg.Logging.File != "":
		log, err = logging.New(logging.Options{Level: cfg.Logging.Level, Verbose: verbose, OutputPaths: []string{cfg.Logging.File}})
	case quiet:
		log = zap.NewNop()
	default:
		log, err = logging.New(logging.Options{Level: cfg.Logging.Level, Verbose: verbose})
	}
	if err != nil {
		return nil, err
	}

	svc, err := service.New(cfg, service.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return &app{cfg: cfg, log: log, svc: svc}, nil
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Build and inspect retrieval indexes",
}

var indexBuildCmd = &cobra.Command{
	Use:   "build <name> [files...]",
	Short: "Embed a corpus and persist it as an index",
	Long: `Embed a corpus and persist it as an index.

Files ending in .txt are split into sentence chunks tagged with "document" and
"chunk" metadata; .jsonl files hold one row per line ({"text", "n_tokens",
"metadata"}). Without files the index's configured sources are used.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.svc.BuildIndex(cmd.Context(), args[0], args[1:])
		if err != nil {
			return err
		}
		fmt.Printf("Index %q: %d rows, %d tokens in %s\n", report.Index, report.Rows, report.Tokens, report.Duration.Round(time.Millisecond))
		if report.Summary != "" {
			fmt.Println()
			fmt.Println(report.Summary)
		}
		return nil
	},
}

var indexQueryCmd = &cobra.Command{
	Use:   "query <name> <text>",
	Short: "Show the rows closest to a query",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")
		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.svc.LoadIndexes(cmd.Context()); err != nil {
			return err
		}
		hits, err := a.svc.Query(cmd.Context(), args[0], strings.Join(args[1:], " "), top)
		if err != nil {
			return err
		}
		for i, h := range hits {
			fmt.Printf("%d. distance=%.4f tokens=%d\n   %s\n", i+1, h.Distance, h.Row.Tokens, h.Row.Text)
		}
		return nil
	},
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Inspect prompt sets and assembled prompts",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available prompt sets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		lib := a.svc.Prompts()
		pretty := lib.PrettyNames()
		for i, name := range lib.Names() {
			set, _ := lib.Get(name)
			var slots []string
			for _, m := range set.Messages {
				slots = append(slots, prompt.IdentifySlots(m.Content)...)
			}
			fmt.Printf("%-28s %s  slots=%v\n", name, pretty[i], compact(slots))
		}
		return nil
	},
}

var promptBuildCmd = &cobra.Command{
	Use:   "build [user text]",
	Short: "Print the prompt that would be sent for a user message",
	RunE: func(cmd *cobra.Command, args []string) error {
		promptName, _ := cmd.Flags().GetString("prompt")
		strategyName, _ := cmd.Flags().GetString("strategy")
		history, _ := cmd.Flags().GetString("history")

		a, err := openApp(false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := a.svc.LoadIndexes(ctx); err != nil {
			return err
		}
		sess, err := a.svc.NewSession(promptName, strategyName)
		if err != nil {
			return err
		}
		defer a.svc.CloseSession(sess.ID)

		if history != "" {
			data, err := os.ReadFile(history)
			if err != nil {
				return err
			}
			if err := sess.AddMessages(prompt.ParseConversation(string(data))); err != nil {
				return err
			}
		}
		msgs, err := sess.BuildQuery(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Print(prompt.ConversationString(msgs))
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat in the terminal with retrieval-filled prompts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		promptName, _ := cmd.Flags().GetString("prompt")
		strategyName, _ := cmd.Flags().GetString("strategy")

		a, err := openApp(true)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		if err := a.svc.LoadIndexes(ctx); err != nil {
			return err
		}
		sess, err := a.svc.NewSession(promptName, strategyName)
		if err != nil {
			return err
		}
		defer a.svc.CloseSession(sess.ID)

		title := sess.Prompt
		if set, ok := a.svc.Prompts().Get(sess.Prompt); ok && set.PrettyName != "" {
			title = set.PrettyName
		}
		_, err = tea.NewProgram(tui.New(ctx, sess, title), tea.WithAltScreen()).Run()
		return err
	},
}

func compact(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
