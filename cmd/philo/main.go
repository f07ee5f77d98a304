package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/theimaginaryfoundation/philo/philo"
	"github.com/theimaginaryfoundation/philo/philo/fileutils"
	"github.com/theimaginaryfoundation/philo/philo/prompts"
	"github.com/theimaginaryfoundation/philo/philo/provider"
)

// chatFactory builds the chat client for one model.
type chatFactory func(cfg Config, model string, logger *zap.Logger) (philo.ChatClient, error)

type app struct {
	cfg        Config
	configPath string
	verbose    bool
	logger     *zap.Logger
	newChat    chatFactory
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: defaultConfig(), newChat: openAIChat}
	if err := newRootCmd(a).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "philo",
		Short:         "Ask a chat model how moral philosophies judge actions and build a scorecard",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := a.loadConfig(cmd); err != nil {
				return err
			}
			if a.logger != nil {
				return nil
			}
			config := zap.NewProductionConfig()
			if a.verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			logger, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "philo.yaml", "YAML config file (missing file is ignored)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&a.cfg.OutDir, "out-dir", a.cfg.OutDir, "output directory for history and scorecards")
	pf.StringVar(&a.cfg.HistorySuffix, "history-suffix", a.cfg.HistorySuffix, "history namespace: <out-dir>/history<suffix>.json")

	root.AddCommand(newRunCmd(a), newHistoryCmd(a), newPromptCmd(a))
	return root
}

// loadConfig applies defaults, then the config file, then any flags set on the command line.
func (a *app) loadConfig(cmd *cobra.Command) error {
	type changedFlag struct {
		value   string
		slice   []string
		isSlice bool
	}
	changed := map[string]changedFlag{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			changed[f.Name] = changedFlag{slice: sv.GetSlice(), isSlice: true}
			return
		}
		changed[f.Name] = changedFlag{value: f.Value.String()}
	})

	cfg := defaultConfig()
	if err := loadConfigFile(a.configPath, &cfg); err != nil {
		return err
	}
	a.cfg = cfg

	for name, c := range changed {
		f := cmd.Flags().Lookup(name)
		if c.isSlice {
			if err := f.Value.(pflag.SliceValue).Replace(c.slice); err != nil {
				return fmt.Errorf("flag --%s: %w", name, err)
			}
			continue
		}
		if err := f.Value.Set(c.value); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run philosophies → actions → clusters → scores and write the scorecard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return a.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&a.cfg.Model, "model", a.cfg.Model, "chat model for the first three stages")
	f.StringVar(&a.cfg.ScoreModel, "score-model", a.cfg.ScoreModel, "chat model for scoring (empty: same as --model)")
	f.StringVar(&a.cfg.SystemPrompt, "system-prompt", a.cfg.SystemPrompt, "optional system message")
	f.Int64Var(&a.cfg.MaxTokens, "max-tokens", a.cfg.MaxTokens, "max completion tokens (0: model default)")
	f.BoolVar(&a.cfg.Structured, "structured", a.cfg.Structured, "request JSON schema output (gpt-4o family)")
	f.StringVar(&a.cfg.APIKey, "api-key", "", "OpenAI API key (default: $OPENAI_API_KEY)")
	f.BoolVar(&a.cfg.FreshStart, "fresh-start", a.cfg.FreshStart, "delete the history file before running")
	f.BoolVar(&a.cfg.Backup, "backup", a.cfg.Backup, "copy the history file to .bak before a fresh start")
	f.StringVar(&a.cfg.PromptDir, "prompt-dir", a.cfg.PromptDir, "prompt template directory (default: built-in prompts)")
	f.IntVar(&a.cfg.MaxRetries, "max-retries", a.cfg.MaxRetries, "attempts per exchange")
	f.DurationVar(&a.cfg.SettleDelay, "settle-delay", a.cfg.SettleDelay, "pause around cache invalidation")
	f.StringSliceVar(&a.cfg.Refresh, "refresh", a.cfg.Refresh, "stages to re-ask ignoring the cache: all, philosophies, actions, clusters, assignment, scores")
	f.StringSliceVar(&a.cfg.Formats, "format", a.cfg.Formats, "scorecard formats: json, md, csv")
	f.IntVar(&a.cfg.Versions.Philosophies, "philosophies-version", a.cfg.Versions.Philosophies, "prompt version (-1: latest)")
	f.IntVar(&a.cfg.Versions.Actions, "actions-version", a.cfg.Versions.Actions, "prompt version (-1: latest)")
	f.IntVar(&a.cfg.Versions.Clusters, "clusters-version", a.cfg.Versions.Clusters, "prompt version (-1: latest)")
	f.IntVar(&a.cfg.Versions.Assignment, "assignment-version", a.cfg.Versions.Assignment, "prompt version (-1: latest)")
	f.IntVar(&a.cfg.Versions.Scores, "scores-version", a.cfg.Versions.Scores, "prompt version (-1: latest)")
	return cmd
}

// runManifest records what one run used and produced.
type runManifest struct {
	RunID        string              `json:"run_id"`
	StartedAt    string              `json:"started_at"`
	Elapsed      string              `json:"elapsed"`
	Model        string              `json:"model"`
	ScoreModel   string              `json:"score_model"`
	History      string              `json:"history"`
	Versions     philo.StageVersions `json:"versions"`
	Philosophies int                 `json:"philosophies"`
	Actions      int                 `json:"actions"`
	Clusters     int                 `json:"clusters"`
	Outputs      []string            `json:"outputs"`
}

func (a *app) run(ctx context.Context, out io.Writer) error {
	cfg := a.cfg
	runID := uuid.NewString()
	logger := a.logger.With(zap.String("run_id", runID))
	started := time.Now()

	refresh, err := cfg.StageRefresh()
	if err != nil {
		return err
	}
	catalog := prompts.Default()
	if cfg.PromptDir != "" {
		catalog = prompts.Dir(cfg.PromptDir)
	}

	chat, err := a.newChat(cfg, cfg.Model, logger)
	if err != nil {
		return err
	}
	var scoreChat philo.ChatClient
	scoreModel := cfg.ScoreModel
	if scoreModel == "" {
		scoreModel = cfg.Model
	}
	if scoreModel != cfg.Model {
		scoreCfg := cfg
		if cfg.Structured && !provider.SupportsStructured(scoreModel) {
			logger.Warn("score model has no structured output, scoring with plain replies",
				zap.String("score_model", scoreModel))
			scoreCfg.Structured = false
		}
		if scoreChat, err = a.newChat(scoreCfg, scoreModel, logger); err != nil {
			return err
		}
	}

	history, err := philo.OpenHistory(cfg.HistoryPath(), philo.HistoryOptions{
		FreshStart: cfg.FreshStart,
		Backup:     cfg.Backup,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	ex, err := philo.NewExchanger(chat, history, logger)
	if err != nil {
		return err
	}
	ex.SettleDelay = cfg.SettleDelay

	opts := philo.PipelineOptions{
		Versions:   cfg.Versions,
		Refresh:    refresh,
		MaxRetries: cfg.MaxRetries,
		Structured: cfg.Structured,
		Logger:     logger,
	}
	if scoreChat != nil {
		scorer, err := philo.NewExchanger(scoreChat, history, logger.With(zap.String("stage", "scores")))
		if err != nil {
			return err
		}
		scorer.SettleDelay = cfg.SettleDelay
		opts.Scorer = scorer
	}

	p, err := philo.NewPipeline(ex, catalog, opts)
	if err != nil {
		return err
	}
	logger.Info("run starting",
		zap.String("model", cfg.Model),
		zap.String("score_model", scoreModel),
		zap.String("history", history.Path()),
		zap.Int("cached", history.Len()))

	sc, err := p.Run(ctx)
	if err != nil {
		return err
	}

	st := p.State()
	outputs, err := writeOutputs(cfg, sc, st)
	if err != nil {
		return err
	}
	manifest := runManifest{
		RunID:        runID,
		StartedAt:    started.UTC().Format(time.RFC3339),
		Elapsed:      time.Since(started).Round(time.Millisecond).String(),
		Model:        cfg.Model,
		ScoreModel:   scoreModel,
		History:      history.Path(),
		Versions:     cfg.Versions,
		Philosophies: len(sc.Philosophies),
		Actions:      len(sc.Actions),
		Clusters:     len(st.Groups),
		Outputs:      outputs,
	}
	manifestPath := filepath.Join(cfg.OutDir, "run.json")
	if err := fileutils.WriteJSONFileAtomic(manifestPath, manifest, true); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	for _, o := range append(outputs, manifestPath) {
		fmt.Fprintln(out, o)
	}
	return nil
}

func writeOutputs(cfg Config, sc philo.Scorecard, st *philo.RunState) ([]string, error) {
	var outputs []string
	for _, f := range cfg.Formats {
		path := filepath.Join(cfg.OutDir, "scorecard"+cfg.HistorySuffix+"."+f)
		var err error
		switch f {
		case formatJSON:
			err = philo.WriteScorecardJSON(path, sc)
		case formatMarkdown:
			err = philo.WriteScorecardMarkdown(path, sc, st.Groups)
		case formatCSV:
			err = philo.WriteScorecardCSV(path, sc)
		default:
			err = fmt.Errorf("unknown format %q", f)
		}
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, path)
	}

	statePath := filepath.Join(cfg.OutDir, "run_state"+cfg.HistorySuffix+".json")
	if err := fileutils.WriteJSONFileAtomic(statePath, st, true); err != nil {
		return nil, fmt.Errorf("write run state: %w", err)
	}
	return append(outputs, statePath), nil
}

func openAIChat(cfg Config, model string, logger *zap.Logger) (philo.ChatClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("missing OPENAI_API_KEY (or pass --api-key)")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return provider.NewOpenAIChat(&client, provider.OpenAIChatConfig{
		Model:        model,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.MaxTokens,
		Structured:   cfg.Structured,
		Logger:       logger,
	})
}

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect or edit the cached exchanges",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List cached keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHistory()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, k := range h.Keys() {
				e, _ := h.Get(k)
				fmt.Fprintf(out, "%s\t%s\n", k, fileutils.Truncate(fileutils.SingleLine(e.Response), 80))
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show KEY",
		Short: "Print the prompt and response cached under KEY",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHistory()
			if err != nil {
				return err
			}
			e, ok := h.Get(philo.HistoryKey(args[0]))
			if !ok {
				return fmt.Errorf("no history entry for %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "=== prompt ===\n%s\n=== response ===\n%s\n", e.Prompt, e.Response)
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm KEY...",
		Short: "Remove cached entries so the next run asks again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.openHistory()
			if err != nil {
				return err
			}
			for _, k := range args {
				removed, err := h.Remove(philo.HistoryKey(k))
				if err != nil {
					return err
				}
				if !removed {
					a.logger.Warn("history key not found", zap.String("key", k))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", k)
			}
			return nil
		},
	}

	cmd.AddCommand(list, show, rm)
	return cmd
}

func (a *app) openHistory() (*philo.HistoryStore, error) {
	path := a.cfg.HistoryPath()
	if !fileutils.FileExists(path) {
		return nil, fmt.Errorf("no history at %s", path)
	}
	return philo.OpenHistory(path, philo.HistoryOptions{Logger: a.logger})
}

func newPromptCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Work with prompt templates",
	}

	var (
		version   int
		input     string
		inputFile string
		promptDir string
	)
	render := &cobra.Command{
		Use:   "render NAME",
		Short: "Print a rendered prompt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := prompts.Default()
			if promptDir != "" {
				catalog = prompts.Dir(promptDir)
			}
			if inputFile != "" {
				b, err := os.ReadFile(inputFile)
				if err != nil {
					return fmt.Errorf("read --input-file: %w", err)
				}
				input = string(b)
			}
			var text string
			var err error
			if cmd.Flags().Changed("input") || inputFile != "" {
				text, err = catalog.RenderWithInput(args[0], version, input)
			} else {
				text, err = catalog.Render(args[0], version)
			}
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
	render.Flags().IntVar(&version, "version", prompts.LatestVersion, "template version (-1: latest)")
	render.Flags().StringVar(&input, "input", "", "user input substituted for "+prompts.UserInputToken)
	render.Flags().StringVar(&inputFile, "input-file", "", "read user input from a file")
	render.Flags().StringVar(&promptDir, "prompt-dir", "", "prompt template directory (default: built-in prompts)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List prompts and their versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog := prompts.Default()
			if promptDir != "" {
				catalog = prompts.Dir(promptDir)
			}
			names, err := catalog.Names()
			if err != nil {
				return err
			}
			for _, n := range names {
				vs, err := catalog.Versions(n)
				if err != nil {
					return err
				}
				labels := make([]string, len(vs))
				for i, v := range vs {
					labels[i] = "v" + strconv.Itoa(v)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", n, labels)
			}
			return nil
		},
	}
	list.Flags().StringVar(&promptDir, "prompt-dir", "", "prompt template directory (default: built-in prompts)")

	cmd.AddCommand(render, list)
	return cmd
}
