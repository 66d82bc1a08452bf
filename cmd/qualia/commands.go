package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/avdvelde/qualia/internal/config"
	"github.com/avdvelde/qualia/internal/gateway"
	"github.com/avdvelde/qualia/internal/ollama"
	"github.com/avdvelde/qualia/internal/pipeline"
	"github.com/avdvelde/qualia/internal/storage"
)

var (
	configPath string
	noColor    bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "qualia",
	Short: "LLM-assisted annotation of student reflections",
	Long: `qualia annotates a corpus of student reflections in five steps:
keyword extraction, sentiment classification, analytic memos, two-pass
thematic clustering, and an audit trail covering every model call.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultPath+")")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(stepCmd)
	rootCmd.AddCommand(infoCmd)
}

// --- shared setup ---

type app struct {
	cfg     config.Config
	gateway *gateway.Gateway
	store   *storage.Store
	logger  *slog.Logger
}

// setup loads the configuration, prepares logging, checks the local model
// when the command will call it, and opens the run journal.
func setup(ctx context.Context, needModel bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	if needModel && cfg.LLM.Provider == "local" {
		client := ollama.New(cfg.LLM.Local.BaseURL)
		if err := ollama.EnsureReady(ctx, client, cfg.LLM.Local.Model, os.Stderr); err != nil {
			return nil, err
		}
	}

	store, err := storage.Open(cfg.Output.BasePath)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}

	return &app{
		cfg:     cfg,
		gateway: gateway.FromConfig(cfg.LLM, logger),
		store:   store,
		logger:  logger,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing journal: %v\n", err)
	}
}

func newLogger(level string) *slog.Logger {
	if verbose {
		level = "debug"
	}
	l := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run all annotation steps and finalize the audit trail",
	Long: `Run the full pipeline over the configured corpus: keyword
extraction, sentiment classification, analytic memos, and thematic
clustering, followed by the audit finalize. A step that fails does not stop
the later ones; the audit trail always covers whatever was actually done.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.close()

		rc, err := pipeline.NewRun(a.cfg, a.gateway, a.store, a.logger)
		if err != nil {
			return err
		}

		printStep("Annotating %s...", a.cfg.Input.Path)
		summaries, artifacts, err := rc.Analyze(cmd.Context())
		if err != nil {
			return err
		}

		reportSummaries(summaries)
		printSuccess("Audit trail: %s", filepath.Dir(artifacts.AuditLog))

		if n := countFailed(summaries); n > 0 {
			return fmt.Errorf("%d of %d steps failed", n, len(summaries))
		}
		return nil
	},
}

// --- step ---

var stepCmd = &cobra.Command{
	Use:   "step <number>",
	Short: "Run a single annotation step (1-5)",
	Long: `Run a single annotation step:

  1  keyword extraction
  2  sentiment classification
  3  analytic memos
  4  thematic clustering
  5  audit finalize

Steps 1-4 join the latest unfinalized run, or open a fresh one, so that
separately invoked steps share one audit trail. Step 5 closes that run and
writes the audit artifacts; it fails when no run is open.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.Atoi(args[0])
		if err != nil || number < 1 || number > 5 {
			return fmt.Errorf("step must be a number from 1 to 5, got %q", args[0])
		}

		a, err := setup(cmd.Context(), number != 5)
		if err != nil {
			return err
		}
		defer a.close()

		if number == 5 {
			rc, err := pipeline.OpenRun(a.cfg, a.gateway, a.store, a.logger)
			if err != nil {
				return err
			}
			printStep("Finalizing audit trail...")
			artifacts, err := rc.Finalize()
			if err != nil {
				return err
			}
			printSuccess("Audit trail: %s", filepath.Dir(artifacts.AuditLog))
			return nil
		}

		rc, err := pipeline.ResumeRun(a.cfg, a.gateway, a.store, a.logger)
		if err != nil {
			return err
		}
		printStep("Running step %d...", number)
		sum, err := rc.RunStep(cmd.Context(), number)
		if err != nil {
			return err
		}
		reportSummaries([]pipeline.Summary{sum})
		if sum.Failed() {
			return fmt.Errorf("step %d failed", number)
		}
		return nil
	},
}

// --- info ---

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show configuration and journal state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		printStatus("Provider", "%s", cfg.LLM.Provider)
		printStatus("Local model", "%s at %s", cfg.LLM.Local.Model, cfg.LLM.Local.BaseURL)
		if cfg.LLM.Provider == "hosted" || cfg.LLM.Fallback {
			printStatus("Hosted model", "%s", cfg.LLM.Hosted.Model)
		}
		if cfg.LLM.Fallback {
			printStatus("Fallback", "enabled")
		} else {
			printStatus("Fallback", "disabled")
		}

		checkCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		if ollama.New(cfg.LLM.Local.BaseURL).IsRunning(checkCtx) {
			printStatus("Ollama", "running at %s", cfg.LLM.Local.BaseURL)
		} else {
			printStatus("Ollama", "not running")
		}

		printStatus("Input", "%s (%s)", cfg.Input.Path, cfg.Input.Format)
		printStatus("Results dir", "%s", cfg.ResultsPath())
		printStatus("Audit dir", "%s", cfg.AuditPath())

		store, err := storage.Open(cfg.Output.BasePath)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer store.Close()

		run, err := store.LatestOpenRun()
		switch {
		case errors.Is(err, storage.ErrNotFound):
			printStatus("Open run", "none")
		case err != nil:
			return err
		default:
			steps, err := store.StepsForRun(run.ID)
			if err != nil {
				return err
			}
			printStatus("Open run", "session %s (%d steps recorded)", run.Session, len(steps))
		}
		return nil
	},
}

// --- reporting ---

func reportSummaries(summaries []pipeline.Summary) {
	for _, s := range summaries {
		switch {
		case s.Err != nil:
			printError("Step %d (%s) aborted: %v", s.Step, s.Name, s.Err)
		case s.Successes == 0:
			printError("Step %d (%s): no document annotated (%d failures)", s.Step, s.Name, s.Failures)
		case s.Failures > 0:
			printWarning("Step %d (%s): %d of %d documents annotated, %d failed",
				s.Step, s.Name, s.Successes, s.Documents, s.Failures)
		default:
			printSuccess("Step %d (%s): %d documents annotated", s.Step, s.Name, s.Successes)
		}
	}
}

func countFailed(summaries []pipeline.Summary) int {
	n := 0
	for _, s := range summaries {
		if s.Failed() {
			n++
		}
	}
	return n
}
