// Package pipeline orchestrates the annotation stages over a loaded corpus:
// keywords, sentiment, analytic memos, two-pass thematic clustering, and the
// audit finalize. Each stage maps the corpus through the model gateway,
// journals every call, and writes its results as CSV. Per-document failures
// are isolated: they are counted and audited but never abort the stage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/avdvelde/qualia/internal/annotation"
	"github.com/avdvelde/qualia/internal/audit"
	"github.com/avdvelde/qualia/internal/config"
	"github.com/avdvelde/qualia/internal/corpus"
	"github.com/avdvelde/qualia/internal/gateway"
	"github.com/avdvelde/qualia/internal/storage"
)

// sessionFormat labels a run by its start timestamp; audit artifact
// filenames are keyed by it.
const sessionFormat = "20060102_150405"

// RunContext carries everything a stage needs: the configuration, the model
// gateway, the audit recorder bound to one journal run, and the output
// directories. It replaces shared mutable state between stages; every stage
// receives it explicitly.
type RunContext struct {
	Config   config.Config
	Gateway  *gateway.Gateway
	Recorder *audit.Recorder
	Logger   *slog.Logger

	run        storage.Run
	resultsDir string
	auditDir   string
}

// NewRun opens a fresh run in the journal and returns its context. The
// analyze command always starts fresh.
func NewRun(cfg config.Config, gw *gateway.Gateway, store *storage.Store, logger *slog.Logger) (*RunContext, error) {
	now := time.Now().UTC()
	run := storage.Run{
		ID:         uuid.NewString(),
		Session:    now.Format(sessionFormat),
		StartedAt:  now,
		ConfigJSON: configSnapshot(cfg),
	}
	if err := store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("opening run: %w", err)
	}
	logger.Info("run opened", "run", run.ID, "session", run.Session)
	return newRunContext(cfg, gw, store, logger, run)
}

// ResumeRun joins the latest open run so that individually invoked steps
// share one audit trail, or opens a fresh run when none is open.
func ResumeRun(cfg config.Config, gw *gateway.Gateway, store *storage.Store, logger *slog.Logger) (*RunContext, error) {
	run, err := store.LatestOpenRun()
	if errors.Is(err, storage.ErrNotFound) {
		return NewRun(cfg, gw, store, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("resuming run: %w", err)
	}
	logger.Info("run resumed", "run", run.ID, "session", run.Session)
	return newRunContext(cfg, gw, store, logger, run)
}

// OpenRun returns the context of the latest open run and fails when none
// exists. The standalone audit finalize uses it: finalizing without a run
// would produce an empty trail.
func OpenRun(cfg config.Config, gw *gateway.Gateway, store *storage.Store, logger *slog.Logger) (*RunContext, error) {
	run, err := store.LatestOpenRun()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("no open run to finalize; run a stage first")
	}
	if err != nil {
		return nil, fmt.Errorf("looking up open run: %w", err)
	}
	return newRunContext(cfg, gw, store, logger, run)
}

func newRunContext(cfg config.Config, gw *gateway.Gateway, store *storage.Store, logger *slog.Logger, run storage.Run) (*RunContext, error) {
	rec, err := audit.NewRecorder(store, run)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunContext{
		Config:     cfg,
		Gateway:    gw,
		Recorder:   rec,
		Logger:     logger,
		run:        run,
		resultsDir: cfg.ResultsPath(),
		auditDir:   cfg.AuditPath(),
	}, nil
}

func configSnapshot(cfg config.Config) string {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Run returns the journal entry this context is bound to.
func (rc *RunContext) Run() storage.Run { return rc.run }

// Summary reports one stage's results. Err is non-nil when the stage
// aborted before completing; per-document failures only raise Failures.
type Summary struct {
	Step      int
	Name      string
	Documents int
	Successes int
	Failures  int
	Outputs   []string
	Err       error
}

// Failed reports whether the stage should fail the overall run: it aborted,
// or it produced no successful result at all.
func (s Summary) Failed() bool {
	return s.Err != nil || s.Successes == 0
}

// LoadCorpus reads the configured input into documents. Input errors are
// fatal before any model call is made.
func (rc *RunContext) LoadCorpus() ([]corpus.Document, error) {
	src := corpus.Source{
		Format:     rc.Config.Input.Format,
		Path:       rc.Config.Input.Path,
		Delimiter:  rc.Config.Input.Delimiter,
		TextColumn: rc.Config.Input.CSVColumn,
		IDColumn:   rc.Config.Input.CSVIDColumn,
		TextField:  rc.Config.Input.JSONTextField,
		IDField:    rc.Config.Input.JSONIDField,
	}
	docs, err := corpus.Load(src)
	if err != nil {
		return nil, fmt.Errorf("loading corpus: %w", err)
	}
	rc.Logger.Info("corpus loaded", "documents", len(docs), "format", src.Format, "path", src.Path)
	return docs, nil
}

// Analyze runs stages 1 through 4 in order and finalizes the audit trail.
// A failed stage does not stop the later ones, and the finalize runs
// regardless, so the trail covers whatever calls were actually made.
func (rc *RunContext) Analyze(ctx context.Context) ([]Summary, audit.Artifacts, error) {
	docs, err := rc.LoadCorpus()
	if err != nil {
		return nil, audit.Artifacts{}, err
	}

	stages := []func(context.Context, []corpus.Document) Summary{
		rc.RunKeywords,
		rc.RunSentiment,
		rc.RunMemos,
		rc.RunClustering,
	}

	var summaries []Summary
	for _, stage := range stages {
		summaries = append(summaries, stage(ctx, docs))
		if ctx.Err() != nil {
			break
		}
	}

	art, err := rc.Finalize()
	return summaries, art, err
}

// RunStep executes one numbered annotation stage. The audit finalize (step
// 5) is not a stage; callers use Finalize for it.
func (rc *RunContext) RunStep(ctx context.Context, number int) (Summary, error) {
	docs, err := rc.LoadCorpus()
	if err != nil {
		return Summary{}, err
	}
	switch number {
	case 1:
		return rc.RunKeywords(ctx, docs), nil
	case 2:
		return rc.RunSentiment(ctx, docs), nil
	case 3:
		return rc.RunMemos(ctx, docs), nil
	case 4:
		return rc.RunClustering(ctx, docs), nil
	default:
		return Summary{}, fmt.Errorf("no such step: %d", number)
	}
}

// Finalize renders the audit artifacts for the run and closes it.
func (rc *RunContext) Finalize() (audit.Artifacts, error) {
	art, err := rc.Recorder.Finalize(rc.auditDir, rc.Config)
	if err != nil {
		return art, fmt.Errorf("finalizing audit trail: %w", err)
	}
	rc.Logger.Info("audit trail finalized", "session", rc.run.Session, "dir", rc.auditDir)
	return art, nil
}

// forEachDoc maps fn over docs, fanning out across the configured worker
// count. Results land in index-addressed slots so output order follows
// corpus order regardless of scheduling. fn reports per-document failures
// through its row slot and returns non-nil only to abort the stage.
func (rc *RunContext) forEachDoc(ctx context.Context, docs []corpus.Document, fn func(ctx context.Context, i int, doc corpus.Document) error) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(rc.Config.Analysis.Workers, 1))
	for i, doc := range docs {
		i, doc := i, doc
		g.Go(func() error {
			return fn(gCtx, i, doc)
		})
	}
	return g.Wait()
}

// recordCall journals one gateway invocation, successful or not. A journal
// append failure is logged rather than propagated: losing one audit row
// must not fail the document it describes.
func (rc *RunContext) recordCall(stage annotation.Stage, docID, system, user string, params config.StageParams, res gateway.Result, callErr, parseErr error) {
	call := storage.Call{
		Stage:        string(stage),
		DocumentID:   docID,
		Provider:     res.Provider,
		Model:        res.Model,
		SystemPrompt: system,
		Prompt:       user,
		Temperature:  params.Temperature,
		MaxTokens:    params.MaxTokens,
		Response:     res.Text,
		Outcome:      "ok",
		LatencyMS:    res.Latency.Milliseconds(),
	}
	switch {
	case callErr != nil:
		call.Outcome = "call_failure"
		call.Error = callErr.Error()
	case parseErr != nil:
		call.Outcome = "parse_failure"
		call.Error = parseErr.Error()
	}
	if _, err := rc.Recorder.Record(call); err != nil {
		rc.Logger.Warn("journal append failed", "stage", stage, "document", docID, "error", err)
	}
}

// failStage marks a stage aborted in both the summary and the journal.
func (rc *RunContext) failStage(sum *Summary, st storage.Step, err error) {
	sum.Err = err
	st.Documents = sum.Documents
	st.Failures = sum.Failures
	if ferr := rc.Recorder.FailStep(st, err); ferr != nil {
		rc.Logger.Warn("recording failed step", "step", st.Number, "error", ferr)
	}
	rc.Logger.Error("stage aborted", "step", st.Number, "name", st.Name, "error", err)
}

// completeStage persists the step record and logs the stage totals.
func (rc *RunContext) completeStage(sum Summary, st storage.Step, outputPath string) {
	st.Documents = sum.Documents
	st.Failures = sum.Failures
	st.OutputPath = outputPath
	if err := rc.Recorder.CompleteStep(st); err != nil {
		rc.Logger.Warn("recording step", "step", st.Number, "error", err)
	}
	rc.Logger.Info("stage complete",
		"step", sum.Step, "name", sum.Name,
		"documents", sum.Documents, "successes", sum.Successes, "failures", sum.Failures)
}
