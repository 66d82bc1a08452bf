package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/avdvelde/qualia/internal/config"
	"github.com/avdvelde/qualia/internal/corpus"
	"github.com/avdvelde/qualia/internal/gateway"
	"github.com/avdvelde/qualia/internal/storage"
)

// --- Scripted provider ---

// scriptedProvider answers gateway requests from a reply function so tests
// can drive every stage without a model server.
type scriptedProvider struct {
	mu    sync.Mutex
	reply func(req gateway.Request) (string, error)
	calls int
}

func (p *scriptedProvider) Name() string  { return "local" }
func (p *scriptedProvider) Model() string { return "test-model" }

func (p *scriptedProvider) Generate(ctx context.Context, req gateway.Request) (string, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.reply(req)
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// happyReplies answers every stage with a well-formed reply, keyed by the
// stage markers in the system prompt and the document markers (alpha, bravo,
// charlie) in the user prompt.
func happyReplies(req gateway.Request) (string, error) {
	switch {
	case strings.Contains(req.System, "most important keywords"):
		switch docKey(req.Prompt) {
		case "alpha":
			return "1. verification\n2. critical thinking\n3. source checking", nil
		case "bravo":
			return "1. time management\n2. verification\n3. dependence", nil
		case "charlie":
			return "1. trust\n2. citations\n3. verification", nil
		}
	case strings.Contains(req.System, "sentiment analysis"):
		switch docKey(req.Prompt) {
		case "alpha":
			return "SENTIMENT: positive\nCONFIDENCE: high\nEXPLANATION: Values verification habits.", nil
		case "bravo":
			return "SENTIMENT: positive\nCONFIDENCE: medium\nEXPLANATION: Appreciates the saved time.", nil
		case "charlie":
			return "SENTIMENT: negative\nCONFIDENCE: low\nEXPLANATION: Distrusts generated citations.", nil
		}
	case strings.Contains(req.System, "analytic memos"):
		switch docKey(req.Prompt) {
		case "alpha":
			return "MEMO:\nLearned to verify answers before trusting them.\nBecame aware of weak sources.", nil
		case "bravo":
			return "MEMO:\nDiscovered faster drafting workflows.\nStill enjoys manual editing for control.", nil
		case "charlie":
			return "MEMO:\nRealized citations need manual checking.\nUnderstood the limits of generated text.", nil
		}
	case strings.Contains(req.System, "thematic analysis"):
		return proposalReply, nil
	case strings.Contains(req.System, "categorizing student reflections"):
		switch docKey(req.Prompt) {
		case "alpha":
			return "1. Tool Mastery", nil
		case "bravo":
			return "2. Efficiency Gains", nil
		case "charlie":
			return "Trust and Verification is the best fit.", nil
		}
	}
	return "", fmt.Errorf("unexpected request: %q", req.System)
}

const proposalReply = `THEME 1: Tool Mastery
DEFINITION: Learning to operate AI tools effectively.
KEYWORDS: skills, practice, prompting

THEME 2: Efficiency Gains
DEFINITION: Saving time on routine work.
KEYWORDS: speed, drafting, workflow

THEME 3: Trust and Verification
DEFINITION: Judging the reliability of generated output.
KEYWORDS: trust, sources, checking`

func docKey(prompt string) string {
	for _, key := range []string{"alpha", "bravo", "charlie"} {
		if strings.Contains(prompt, key) {
			return key
		}
	}
	return ""
}

// --- Helpers ---

const testCorpus = `Working with alpha tools taught me to verify answers and question sources.
---
The bravo assistant saved me time although I worry about dependence.
---
Using charlie models made me uncertain about trusting generated citations.`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	corpusPath := filepath.Join(base, "reflections.txt")
	if err := os.WriteFile(corpusPath, []byte(testCorpus), 0o644); err != nil {
		t.Fatalf("writing corpus: %v", err)
	}

	var cfg config.Config
	cfg.Input = config.InputConfig{Format: "txt", Path: corpusPath, Delimiter: "---"}
	cfg.Output = config.OutputConfig{BasePath: base, ResultsDir: "results", AuditDir: "audit"}
	cfg.Analysis = config.AnalysisConfig{
		TargetThemes:   3,
		KeywordsPerDoc: 3,
		MemoSentences:  2,
		Workers:        2,
	}
	return cfg
}

func newTestPipeline(t *testing.T, reply func(gateway.Request) (string, error)) (*RunContext, *storage.Store, *scriptedProvider) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := &scriptedProvider{reply: reply}
	gw := gateway.New(provider, nil, discardLogger())

	rc, err := NewRun(testConfig(t), gw, store, discardLogger())
	if err != nil {
		t.Fatalf("opening run: %v", err)
	}
	return rc, store, provider
}

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return records
}

// --- Run lifecycle ---

func TestNewRun_OpensJournalRun(t *testing.T) {
	rc, store, _ := newTestPipeline(t, happyReplies)

	run, err := store.LatestOpenRun()
	if err != nil {
		t.Fatalf("LatestOpenRun: %v", err)
	}
	if run.ID != rc.Run().ID {
		t.Errorf("open run = %s, want %s", run.ID, rc.Run().ID)
	}
	if run.Session == "" {
		t.Error("expected session label on new run")
	}
}

func TestResumeRun_JoinsLatestOpenRun(t *testing.T) {
	rc1, store, provider := newTestPipeline(t, happyReplies)

	sum := rc1.RunKeywords(context.Background(), mustLoad(t, rc1))
	if sum.Failed() {
		t.Fatalf("keywords stage failed: %+v", sum)
	}

	gw := gateway.New(provider, nil, discardLogger())
	rc2, err := ResumeRun(rc1.Config, gw, store, discardLogger())
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if rc2.Run().ID != rc1.Run().ID {
		t.Errorf("resumed run %s, want %s", rc2.Run().ID, rc1.Run().ID)
	}

	// The resumed context continues the call sequence instead of restarting it.
	sum = rc2.RunSentiment(context.Background(), mustLoad(t, rc2))
	if sum.Failed() {
		t.Fatalf("sentiment stage failed: %+v", sum)
	}
	calls, err := store.CallsForRun(rc1.Run().ID)
	if err != nil {
		t.Fatalf("CallsForRun: %v", err)
	}
	if len(calls) != 6 {
		t.Fatalf("got %d journalled calls, want 6", len(calls))
	}
	for i, c := range calls {
		if c.Seq != i+1 {
			t.Errorf("call %d has seq %d, want %d", i, c.Seq, i+1)
		}
	}
}

func TestResumeRun_OpensFreshRunWhenNoneOpen(t *testing.T) {
	rc1, store, provider := newTestPipeline(t, happyReplies)
	if _, err := rc1.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	gw := gateway.New(provider, nil, discardLogger())
	rc2, err := ResumeRun(rc1.Config, gw, store, discardLogger())
	if err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	if rc2.Run().ID == rc1.Run().ID {
		t.Error("expected a fresh run after the previous one was finalized")
	}
}

func TestOpenRun_FailsWithoutOpenRun(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	provider := &scriptedProvider{reply: happyReplies}
	gw := gateway.New(provider, nil, discardLogger())
	_, err = OpenRun(testConfig(t), gw, store, discardLogger())
	if err == nil {
		t.Fatal("expected error when no run is open")
	}
	if !strings.Contains(err.Error(), "no open run") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRunStep_UnknownNumber(t *testing.T) {
	rc, _, _ := newTestPipeline(t, happyReplies)
	if _, err := rc.RunStep(context.Background(), 9); err == nil {
		t.Fatal("expected error for unknown step number")
	}
}

func TestConfigSnapshot_RedactsAPIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.Hosted.APIKey = "sk-super-secret"

	snapshot := configSnapshot(cfg)
	if strings.Contains(snapshot, "sk-super-secret") {
		t.Error("config snapshot leaks the hosted API key")
	}
	if !strings.Contains(snapshot, `"base_path"`) {
		t.Errorf("snapshot does not look like serialized config: %s", snapshot)
	}
}

func TestSummaryFailed(t *testing.T) {
	if (Summary{Successes: 3}).Failed() {
		t.Error("stage with successes reported as failed")
	}
	if !(Summary{Documents: 3, Failures: 3}).Failed() {
		t.Error("stage with zero successes reported as passed")
	}
	if !(Summary{Successes: 3, Err: errors.New("aborted")}).Failed() {
		t.Error("aborted stage reported as passed")
	}
}

func mustLoad(t *testing.T, rc *RunContext) []corpus.Document {
	t.Helper()
	docs, err := rc.LoadCorpus()
	if err != nil {
		t.Fatalf("LoadCorpus: %v", err)
	}
	return docs
}

// --- Analyze ---

func TestAnalyze_EndToEnd(t *testing.T) {
	rc, store, provider := newTestPipeline(t, happyReplies)

	summaries, artifacts, err := rc.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(summaries) != 4 {
		t.Fatalf("got %d summaries, want 4", len(summaries))
	}
	for _, sum := range summaries {
		if sum.Failed() {
			t.Errorf("stage %d (%s) failed: %v", sum.Step, sum.Name, sum.Err)
		}
		if sum.Successes != 3 {
			t.Errorf("stage %d: %d successes, want 3", sum.Step, sum.Successes)
		}
	}

	// 3 docs through stages 1-3, plus one proposal and 3 assignments.
	if got := provider.callCount(); got != 13 {
		t.Errorf("provider saw %d calls, want 13", got)
	}

	for _, path := range []string{artifacts.AuditLog, artifacts.PromptsLog, artifacts.SummaryReport, artifacts.SystemInfo} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing audit artifact: %v", err)
		}
	}

	results := rc.Config.ResultsPath()
	for _, name := range []string{
		"step1_keywords.csv",
		"step1_keyword_frequency.csv",
		"step2_sentiment.csv",
		"step2_sentiment_distribution.csv",
		"step3_memos.csv",
		"step3_learning_patterns.csv",
		filepath.Join("step4_clustering", "themes.csv"),
		filepath.Join("step4_clustering", "theme_assignments.csv"),
		filepath.Join("step4_clustering", "theme_frequency.csv"),
		filepath.Join("step4_clustering", "clustering_summary.txt"),
		filepath.Join("step4_clustering", "clustering_full.json"),
	} {
		if _, err := os.Stat(filepath.Join(results, name)); err != nil {
			t.Errorf("missing result: %v", err)
		}
	}

	if _, err := store.LatestOpenRun(); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("run still open after Analyze: %v", err)
	}
}

func TestAnalyze_StageFailureDoesNotStopLaterStages(t *testing.T) {
	reply := func(req gateway.Request) (string, error) {
		if strings.Contains(req.System, "sentiment analysis") {
			return "", errors.New("model offline")
		}
		return happyReplies(req)
	}
	rc, _, _ := newTestPipeline(t, reply)

	summaries, artifacts, err := rc.Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(summaries) != 4 {
		t.Fatalf("got %d summaries, want 4", len(summaries))
	}
	if !summaries[1].Failed() {
		t.Error("sentiment stage with zero successes should count as failed")
	}
	if summaries[1].Err != nil {
		t.Errorf("per-document failures must not abort the stage: %v", summaries[1].Err)
	}
	for _, i := range []int{0, 2, 3} {
		if summaries[i].Failed() {
			t.Errorf("stage %d should have run despite the sentiment failures", summaries[i].Step)
		}
	}
	if _, err := os.Stat(artifacts.SummaryReport); err != nil {
		t.Errorf("audit artifacts missing after partial failure: %v", err)
	}
}

func TestAnalyze_CorpusErrorIsFatal(t *testing.T) {
	rc, _, provider := newTestPipeline(t, happyReplies)
	rc.Config.Input.Path = filepath.Join(t.TempDir(), "missing.txt")

	summaries, _, err := rc.Analyze(context.Background())
	if err == nil {
		t.Fatal("expected corpus load error")
	}
	if summaries != nil {
		t.Errorf("no stage should run on corpus error, got %d summaries", len(summaries))
	}
	if provider.callCount() != 0 {
		t.Errorf("no model call should be made on corpus error, got %d", provider.callCount())
	}
}
