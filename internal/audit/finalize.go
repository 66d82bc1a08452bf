package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avdvelde/qualia/internal/config"
	"github.com/avdvelde/qualia/internal/storage"
)

// artifactTextLimit caps prompt and response text in the transcript. The
// full text stays in the JSON log and the journal.
const artifactTextLimit = 1000

var (
	ruleHeavy = strings.Repeat("=", 80)
	ruleLight = strings.Repeat("-", 80)
)

// Artifacts lists the files Finalize wrote, filenames keyed by the run's
// session label.
type Artifacts struct {
	AuditLog      string
	PromptsLog    string
	SummaryReport string
	SystemInfo    string
}

// Finalize renders the run's journal into four artifacts under dir: the
// structured JSON log, a flattened prompt transcript, a human-readable
// summary report, and a system snapshot. It then marks the run finalized.
// The artifacts cover whatever calls were actually recorded, so a run whose
// stages failed partway still gets a complete trail.
func (r *Recorder) Finalize(dir string, cfg config.Config) (Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifacts{}, fmt.Errorf("creating audit directory: %w", err)
	}

	steps, err := r.journal.StepsForRun(r.run.ID)
	if err != nil {
		return Artifacts{}, fmt.Errorf("loading steps: %w", err)
	}
	calls, err := r.journal.CallsForRun(r.run.ID)
	if err != nil {
		return Artifacts{}, fmt.Errorf("loading calls: %w", err)
	}

	endTime := r.clock.Now().UTC()
	session := r.run.Session

	art := Artifacts{
		AuditLog:      filepath.Join(dir, "audit_log_"+session+".json"),
		PromptsLog:    filepath.Join(dir, "prompts_"+session+".txt"),
		SummaryReport: filepath.Join(dir, "summary_report_"+session+".txt"),
		SystemInfo:    filepath.Join(dir, "system_info_"+session+".json"),
	}

	// Write every artifact before reporting a failure: a partial audit
	// directory is still better than none.
	var errs []string
	if err := writeJSON(art.AuditLog, r.buildLog(steps, calls, endTime)); err != nil {
		errs = append(errs, err.Error())
	}
	if err := os.WriteFile(art.PromptsLog, []byte(renderPrompts(session, calls)), 0o644); err != nil {
		errs = append(errs, fmt.Sprintf("writing prompts log: %v", err))
	}
	if err := os.WriteFile(art.SummaryReport, []byte(r.renderSummary(cfg, steps, calls, endTime)), 0o644); err != nil {
		errs = append(errs, fmt.Sprintf("writing summary report: %v", err))
	}
	if err := writeJSON(art.SystemInfo, buildSystemInfo(session, cfg, endTime)); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return art, fmt.Errorf("writing audit artifacts: %s", strings.Join(errs, "; "))
	}

	if err := r.journal.FinalizeRun(r.run.ID, endTime); err != nil {
		return art, fmt.Errorf("closing run %s: %w", r.run.ID, err)
	}
	return art, nil
}

type runLog struct {
	SessionID            string          `json:"session_id"`
	RunID                string          `json:"run_id"`
	StartTime            string          `json:"start_time"`
	EndTime              string          `json:"end_time"`
	TotalDurationSeconds float64         `json:"total_duration_seconds"`
	Config               json.RawMessage `json:"config,omitempty"`
	Steps                []stepEntry     `json:"steps"`
	LLMCalls             []callEntry     `json:"llm_calls"`
	TotalLLMCalls        int             `json:"total_llm_calls"`
}

type stepEntry struct {
	StepNumber      int     `json:"step_number"`
	StepName        string  `json:"step_name"`
	Status          string  `json:"status"`
	StartTime       string  `json:"start_time"`
	EndTime         string  `json:"end_time"`
	DurationSeconds float64 `json:"duration_seconds"`
	ItemsProcessed  int     `json:"items_processed"`
	Failures        int     `json:"failures"`
	ResultsPath     string  `json:"results_path,omitempty"`
	Error           string  `json:"error,omitempty"`
}

type callEntry struct {
	Seq          int     `json:"seq"`
	Timestamp    string  `json:"timestamp"`
	Stage        string  `json:"stage"`
	DocumentID   string  `json:"document_id,omitempty"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Prompt       string  `json:"prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Response     string  `json:"response,omitempty"`
	Outcome      string  `json:"outcome"`
	Error        string  `json:"error,omitempty"`
	LatencyMS    int64   `json:"latency_ms"`
}

func (r *Recorder) buildLog(steps []storage.Step, calls []storage.Call, endTime time.Time) runLog {
	doc := runLog{
		SessionID:            r.run.Session,
		RunID:                r.run.ID,
		StartTime:            r.run.StartedAt.Format(time.RFC3339),
		EndTime:              endTime.Format(time.RFC3339),
		TotalDurationSeconds: endTime.Sub(r.run.StartedAt).Seconds(),
		Steps:                make([]stepEntry, 0, len(steps)),
		LLMCalls:             make([]callEntry, 0, len(calls)),
		TotalLLMCalls:        len(calls),
	}
	if json.Valid([]byte(r.run.ConfigJSON)) {
		doc.Config = json.RawMessage(r.run.ConfigJSON)
	}

	for _, st := range steps {
		doc.Steps = append(doc.Steps, stepEntry{
			StepNumber:      st.Number,
			StepName:        st.Name,
			Status:          st.Status,
			StartTime:       st.StartedAt.Format(time.RFC3339),
			EndTime:         st.EndedAt.Format(time.RFC3339),
			DurationSeconds: st.EndedAt.Sub(st.StartedAt).Seconds(),
			ItemsProcessed:  st.Documents,
			Failures:        st.Failures,
			ResultsPath:     st.OutputPath,
			Error:           st.Error,
		})
	}
	for _, c := range calls {
		doc.LLMCalls = append(doc.LLMCalls, callEntry{
			Seq:          c.Seq,
			Timestamp:    c.CreatedAt.Format(time.RFC3339),
			Stage:        c.Stage,
			DocumentID:   c.DocumentID,
			Provider:     c.Provider,
			Model:        c.Model,
			SystemPrompt: c.SystemPrompt,
			Prompt:       c.Prompt,
			Temperature:  c.Temperature,
			MaxTokens:    c.MaxTokens,
			Response:     c.Response,
			Outcome:      c.Outcome,
			Error:        c.Error,
			LatencyMS:    c.LatencyMS,
		})
	}
	return doc
}

func renderPrompts(session string, calls []storage.Call) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nPROMPTS LOG\nSession: %s\n%s\n", ruleHeavy, session, ruleHeavy)

	for _, c := range calls {
		fmt.Fprintf(&b, "\n%s\nCALL #%d\n", ruleHeavy, c.Seq)
		fmt.Fprintf(&b, "Timestamp: %s\n", c.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "Stage: %s\n", c.Stage)
		if c.DocumentID != "" {
			fmt.Fprintf(&b, "Document: %s\n", c.DocumentID)
		}
		fmt.Fprintf(&b, "Provider: %s\nModel: %s\n", c.Provider, c.Model)
		fmt.Fprintf(&b, "Temperature: %g\n%s\n\n", c.Temperature, ruleHeavy)

		if c.SystemPrompt != "" {
			fmt.Fprintf(&b, "SYSTEM PROMPT:\n%s\n%s\n\n", ruleLight, truncate(c.SystemPrompt, artifactTextLimit))
		}
		fmt.Fprintf(&b, "USER PROMPT:\n%s\n%s\n\n", ruleLight, truncate(c.Prompt, artifactTextLimit))

		if c.Outcome == "call_failure" {
			fmt.Fprintf(&b, "ERROR: %s\n", c.Error)
			continue
		}
		fmt.Fprintf(&b, "RESPONSE:\n%s\n%s\n", ruleLight, truncate(c.Response, artifactTextLimit))
		if c.Outcome == "parse_failure" {
			fmt.Fprintf(&b, "\nPARSE ERROR: %s\n", c.Error)
		}
	}
	return b.String()
}

func (r *Recorder) renderSummary(cfg config.Config, steps []storage.Step, calls []storage.Call, endTime time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nQUALITATIVE ANALYSIS - AUDIT REPORT\n%s\n\n", ruleHeavy, ruleHeavy)
	fmt.Fprintf(&b, "Session ID: %s\n", r.run.Session)
	fmt.Fprintf(&b, "Run ID: %s\n", r.run.ID)
	fmt.Fprintf(&b, "Start: %s\n", r.run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "End: %s\n", endTime.Format(time.RFC3339))
	fmt.Fprintf(&b, "Total duration: %.1f seconds\n\n", endTime.Sub(r.run.StartedAt).Seconds())

	fmt.Fprintf(&b, "%s\nCONFIGURATION\n%s\n", ruleLight, ruleLight)
	provider := cfg.LLM.Provider
	if cfg.LLM.Fallback {
		provider += " (fallback enabled)"
	}
	model, baseURL := modelFor(cfg.LLM)
	fmt.Fprintf(&b, "Provider: %s\n", provider)
	fmt.Fprintf(&b, "Model: %s\n", model)
	fmt.Fprintf(&b, "Base URL: %s\n", baseURL)
	fmt.Fprintf(&b, "\nInput format: %s\nInput path: %s\n\n", cfg.Input.Format, cfg.Input.Path)

	fmt.Fprintf(&b, "%s\nANALYSIS STEPS\n%s\n\n", ruleLight, ruleLight)
	for _, st := range steps {
		fmt.Fprintf(&b, "Step %d: %s\n", st.Number, st.Name)
		fmt.Fprintf(&b, "  Status: %s\n", st.Status)
		fmt.Fprintf(&b, "  Start: %s\n", st.StartedAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "  End: %s\n", st.EndedAt.Format(time.RFC3339))
		fmt.Fprintf(&b, "  Duration: %.1fs\n", st.EndedAt.Sub(st.StartedAt).Seconds())
		fmt.Fprintf(&b, "  Items processed: %d\n", st.Documents)
		fmt.Fprintf(&b, "  Failures: %d\n", st.Failures)
		if st.OutputPath != "" {
			fmt.Fprintf(&b, "  Results: %s\n", st.OutputPath)
		}
		if st.Error != "" {
			fmt.Fprintf(&b, "  ERROR: %s\n", st.Error)
		}
		b.WriteString("\n")
	}

	if failed := failedCalls(calls); len(failed) > 0 {
		fmt.Fprintf(&b, "%s\nERRORS\n%s\n\n", ruleLight, ruleLight)
		for _, c := range failed {
			fmt.Fprintf(&b, "[%s] call #%d %s", c.CreatedAt.Format(time.RFC3339), c.Seq, c.Stage)
			if c.DocumentID != "" {
				fmt.Fprintf(&b, "/%s", c.DocumentID)
			}
			fmt.Fprintf(&b, ": %s\n", c.Error)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "%s\nSTATISTICS\n%s\n", ruleLight, ruleLight)
	ok, parseFail, callFail := callOutcomes(calls)
	fmt.Fprintf(&b, "Total LLM calls: %d\n", len(calls))
	fmt.Fprintf(&b, "Successful calls: %d\n", ok)
	fmt.Fprintf(&b, "Parse failures: %d\n", parseFail)
	fmt.Fprintf(&b, "Call failures: %d\n", callFail)
	for _, line := range countLines("Calls via", callsByProvider(calls)) {
		b.WriteString(line + "\n")
	}
	for _, line := range countLines("Calls in stage", callsByStage(calls)) {
		b.WriteString(line + "\n")
	}
	completed := 0
	for _, st := range steps {
		if st.Status == "completed" {
			completed++
		}
	}
	fmt.Fprintf(&b, "Completed steps: %d of %d\n\n", completed, len(steps))

	fmt.Fprintf(&b, "%s\nEnd of report\n%s\n", ruleHeavy, ruleHeavy)
	return b.String()
}

type systemInfo struct {
	SessionID        string       `json:"session_id"`
	Timestamp        string       `json:"timestamp"`
	Provider         string       `json:"llm_provider"`
	FallbackEnabled  bool         `json:"fallback_enabled"`
	ModelInfo        modelDetails `json:"model_info"`
	InputFormat      string       `json:"input_format"`
	InputPath        string       `json:"input_path"`
	AnalysisSettings analysisInfo `json:"analysis_settings"`
	Runtime          runtimeInfo  `json:"runtime"`
}

type modelDetails struct {
	Model       string  `json:"model"`
	BaseURL     string  `json:"base_url"`
	Temperature float64 `json:"temperature"`
}

type analysisInfo struct {
	TargetThemes   int `json:"target_themes"`
	KeywordsPerDoc int `json:"keywords_per_reflection"`
	MemoSentences  int `json:"memo_sentences"`
	Workers        int `json:"workers"`
}

type runtimeInfo struct {
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname"`
}

func buildSystemInfo(session string, cfg config.Config, at time.Time) systemInfo {
	model, baseURL := modelFor(cfg.LLM)
	temp := cfg.LLM.Local.Temperature
	if cfg.LLM.Provider == "hosted" {
		temp = cfg.LLM.Hosted.Temperature
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return systemInfo{
		SessionID:       session,
		Timestamp:       at.Format(time.RFC3339),
		Provider:        cfg.LLM.Provider,
		FallbackEnabled: cfg.LLM.Fallback,
		ModelInfo: modelDetails{
			Model:       model,
			BaseURL:     baseURL,
			Temperature: temp,
		},
		InputFormat: cfg.Input.Format,
		InputPath:   cfg.Input.Path,
		AnalysisSettings: analysisInfo{
			TargetThemes:   cfg.Analysis.TargetThemes,
			KeywordsPerDoc: cfg.Analysis.KeywordsPerDoc,
			MemoSentences:  cfg.Analysis.MemoSentences,
			Workers:        cfg.Analysis.Workers,
		},
		Runtime: runtimeInfo{
			GoVersion: runtime.Version(),
			OS:        runtime.GOOS,
			Arch:      runtime.GOARCH,
			Hostname:  hostname,
		},
	}
}

func modelFor(llm config.LLMConfig) (model, baseURL string) {
	if llm.Provider == "hosted" {
		return llm.Hosted.Model, llm.Hosted.BaseURL
	}
	return llm.Local.Model, llm.Local.BaseURL
}

func failedCalls(calls []storage.Call) []storage.Call {
	var failed []storage.Call
	for _, c := range calls {
		if c.Outcome != "ok" {
			failed = append(failed, c)
		}
	}
	return failed
}

func callOutcomes(calls []storage.Call) (ok, parseFail, callFail int) {
	for _, c := range calls {
		switch c.Outcome {
		case "ok":
			ok++
		case "parse_failure":
			parseFail++
		case "call_failure":
			callFail++
		}
	}
	return ok, parseFail, callFail
}

func callsByProvider(calls []storage.Call) map[string]int {
	counts := make(map[string]int)
	for _, c := range calls {
		if c.Provider != "" {
			counts[c.Provider]++
		}
	}
	return counts
}

func callsByStage(calls []storage.Call) map[string]int {
	counts := make(map[string]int)
	for _, c := range calls {
		counts[c.Stage]++
	}
	return counts
}

// countLines renders a count map as sorted "prefix name: n" lines.
func countLines(prefix string, counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("%s %s: %d", prefix, name, counts[name]))
	}
	return lines
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// truncate caps s at limit bytes without splitting a multi-byte UTF-8
// character, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end] + "..."
}
