package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "local" {
		t.Errorf("provider = %q, want local", cfg.LLM.Provider)
	}
	if cfg.LLM.Local.BaseURL != "http://localhost:11434" {
		t.Errorf("local base url = %q", cfg.LLM.Local.BaseURL)
	}
	if cfg.Analysis.TargetThemes != 8 || cfg.Analysis.KeywordsPerDoc != 5 || cfg.Analysis.MemoSentences != 3 {
		t.Errorf("analysis defaults = %+v", cfg.Analysis)
	}
	if cfg.Analysis.Keywords.Temperature != 0.3 || cfg.Analysis.Memos.Temperature != 0.5 {
		t.Errorf("stage temperatures = %+v", cfg.Analysis)
	}
	if cfg.Input.Delimiter != "---" {
		t.Errorf("delimiter = %q, want ---", cfg.Input.Delimiter)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: hosted
  hosted:
    api_key: test-key
    model: gpt-4o
input:
  format: csv
  path: data/input.csv
  csv_column: answer
analysis:
  target_themes: 6
  workers: 4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Provider != "hosted" || cfg.LLM.Hosted.Model != "gpt-4o" {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.Input.Format != "csv" || cfg.Input.CSVColumn != "answer" {
		t.Errorf("input = %+v", cfg.Input)
	}
	if cfg.Analysis.TargetThemes != 6 || cfg.Analysis.Workers != 4 {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	// Untouched keys keep their defaults.
	if cfg.LLM.Local.Model != "llama3.1" {
		t.Errorf("local model = %q, want default", cfg.LLM.Local.Model)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("QUALIA_LOCAL_MODEL", "mistral-nemo")
	t.Setenv("QUALIA_WORKERS", "3")

	path := writeConfig(t, "llm:\n  local:\n    model: llama3.1\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.Local.Model != "mistral-nemo" {
		t.Errorf("local model = %q, want env override", cfg.LLM.Local.Model)
	}
	if cfg.Analysis.Workers != 3 {
		t.Errorf("workers = %d, want 3", cfg.Analysis.Workers)
	}
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestLoad_ZeroTemperatureKept(t *testing.T) {
	path := writeConfig(t, "analysis:\n  clustering:\n    temperature: 0.0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Analysis.Clustering.Temperature != 0 {
		t.Errorf("clustering temperature = %v, want explicit 0", cfg.Analysis.Clustering.Temperature)
	}
}

func TestValidate_BadProvider(t *testing.T) {
	cfg := defaults()
	cfg.LLM.Provider = "cloud"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestValidate_HostedNeedsKey(t *testing.T) {
	cfg := defaults()
	cfg.LLM.Provider = "hosted"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for hosted provider without key")
	}
	if !strings.Contains(err.Error(), "QUALIA_HOSTED_API_KEY") {
		t.Errorf("error should name the env var, got: %v", err)
	}
}

func TestValidate_FallbackNeedsKey(t *testing.T) {
	cfg := defaults()
	cfg.LLM.Fallback = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for fallback without hosted key")
	}
	cfg.LLM.Hosted.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error with key set: %v", err)
	}
}

func TestValidate_BadFormat(t *testing.T) {
	cfg := defaults()
	cfg.Input.Format = "xml"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestValidate_WorkersFloor(t *testing.T) {
	cfg := defaults()
	cfg.Analysis.Workers = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero workers")
	}
}

func TestPaths(t *testing.T) {
	cfg := defaults()
	if got := cfg.ResultsPath(); got != filepath.Join("output", "results") {
		t.Errorf("results path = %q", got)
	}
	if got := cfg.AuditPath(); got != filepath.Join("output", "audit") {
		t.Errorf("audit path = %q", got)
	}
}

func TestTimeouts_Defaults(t *testing.T) {
	var lc LocalConfig
	if lc.Timeout() != 120*time.Second {
		t.Errorf("local timeout = %v, want 120s", lc.Timeout())
	}
	hc := HostedConfig{TimeoutSeconds: 15}
	if hc.Timeout() != 15*time.Second {
		t.Errorf("hosted timeout = %v, want 15s", hc.Timeout())
	}
}
