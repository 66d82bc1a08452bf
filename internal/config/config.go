// Package config loads the analysis configuration from a YAML file with
// environment overrides. Values resolve in order: built-in defaults, then
// the config file, then QUALIA_* environment variables. Secrets (the hosted
// API key) should come from the environment, not the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when no --config flag is given. A
// missing file at this path is not an error; defaults and environment
// overrides apply.
const DefaultPath = "config.yaml"

// Config is also serialized (as JSON) into each run's journal entry so the
// audit trail records the exact settings a run used. The hosted API key is
// excluded from that snapshot.
type Config struct {
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Input    InputConfig    `yaml:"input" json:"input"`
	Output   OutputConfig   `yaml:"output" json:"output"`
	Analysis AnalysisConfig `yaml:"analysis" json:"analysis"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

type LLMConfig struct {
	// Provider selects the primary backend: "local" or "hosted".
	Provider string `yaml:"provider" json:"provider"`
	// Fallback enables the other backend as secondary for failed calls.
	Fallback bool         `yaml:"fallback" json:"fallback"`
	Local    LocalConfig  `yaml:"local" json:"local"`
	Hosted   HostedConfig `yaml:"hosted" json:"hosted"`
}

type LocalConfig struct {
	BaseURL        string  `yaml:"base_url" json:"base_url"`
	Model          string  `yaml:"model" json:"model"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type HostedConfig struct {
	BaseURL        string  `yaml:"base_url" json:"base_url"`
	APIKey         string  `yaml:"api_key" json:"-"`
	Model          string  `yaml:"model" json:"model"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

type InputConfig struct {
	Format        string `yaml:"format" json:"format"`
	Path          string `yaml:"path" json:"path"`
	Delimiter     string `yaml:"txt_separator" json:"txt_separator"`
	CSVColumn     string `yaml:"csv_column" json:"csv_column"`
	CSVIDColumn   string `yaml:"csv_id_column" json:"csv_id_column"`
	JSONTextField string `yaml:"json_text_field" json:"json_text_field"`
	JSONIDField   string `yaml:"json_id_field" json:"json_id_field"`
}

type OutputConfig struct {
	BasePath   string `yaml:"base_path" json:"base_path"`
	ResultsDir string `yaml:"results_dir" json:"results_dir"`
	AuditDir   string `yaml:"audit_dir" json:"audit_dir"`
}

// StageParams carries the generation settings for one annotation stage.
// MaxTokens 0 leaves the model's output length uncapped.
type StageParams struct {
	Temperature float64 `yaml:"temperature" json:"temperature"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
}

type AnalysisConfig struct {
	TargetThemes   int         `yaml:"target_themes" json:"target_themes"`
	KeywordsPerDoc int         `yaml:"keywords_per_reflection" json:"keywords_per_reflection"`
	MemoSentences  int         `yaml:"memo_sentences" json:"memo_sentences"`
	Workers        int         `yaml:"workers" json:"workers"`
	Keywords       StageParams `yaml:"keywords" json:"keywords"`
	Sentiment      StageParams `yaml:"sentiment" json:"sentiment"`
	Memos          StageParams `yaml:"memos" json:"memos"`
	Clustering     StageParams `yaml:"clustering" json:"clustering"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

func defaults() Config {
	return Config{
		LLM: LLMConfig{
			Provider: "local",
			Local: LocalConfig{
				BaseURL:        "http://localhost:11434",
				Model:          "llama3.1",
				Temperature:    0.7,
				TimeoutSeconds: 120,
			},
			Hosted: HostedConfig{
				BaseURL:        "https://api.openai.com/v1",
				Model:          "gpt-4o-mini",
				Temperature:    0.7,
				TimeoutSeconds: 60,
			},
		},
		Input: InputConfig{
			Format:        "txt",
			Path:          "data/reflections.txt",
			Delimiter:     "---",
			CSVColumn:     "reflection",
			JSONTextField: "text",
			JSONIDField:   "id",
		},
		Output: OutputConfig{
			BasePath:   "output",
			ResultsDir: "results",
			AuditDir:   "audit",
		},
		Analysis: AnalysisConfig{
			TargetThemes:   8,
			KeywordsPerDoc: 5,
			MemoSentences:  3,
			Workers:        1,
			Keywords:       StageParams{Temperature: 0.3},
			Sentiment:      StageParams{Temperature: 0.3},
			Memos:          StageParams{Temperature: 0.5},
			Clustering:     StageParams{Temperature: 0.7},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file at path (DefaultPath when empty), applies
// QUALIA_* environment overrides, and validates the result. A missing file
// is fatal only when the path was given explicitly.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		// Defaults plus environment only.
	default:
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail mid-run.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case "local", "hosted":
	default:
		return fmt.Errorf("llm.provider must be \"local\" or \"hosted\", got %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "hosted" && c.LLM.Hosted.APIKey == "" {
		return fmt.Errorf("llm.provider is \"hosted\" but no API key is set (QUALIA_HOSTED_API_KEY)")
	}
	if c.LLM.Fallback && c.LLM.Provider == "local" && c.LLM.Hosted.APIKey == "" {
		return fmt.Errorf("llm.fallback enabled but no hosted API key is set (QUALIA_HOSTED_API_KEY)")
	}

	switch c.Input.Format {
	case "txt", "csv", "json", "pdf":
	default:
		return fmt.Errorf("input.format must be one of txt, csv, json, pdf, got %q", c.Input.Format)
	}
	if c.Input.Path == "" {
		return fmt.Errorf("input.path is required")
	}

	if c.Analysis.TargetThemes < 2 {
		return fmt.Errorf("analysis.target_themes must be at least 2, got %d", c.Analysis.TargetThemes)
	}
	if c.Analysis.KeywordsPerDoc < 1 {
		return fmt.Errorf("analysis.keywords_per_reflection must be at least 1, got %d", c.Analysis.KeywordsPerDoc)
	}
	if c.Analysis.MemoSentences < 1 {
		return fmt.Errorf("analysis.memo_sentences must be at least 1, got %d", c.Analysis.MemoSentences)
	}
	if c.Analysis.Workers < 1 {
		return fmt.Errorf("analysis.workers must be at least 1, got %d", c.Analysis.Workers)
	}
	return nil
}

// ResultsPath is the directory stage CSVs are written to.
func (c Config) ResultsPath() string {
	return filepath.Join(c.Output.BasePath, c.Output.ResultsDir)
}

// AuditPath is the directory audit artifacts are written to.
func (c Config) AuditPath() string {
	return filepath.Join(c.Output.BasePath, c.Output.AuditDir)
}

// Timeout returns the per-call timeout for the local backend.
func (c LocalConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Timeout returns the per-call timeout for the hosted backend.
func (c HostedConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}
