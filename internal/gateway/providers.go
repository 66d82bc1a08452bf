package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/avdvelde/qualia/internal/config"
	"github.com/avdvelde/qualia/internal/ollama"
	"github.com/avdvelde/qualia/internal/openai"
)

// Local serves requests from an Ollama instance.
type Local struct {
	client  *ollama.Client
	model   string
	timeout time.Duration
}

// NewLocal creates a Local provider for the Ollama server at baseURL.
func NewLocal(baseURL, model string, timeout time.Duration) *Local {
	return &Local{client: ollama.New(baseURL), model: model, timeout: timeout}
}

func (l *Local) Name() string  { return "local" }
func (l *Local) Model() string { return l.model }

func (l *Local) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	msgs := make([]ollama.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, ollama.Message{Role: "user", Content: req.Prompt})

	opts := &ollama.Options{Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		opts.NumPredict = req.MaxTokens
	}
	return l.client.Chat(ctx, l.model, msgs, opts)
}

// Hosted serves requests from an OpenAI-compatible API.
type Hosted struct {
	client *openai.Client
	model  string
}

// NewHosted creates a Hosted provider. An empty baseURL selects the public
// OpenAI endpoint.
func NewHosted(apiKey, baseURL, model string, timeout time.Duration) *Hosted {
	return &Hosted{client: openai.NewClient(apiKey, baseURL, timeout), model: model}
}

func (h *Hosted) Name() string  { return "hosted" }
func (h *Hosted) Model() string { return h.model }

func (h *Hosted) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.Message, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, openai.Message{Role: "user", Content: req.Prompt})

	return h.client.Chat(ctx, openai.ChatRequest{
		Model:       h.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
}

// FromConfig builds a Gateway from the llm config section. The configured
// provider becomes primary; when the primary is local and fallback is
// enabled, the hosted endpoint serves as the single fallback hop.
func FromConfig(cfg config.LLMConfig, logger *slog.Logger) *Gateway {
	hosted := NewHosted(cfg.Hosted.APIKey, cfg.Hosted.BaseURL, cfg.Hosted.Model, cfg.Hosted.Timeout())

	if cfg.Provider == "hosted" {
		return New(hosted, nil, logger)
	}

	local := NewLocal(cfg.Local.BaseURL, cfg.Local.Model, cfg.Local.Timeout())
	var fb Provider
	if cfg.Fallback {
		fb = hosted
	}
	return New(local, fb, logger)
}
