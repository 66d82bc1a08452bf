// Package gateway routes annotation calls to a primary model provider with
// an optional single fallback hop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrUnavailable reports that no configured provider could serve the request.
	ErrUnavailable = errors.New("no model provider available")

	// ErrTimeout reports that the provider did not answer within its deadline.
	ErrTimeout = errors.New("model call timed out")
)

// Request is a single annotation call to a language model.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Result carries the raw model reply plus the routing metadata the audit
// trail records.
type Result struct {
	Text     string
	Provider string
	Model    string
	Latency  time.Duration
}

// Provider is one model endpoint the Gateway can route a request to.
// Implementations own their per-call deadline.
type Provider interface {
	Name() string
	Model() string
	Generate(ctx context.Context, req Request) (string, error)
}

// Gateway sends each request to the primary provider and, when a fallback is
// configured, makes at most one more attempt there. It never retries beyond
// that single hop.
type Gateway struct {
	primary  Provider
	fallback Provider
	logger   *slog.Logger
}

// New creates a Gateway. fallback may be nil; a nil logger selects the
// process default.
func New(primary, fallback Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{primary: primary, fallback: fallback, logger: logger}
}

// Generate routes one request. The returned error wraps ErrTimeout when the
// primary exceeded its deadline with no fallback configured, and
// ErrUnavailable otherwise.
func (g *Gateway) Generate(ctx context.Context, req Request) (Result, error) {
	res, primaryErr := g.call(ctx, g.primary, req)
	if primaryErr == nil {
		return res, nil
	}

	// A canceled run must not hop providers.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if g.fallback == nil {
		return Result{}, primaryErr
	}

	g.logger.Warn("primary provider failed, trying fallback",
		"primary", g.primary.Name(),
		"fallback", g.fallback.Name(),
		"error", primaryErr)

	res, fallbackErr := g.call(ctx, g.fallback, req)
	if fallbackErr == nil {
		return res, nil
	}

	return Result{}, fmt.Errorf("%w: %s: %v; %s: %v",
		ErrUnavailable, g.primary.Name(), primaryErr, g.fallback.Name(), fallbackErr)
}

func (g *Gateway) call(ctx context.Context, p Provider, req Request) (Result, error) {
	start := time.Now()
	text, err := p.Generate(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", p.Name(), classify(err))
	}
	return Result{
		Text:     text,
		Provider: p.Name(),
		Model:    p.Model(),
		Latency:  time.Since(start),
	}, nil
}

// classify maps a transport failure onto the gateway error taxonomy.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
