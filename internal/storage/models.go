package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Run is one annotation run over a corpus. A run stays open across step
// invocations until the audit step finalizes it.
type Run struct {
	ID          string
	Session     string
	StartedAt   time.Time
	FinalizedAt time.Time // zero while the run is open
	Status      string    // "open" or "finalized"
	ConfigJSON  string
}

// Step records one pipeline stage execution within a run.
type Step struct {
	RunID      string
	Number     int
	Name       string
	Status     string // "completed" or "failed"
	StartedAt  time.Time
	EndedAt    time.Time
	Documents  int
	Failures   int
	OutputPath string
	Error      string
}

// Call is one model invocation recorded for the audit trail. Seq orders
// calls within a run and keeps counting across process restarts.
type Call struct {
	RunID        string
	Seq          int
	CreatedAt    time.Time
	Stage        string
	DocumentID   string
	Provider     string
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
	Response     string
	Outcome      string // "ok", "parse_failure", or "call_failure"
	Error        string
	LatencyMS    int64
}
