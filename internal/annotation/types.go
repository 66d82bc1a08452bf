// Package annotation defines the structured results the pipeline extracts
// from model replies, and the parsers that produce them.
//
// Parsing is a prioritized sequence of strategies: a strict pattern match
// first, one lenient pass (markdown stripped, looser patterns) second,
// failure third. Confidence wording is normalized to a three-level scale;
// anything that matches neither the high markers ("very confident",
// "certain", "high") nor the low markers ("not sure", "uncertain", "low")
// defaults to medium. That default biases the confidence distribution
// toward medium and is relied on by downstream consumers, so it must not
// change silently.
package annotation

import (
	"errors"
	"fmt"
)

// Stage identifies which annotation pass a prompt or result belongs to.
type Stage string

const (
	StageKeywords      Stage = "keywords"
	StageSentiment     Stage = "sentiment"
	StageMemo          Stage = "memo"
	StageThemeProposal Stage = "theme_proposal"
	StageThemeAssign   Stage = "theme_assignment"
)

// SentimentLabel is the polarity of one document.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// Confidence is the model's self-reported certainty, normalized to three levels.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Sentiment is the stage 2 result for one document. Explanation may be empty
// when the model omits it.
type Sentiment struct {
	Label       SentimentLabel
	Confidence  Confidence
	Explanation string
}

// Memo is the stage 3 result for one document. Sentences holds the
// individual memo sentences and Text their joined form; Insight is the first
// sentence, kept separately for the results CSV.
type Memo struct {
	Text      string
	Insight   string
	Sentences []string
}

// Theme is one entry of a proposed taxonomy. IDs are assigned positionally
// at parse time (T1, T2, ...) and are unique within a taxonomy.
type Theme struct {
	ID          string   `json:"theme_id"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

// Taxonomy is the ordered set of themes proposed for one clustering run.
type Taxonomy struct {
	Themes []Theme `json:"themes"`
}

// ByID returns the theme with the given id, if present.
func (t Taxonomy) ByID(id string) (Theme, bool) {
	for _, th := range t.Themes {
		if th.ID == id {
			return th, true
		}
	}
	return Theme{}, false
}

// Assignment is the stage 4 phase B result for one document. ThemeID always
// references a theme of the taxonomy generated in the same run.
type Assignment struct {
	ThemeID    string
	ThemeLabel string
}

// ErrTaxonomyMismatch reports an assignment reply that references a theme
// outside the generated taxonomy. Such replies are never coerced to a
// default theme.
var ErrTaxonomyMismatch = errors.New("assigned theme not in taxonomy")

// ParseFailure records a model reply that did not contain the minimum
// structure for its stage. The document is excluded from the stage's CSV
// output; the full reply stays in the audit trail.
type ParseFailure struct {
	Stage      Stage
	DocumentID string
	Raw        string
	Reason     string
	cause      error
}

func (e *ParseFailure) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("parsing %s reply for %s: %s", e.Stage, e.DocumentID, e.Reason)
	}
	return fmt.Sprintf("parsing %s reply: %s", e.Stage, e.Reason)
}

func (e *ParseFailure) Unwrap() error { return e.cause }

func failf(stage Stage, raw string, format string, args ...any) error {
	return &ParseFailure{Stage: stage, Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

func failWrap(stage Stage, raw string, cause error, format string, args ...any) error {
	return &ParseFailure{Stage: stage, Raw: raw, Reason: fmt.Sprintf(format, args...), cause: cause}
}
