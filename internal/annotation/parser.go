package annotation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MinThemes is the smallest taxonomy accepted from a theme proposal reply.
const MinThemes = 3

// minSentenceLen filters list debris and stray markers out of memo replies.
const minSentenceLen = 10

var (
	labelPattern     = regexp.MustCompile(`(?i)\b(positive|positief|negative|negatief|neutral|neutraal)\b`)
	lowConfidence    = regexp.MustCompile(`(?i)\bnot sure\b|\bunsure\b|\buncertain\b|\blow\b`)
	highConfidence   = regexp.MustCompile(`(?i)\bvery confident\b|\bcertain\b|\bhigh\b`)
	themeHeading     = regexp.MustCompile(`(?i)^THEME\s+(\d+)\s*:\s*(.+)$`)
	assignmentNumber = regexp.MustCompile(`^\s*\[?(\d+)\]?[.:)]?\s*`)
)

var sentimentAliases = map[string]SentimentLabel{
	"positive": SentimentPositive,
	"positief": SentimentPositive,
	"negative": SentimentNegative,
	"negatief": SentimentNegative,
	"neutral":  SentimentNeutral,
	"neutraal": SentimentNeutral,
}

// ParseKeywords extracts the keyword list from a model reply. Numbered and
// bulleted lines are tried first; the lenient pass accepts bare lines or a
// single comma-separated line.
func ParseKeywords(raw string) ([]string, error) {
	keywords := markedItems(raw)
	if len(keywords) == 0 {
		keywords = lenientKeywords(raw)
	}
	if len(keywords) == 0 {
		return nil, failf(StageKeywords, raw, "no keywords found")
	}
	return keywords, nil
}

func markedItems(raw string) []string {
	var items []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(stripMarkdown(line))
		if line == "" {
			continue
		}
		item, marked := stripListMarker(line)
		if marked && item != "" {
			items = append(items, item)
		}
	}
	return items
}

func lenientKeywords(raw string) []string {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(stripMarkdown(line))
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 1 && strings.Contains(lines[0], ",") {
		return splitCommaList(lines[0])
	}
	return lines
}

// ParseSentiment extracts the sentiment label, confidence and optional
// explanation from a model reply. Labeled SENTIMENT:/CONFIDENCE: lines are
// tried first; the lenient pass searches the whole reply for a label word.
func ParseSentiment(raw string) (Sentiment, error) {
	s, ok := labeledSentiment(raw)
	if !ok {
		s, ok = lenientSentiment(raw)
	}
	if !ok {
		return Sentiment{}, failf(StageSentiment, raw, "no sentiment label found")
	}
	return s, nil
}

func labeledSentiment(raw string) (Sentiment, bool) {
	s := Sentiment{Confidence: ConfidenceMedium}
	found := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(stripMarkdown(line))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch upper := strings.ToUpper(strings.TrimSpace(key)); {
		case strings.Contains(upper, "SENTIMENT"):
			if label, ok := sentimentAliases[strings.ToLower(value)]; ok {
				s.Label = label
				found = true
			}
		case strings.Contains(upper, "CONFIDENCE"):
			s.Confidence = NormalizeConfidence(value)
		case strings.Contains(upper, "EXPLANATION"):
			s.Explanation = value
		}
	}
	return s, found
}

func lenientSentiment(raw string) (Sentiment, bool) {
	m := labelPattern.FindString(stripMarkdown(raw))
	if m == "" {
		return Sentiment{}, false
	}
	return Sentiment{
		Label:      sentimentAliases[strings.ToLower(m)],
		Confidence: NormalizeConfidence(raw),
	}, true
}

// NormalizeConfidence maps free-form confidence wording onto the three-level
// scale. Low markers are matched before high markers so "uncertain" wording
// never reads as certainty; unrecognized wording maps to medium. See the
// package documentation for why the medium default matters.
func NormalizeConfidence(wording string) Confidence {
	switch {
	case lowConfidence.MatchString(wording):
		return ConfidenceLow
	case highConfidence.MatchString(wording):
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

// ParseMemo extracts up to maxSentences memo sentences from a model reply.
// The pass restricted to a MEMO: section is tried first; the lenient pass
// accepts any sentence-length line.
func ParseMemo(raw string, maxSentences int) (Memo, error) {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	lines := memoLines(raw, true)
	if len(lines) == 0 {
		lines = memoLines(raw, false)
	}
	if len(lines) == 0 {
		return Memo{}, failf(StageMemo, raw, "no memo sentences found")
	}
	if len(lines) > maxSentences {
		lines = lines[:maxSentences]
	}
	return Memo{Text: strings.Join(lines, " "), Insight: lines[0], Sentences: lines}, nil
}

func memoLines(raw string, labeled bool) []string {
	var lines []string
	inMemo := !labeled
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(stripMarkdown(line))
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(line), "MEMO") {
			inMemo = true
			_, rest, _ := strings.Cut(line, ":")
			if line = strings.TrimSpace(rest); line == "" {
				continue
			}
		}
		if !inMemo || strings.HasSuffix(line, ":") {
			continue
		}
		line, _ = stripListMarker(line)
		if len(line) > minSentenceLen {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseTaxonomy extracts a theme taxonomy from a proposal reply. Themes are
// collected from THEME n: heading blocks; ids are assigned positionally
// (T1, T2, ...). Replies with fewer than MinThemes parseable themes fail.
func ParseTaxonomy(raw string) (Taxonomy, error) {
	var themes []Theme
	var current *Theme
	flush := func() {
		if current != nil && current.Label != "" {
			themes = append(themes, *current)
		}
		current = nil
	}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(stripMarkdown(line))
		if line == "" {
			flush()
			continue
		}
		if m := themeHeading.FindStringSubmatch(line); m != nil {
			flush()
			current = &Theme{Label: strings.TrimSpace(m[2])}
			continue
		}
		if current == nil {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "DEFINITION":
			current.Description = value
		case "KEYWORDS", "KEYWORD":
			current.Keywords = splitCommaList(value)
		}
	}
	flush()
	if len(themes) < MinThemes {
		return Taxonomy{}, failf(StageThemeProposal, raw, "found %d themes, need at least %d", len(themes), MinThemes)
	}
	for i := range themes {
		themes[i].ID = fmt.Sprintf("T%d", i+1)
	}
	return Taxonomy{Themes: themes}, nil
}

// ParseAssignment extracts a theme choice from an assignment reply and
// validates it against the taxonomy. A leading theme number is tried first,
// then a theme label anywhere in the reply. A reply that references a theme
// number outside the taxonomy and names no known label fails with
// ErrTaxonomyMismatch rather than being coerced to a default theme.
func ParseAssignment(raw string, tax Taxonomy) (Assignment, error) {
	reply := strings.TrimSpace(stripMarkdown(raw))
	referenced := 0
	if m := assignmentNumber.FindStringSubmatch(reply); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			if n >= 1 && n <= len(tax.Themes) {
				th := tax.Themes[n-1]
				return Assignment{ThemeID: th.ID, ThemeLabel: th.Label}, nil
			}
			referenced = n
		}
	}
	lowered := strings.ToLower(reply)
	for _, th := range tax.Themes {
		if th.Label != "" && strings.Contains(lowered, strings.ToLower(th.Label)) {
			return Assignment{ThemeID: th.ID, ThemeLabel: th.Label}, nil
		}
	}
	if referenced != 0 {
		return Assignment{}, failWrap(StageThemeAssign, raw, ErrTaxonomyMismatch,
			"theme %d not in taxonomy of %d themes", referenced, len(tax.Themes))
	}
	return Assignment{}, failf(StageThemeAssign, raw, "no recognizable theme in reply")
}

func stripMarkdown(s string) string {
	return strings.ReplaceAll(s, "*", "")
}

// stripListMarker removes a leading list marker (1. 2) - •) and reports
// whether one was present.
func stripListMarker(line string) (string, bool) {
	for _, p := range []string{"-", "•"} {
		if strings.HasPrefix(line, p) {
			return strings.TrimSpace(line[len(p):]), true
		}
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:]), true
	}
	return line, false
}

func splitCommaList(s string) []string {
	var items []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}
