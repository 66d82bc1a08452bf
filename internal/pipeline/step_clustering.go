package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/avdvelde/qualia/internal/annotation"
	"github.com/avdvelde/qualia/internal/config"
	"github.com/avdvelde/qualia/internal/corpus"
	"github.com/avdvelde/qualia/internal/gateway"
	"github.com/avdvelde/qualia/internal/prompt"
)

// assignmentPreviewLen is the document excerpt length in assignment outputs.
const assignmentPreviewLen = 100

// clusteringDirName is the stage 4 output directory under the results dir.
const clusteringDirName = "step4_clustering"

type assignmentRow struct {
	doc        corpus.Document
	assignment annotation.Assignment
	reply      string
	done       bool
	ok         bool
}

type assignmentRecord struct {
	ID          string `json:"id"`
	TextPreview string `json:"text_preview"`
	ThemeID     string `json:"theme_id"`
	Theme       string `json:"assigned_theme"`
	LLMResponse string `json:"llm_response"`
}

type frequencyRecord struct {
	ThemeID    string  `json:"theme_id"`
	Theme      string  `json:"theme"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

type clusteringResult struct {
	Themes      []annotation.Theme `json:"themes"`
	Assignments []assignmentRecord `json:"assignments"`
	Frequency   []frequencyRecord  `json:"frequency_table"`
}

// RunClustering executes stage 4 in two passes: first the model proposes a
// theme taxonomy from the corpus, then each document is assigned to one of
// the proposed themes. An assignment referencing a theme outside the
// taxonomy is a per-document failure, never coerced to a default theme.
func (rc *RunContext) RunClustering(ctx context.Context, docs []corpus.Document) Summary {
	st := rc.Recorder.StartStep(4, "clustering")
	sum := Summary{Step: 4, Name: "clustering", Documents: len(docs)}
	params := rc.Config.Analysis.Clustering

	tax, err := rc.proposeTaxonomy(ctx, docs, params)
	if err != nil {
		rc.failStage(&sum, st, err)
		return sum
	}

	rows := make([]assignmentRow, len(docs))
	err = rc.forEachDoc(ctx, docs, func(ctx context.Context, i int, doc corpus.Document) error {
		system, user := prompt.Assignment(doc.Text, tax)
		res, callErr := rc.Gateway.Generate(ctx, gateway.Request{
			System:      system,
			Prompt:      user,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})

		var a annotation.Assignment
		var parseErr error
		if callErr == nil {
			a, parseErr = annotation.ParseAssignment(res.Text, tax)
		}
		rc.recordCall(annotation.StageThemeAssign, doc.ID, system, user, params, res, callErr, parseErr)

		if callErr != nil || parseErr != nil {
			if errors.Is(parseErr, annotation.ErrTaxonomyMismatch) {
				rc.Logger.Warn("assignment references unknown theme", "document", doc.ID, "error", parseErr)
			} else {
				rc.Logger.Warn("theme assignment failed", "document", doc.ID, "error", firstErr(callErr, parseErr))
			}
			rows[i] = assignmentRow{doc: doc, done: true}
			return ctx.Err()
		}
		rows[i] = assignmentRow{doc: doc, assignment: a, reply: strings.TrimSpace(res.Text), done: true, ok: true}
		return ctx.Err()
	})

	var assignments []assignmentRecord
	for _, row := range rows {
		if !row.done {
			continue
		}
		if !row.ok {
			sum.Failures++
			continue
		}
		sum.Successes++
		assignments = append(assignments, assignmentRecord{
			ID:          row.doc.ID,
			TextPreview: preview(row.doc.Text, assignmentPreviewLen),
			ThemeID:     row.assignment.ThemeID,
			Theme:       row.assignment.ThemeLabel,
			LLMResponse: row.reply,
		})
	}
	if err != nil {
		rc.failStage(&sum, st, err)
		return sum
	}

	frequency := frequencyTable(tax, assignments, sum.Successes)
	outDir := filepath.Join(rc.resultsDir, clusteringDirName)
	outputs, werr := writeClusteringOutputs(outDir, docs, tax, assignments, frequency)
	if werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	sum.Outputs = outputs
	rc.completeStage(sum, st, outDir)
	return sum
}

// proposeTaxonomy runs clustering pass 1: one model call over the corpus
// that proposes the themes. The model's returned theme count is
// authoritative; a count differing from the configured target is logged,
// never padded or truncated.
func (rc *RunContext) proposeTaxonomy(ctx context.Context, docs []corpus.Document, params config.StageParams) (annotation.Taxonomy, error) {
	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}
	target := rc.Config.Analysis.TargetThemes

	system, user := prompt.ThemeProposal(texts, target)
	res, callErr := rc.Gateway.Generate(ctx, gateway.Request{
		System:      system,
		Prompt:      user,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})

	var tax annotation.Taxonomy
	var parseErr error
	if callErr == nil {
		tax, parseErr = annotation.ParseTaxonomy(res.Text)
	}
	rc.recordCall(annotation.StageThemeProposal, "", system, user, params, res, callErr, parseErr)

	if callErr != nil {
		return annotation.Taxonomy{}, fmt.Errorf("proposing themes: %w", callErr)
	}
	if parseErr != nil {
		return annotation.Taxonomy{}, parseErr
	}
	if got := len(tax.Themes); got != target {
		rc.Logger.Warn("proposed theme count differs from target", "target", target, "proposed", got)
	}
	rc.Logger.Info("taxonomy proposed", "themes", len(tax.Themes))
	return tax, nil
}

// frequencyTable counts assignments per theme, ordered by count descending
// with taxonomy order breaking ties. Percentages are over the successful
// assignments.
func frequencyTable(tax annotation.Taxonomy, assignments []assignmentRecord, total int) []frequencyRecord {
	counts := make(map[string]int, len(tax.Themes))
	for _, a := range assignments {
		counts[a.ThemeID]++
	}

	records := make([]frequencyRecord, 0, len(tax.Themes))
	for _, theme := range tax.Themes {
		count := counts[theme.ID]
		percentage := 0.0
		if total > 0 {
			percentage = math.Round(float64(count)/float64(total)*1000) / 10
		}
		records = append(records, frequencyRecord{
			ThemeID:    theme.ID,
			Theme:      theme.Label,
			Count:      count,
			Percentage: percentage,
		})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Count > records[j].Count
	})
	return records
}

func writeClusteringOutputs(dir string, docs []corpus.Document, tax annotation.Taxonomy, assignments []assignmentRecord, frequency []frequencyRecord) ([]string, error) {
	themeRows := make([][]string, 0, len(tax.Themes))
	for _, theme := range tax.Themes {
		themeRows = append(themeRows, []string{
			theme.ID,
			theme.Label,
			theme.Description,
			strings.Join(theme.Keywords, ", "),
		})
	}
	themesPath := filepath.Join(dir, "themes.csv")
	if err := writeCSV(themesPath, []string{"theme_id", "theme_name", "definition", "keywords"}, themeRows); err != nil {
		return nil, err
	}

	assignmentRows := make([][]string, 0, len(assignments))
	for _, a := range assignments {
		assignmentRows = append(assignmentRows, []string{a.ID, a.TextPreview, a.ThemeID, a.Theme, a.LLMResponse})
	}
	assignmentsPath := filepath.Join(dir, "theme_assignments.csv")
	header := []string{"id", "text_preview", "theme_id", "assigned_theme", "llm_response"}
	if err := writeCSV(assignmentsPath, header, assignmentRows); err != nil {
		return nil, err
	}

	frequencyRows := make([][]string, 0, len(frequency))
	for _, f := range frequency {
		frequencyRows = append(frequencyRows, []string{
			f.ThemeID,
			f.Theme,
			strconv.Itoa(f.Count),
			fmt.Sprintf("%.1f", f.Percentage),
		})
	}
	frequencyPath := filepath.Join(dir, "theme_frequency.csv")
	if err := writeCSV(frequencyPath, []string{"theme_id", "theme", "count", "percentage"}, frequencyRows); err != nil {
		return nil, err
	}

	summaryPath := filepath.Join(dir, "clustering_summary.txt")
	summaryText := clusteringSummary(docs, tax, assignments, frequency)
	if err := os.WriteFile(summaryPath, []byte(summaryText), 0o644); err != nil {
		return nil, fmt.Errorf("writing clustering summary: %w", err)
	}

	fullPath := filepath.Join(dir, "clustering_full.json")
	full := clusteringResult{Themes: tax.Themes, Assignments: assignments, Frequency: frequency}
	data, err := json.MarshalIndent(full, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshalling clustering result: %w", err)
	}
	if err := os.WriteFile(fullPath, append(data, '\n'), 0o644); err != nil {
		return nil, fmt.Errorf("writing clustering result: %w", err)
	}

	return []string{themesPath, assignmentsPath, frequencyPath, summaryPath, fullPath}, nil
}

// clusteringSummary renders the human-readable stage 4 report: corpus
// totals, then one block per theme with its definition, assignment share,
// keywords, and an example document.
func clusteringSummary(docs []corpus.Document, tax annotation.Taxonomy, assignments []assignmentRecord, frequency []frequencyRecord) string {
	rule := strings.Repeat("=", 70)
	divider := strings.Repeat("-", 70)

	share := make(map[string]frequencyRecord, len(frequency))
	for _, f := range frequency {
		share[f.ThemeID] = f
	}
	example := make(map[string]string, len(tax.Themes))
	for _, a := range assignments {
		if _, seen := example[a.ThemeID]; !seen {
			example[a.ThemeID] = a.TextPreview
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Thematic Clustering Results\n%s\n\n", rule)
	fmt.Fprintf(&b, "Total reflections analyzed: %d\n", len(docs))
	fmt.Fprintf(&b, "Number of themes identified: %d\n", len(tax.Themes))
	fmt.Fprintf(&b, "Method: Two-pass LLM clustering\n\n%s\n\n", rule)

	for i, theme := range tax.Themes {
		f := share[theme.ID]
		fmt.Fprintf(&b, "THEME %d: %s\n", i+1, theme.Label)
		fmt.Fprintf(&b, "Definition: %s\n", theme.Description)
		fmt.Fprintf(&b, "Reflections assigned: %d (%.1f%%)\n", f.Count, f.Percentage)
		keywords := theme.Keywords
		if len(keywords) > 10 {
			keywords = keywords[:10]
		}
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(keywords, ", "))
		if ex, ok := example[theme.ID]; ok {
			fmt.Fprintf(&b, "Example: %q\n", ex)
		}
		fmt.Fprintf(&b, "%s\n\n", divider)
	}
	return b.String()
}
