package pipeline

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/avdvelde/qualia/internal/annotation"
	"github.com/avdvelde/qualia/internal/corpus"
	"github.com/avdvelde/qualia/internal/gateway"
	"github.com/avdvelde/qualia/internal/prompt"
)

// learningMarkers flag memo sentences that describe a concrete learning
// moment; such sentences are surfaced as learning points.
var learningMarkers = []string{"learned", "aware", "discovered", "realized", "understood"}

// maxLearningPoints caps the learning points kept per document.
const maxLearningPoints = 3

// patternTopN is the number of rows in the learning patterns table.
const patternTopN = 10

type memoRow struct {
	doc  corpus.Document
	memo annotation.Memo
	done bool
	ok   bool
}

// RunMemos executes stage 3: generate a short analytic memo per document
// and write the per-document results plus a table of recurring wording
// across all memos.
func (rc *RunContext) RunMemos(ctx context.Context, docs []corpus.Document) Summary {
	st := rc.Recorder.StartStep(3, "memos")
	sum := Summary{Step: 3, Name: "memos", Documents: len(docs)}
	params := rc.Config.Analysis.Memos
	sentences := rc.Config.Analysis.MemoSentences

	rows := make([]memoRow, len(docs))
	err := rc.forEachDoc(ctx, docs, func(ctx context.Context, i int, doc corpus.Document) error {
		system, user := prompt.Memo(doc.Text, sentences)
		res, callErr := rc.Gateway.Generate(ctx, gateway.Request{
			System:      system,
			Prompt:      user,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})

		var memo annotation.Memo
		var parseErr error
		if callErr == nil {
			memo, parseErr = annotation.ParseMemo(res.Text, sentences)
		}
		rc.recordCall(annotation.StageMemo, doc.ID, system, user, params, res, callErr, parseErr)

		if callErr != nil || parseErr != nil {
			rc.Logger.Warn("memo generation failed", "document", doc.ID, "error", firstErr(callErr, parseErr))
			rows[i] = memoRow{doc: doc, done: true}
			return ctx.Err()
		}
		rows[i] = memoRow{doc: doc, memo: memo, done: true, ok: true}
		return ctx.Err()
	})

	patterns := make(map[string]int)
	var csvRows [][]string
	for _, row := range rows {
		if !row.done {
			continue
		}
		if !row.ok {
			sum.Failures++
			continue
		}
		sum.Successes++
		csvRows = append(csvRows, []string{
			row.doc.ID,
			preview(row.doc.Text, resultPreviewLen),
			row.memo.Text,
			row.memo.Insight,
			strings.Join(learningPoints(row.memo), ", "),
		})
		countPatternWords(patterns, row.memo.Text)
	}
	if err != nil {
		rc.failStage(&sum, st, err)
		return sum
	}

	resultsPath := filepath.Join(rc.resultsDir, "step3_memos.csv")
	header := []string{"id", "text", "memo", "key_insights", "learning_points"}
	if werr := writeCSV(resultsPath, header, csvRows); werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	patternRows := make([][]string, 0, patternTopN)
	for _, item := range sortedCounts(patterns) {
		if len(patternRows) == patternTopN {
			break
		}
		patternRows = append(patternRows, []string{item.name, strconv.Itoa(item.count)})
	}
	patternsPath := filepath.Join(rc.resultsDir, "step3_learning_patterns.csv")
	if werr := writeCSV(patternsPath, []string{"pattern", "frequency"}, patternRows); werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	sum.Outputs = []string{resultsPath, patternsPath}
	rc.completeStage(sum, st, resultsPath)
	return sum
}

// learningPoints returns the memo sentences that name a learning moment.
func learningPoints(memo annotation.Memo) []string {
	var points []string
	for _, sentence := range memo.Sentences {
		lowered := strings.ToLower(sentence)
		for _, marker := range learningMarkers {
			if strings.Contains(lowered, marker) {
				points = append(points, sentence)
				break
			}
		}
		if len(points) == maxLearningPoints {
			break
		}
	}
	return points
}

// countPatternWords tallies the meaningful words of one memo. Words of five
// or more characters are kept, with surrounding punctuation stripped.
func countPatternWords(counts map[string]int, memo string) {
	for _, word := range strings.Fields(strings.ToLower(memo)) {
		if len(word) <= 4 {
			continue
		}
		word = strings.Trim(word, ".,!?;:")
		if word == "" {
			continue
		}
		counts[word]++
	}
}
