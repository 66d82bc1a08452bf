package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/avdvelde/qualia/internal/annotation"
	"github.com/avdvelde/qualia/internal/corpus"
	"github.com/avdvelde/qualia/internal/gateway"
	"github.com/avdvelde/qualia/internal/prompt"
)

type sentimentRow struct {
	doc       corpus.Document
	sentiment annotation.Sentiment
	done      bool
	ok        bool
}

// RunSentiment executes stage 2: classify each document's attitude toward
// generative AI with a confidence level, and write the per-document results
// plus the label distribution.
func (rc *RunContext) RunSentiment(ctx context.Context, docs []corpus.Document) Summary {
	st := rc.Recorder.StartStep(2, "sentiment")
	sum := Summary{Step: 2, Name: "sentiment", Documents: len(docs)}
	params := rc.Config.Analysis.Sentiment

	rows := make([]sentimentRow, len(docs))
	err := rc.forEachDoc(ctx, docs, func(ctx context.Context, i int, doc corpus.Document) error {
		system, user := prompt.Sentiment(doc.Text)
		res, callErr := rc.Gateway.Generate(ctx, gateway.Request{
			System:      system,
			Prompt:      user,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})

		var s annotation.Sentiment
		var parseErr error
		if callErr == nil {
			s, parseErr = annotation.ParseSentiment(res.Text)
		}
		rc.recordCall(annotation.StageSentiment, doc.ID, system, user, params, res, callErr, parseErr)

		if callErr != nil || parseErr != nil {
			rc.Logger.Warn("sentiment analysis failed", "document", doc.ID, "error", firstErr(callErr, parseErr))
			rows[i] = sentimentRow{doc: doc, done: true}
			return ctx.Err()
		}
		rows[i] = sentimentRow{doc: doc, sentiment: s, done: true, ok: true}
		return ctx.Err()
	})

	counts := make(map[annotation.SentimentLabel]int)
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
		counts[row.sentiment.Label]++
		csvRows = append(csvRows, []string{
			row.doc.ID,
			preview(row.doc.Text, resultPreviewLen),
			string(row.sentiment.Label),
			string(row.sentiment.Confidence),
			row.sentiment.Explanation,
		})
	}
	if err != nil {
		rc.failStage(&sum, st, err)
		return sum
	}

	resultsPath := filepath.Join(rc.resultsDir, "step2_sentiment.csv")
	header := []string{"id", "text", "sentiment", "confidence", "explanation"}
	if werr := writeCSV(resultsPath, header, csvRows); werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	distPath := filepath.Join(rc.resultsDir, "step2_sentiment_distribution.csv")
	if werr := writeCSV(distPath, []string{"sentiment", "count", "percentage"}, distributionRows(counts, sum.Successes)); werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	sum.Outputs = []string{resultsPath, distPath}
	rc.completeStage(sum, st, resultsPath)
	return sum
}

// distributionRows renders the label distribution in a fixed label order,
// including zero-count labels, with percentages over the successful results.
func distributionRows(counts map[annotation.SentimentLabel]int, total int) [][]string {
	labels := []annotation.SentimentLabel{
		annotation.SentimentPositive,
		annotation.SentimentNegative,
		annotation.SentimentNeutral,
	}
	rows := make([][]string, 0, len(labels))
	for _, label := range labels {
		count := counts[label]
		percentage := 0.0
		if total > 0 {
			percentage = float64(count) / float64(total) * 100
		}
		rows = append(rows, []string{
			string(label),
			strconv.Itoa(count),
			fmt.Sprintf("%.1f", percentage),
		})
	}
	return rows
}
