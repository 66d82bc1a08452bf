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

// resultPreviewLen is the document excerpt length in the stage results CSVs.
const resultPreviewLen = 200

type keywordRow struct {
	doc      corpus.Document
	keywords []string
	done     bool
	ok       bool
}

// RunKeywords executes stage 1: extract a fixed number of keywords per
// document and write the per-document results plus a corpus-wide keyword
// frequency table.
func (rc *RunContext) RunKeywords(ctx context.Context, docs []corpus.Document) Summary {
	st := rc.Recorder.StartStep(1, "keywords")
	sum := Summary{Step: 1, Name: "keywords", Documents: len(docs)}
	params := rc.Config.Analysis.Keywords
	perDoc := rc.Config.Analysis.KeywordsPerDoc

	rows := make([]keywordRow, len(docs))
	err := rc.forEachDoc(ctx, docs, func(ctx context.Context, i int, doc corpus.Document) error {
		system, user := prompt.Keywords(doc.Text, perDoc)
		res, callErr := rc.Gateway.Generate(ctx, gateway.Request{
			System:      system,
			Prompt:      user,
			Temperature: params.Temperature,
			MaxTokens:   params.MaxTokens,
		})

		var keywords []string
		var parseErr error
		if callErr == nil {
			keywords, parseErr = annotation.ParseKeywords(res.Text)
			if len(keywords) > perDoc {
				keywords = keywords[:perDoc]
			}
		}
		rc.recordCall(annotation.StageKeywords, doc.ID, system, user, params, res, callErr, parseErr)

		if callErr != nil || parseErr != nil {
			rc.Logger.Warn("keyword extraction failed", "document", doc.ID, "error", firstErr(callErr, parseErr))
			rows[i] = keywordRow{doc: doc, done: true}
			return ctx.Err()
		}
		rows[i] = keywordRow{doc: doc, keywords: keywords, done: true, ok: true}
		return ctx.Err()
	})

	freq := make(map[string]int)
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
			strings.Join(row.keywords, ", "),
			strconv.Itoa(len(row.keywords)),
		})
		for _, kw := range row.keywords {
			freq[kw]++
		}
	}
	if err != nil {
		rc.failStage(&sum, st, err)
		return sum
	}

	resultsPath := filepath.Join(rc.resultsDir, "step1_keywords.csv")
	if werr := writeCSV(resultsPath, []string{"id", "text", "keywords", "num_keywords"}, csvRows); werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	freqRows := make([][]string, 0, len(freq))
	for _, item := range sortedCounts(freq) {
		freqRows = append(freqRows, []string{item.name, strconv.Itoa(item.count)})
	}
	freqPath := filepath.Join(rc.resultsDir, "step1_keyword_frequency.csv")
	if werr := writeCSV(freqPath, []string{"keyword", "frequency"}, freqRows); werr != nil {
		rc.failStage(&sum, st, werr)
		return sum
	}

	sum.Outputs = []string{resultsPath, freqPath}
	rc.completeStage(sum, st, resultsPath)
	return sum
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
