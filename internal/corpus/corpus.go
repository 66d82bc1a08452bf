// Package corpus loads the input documents for an analysis run. Four input
// formats are supported: delimited plain text, CSV with a configurable text
// column, JSON arrays with a configurable text field, and PDF (extracted
// text, split like plain text). Loading is fatal-fast: configuration and
// corpus errors surface before any model call is made.
package corpus

import (
	"errors"
	"fmt"
	"strings"
)

// Document is one unit of analysis. Immutable once loaded; ids are unique
// within a corpus and default to R001, R002, ... in input order when the
// input carries none.
type Document struct {
	ID          string
	Text        string
	Source      string
	SourceIndex int
	Meta        map[string]string
}

// Source describes where and how to read the corpus.
type Source struct {
	Format     string
	Path       string
	Delimiter  string // record separator for txt and pdf, default "---"
	TextColumn string // csv column holding the document text
	IDColumn   string // optional csv column holding document ids
	TextField  string // json field holding the document text
	IDField    string // optional json field holding document ids
}

// DefaultDelimiter separates records in txt and pdf inputs.
const DefaultDelimiter = "---"

// ErrUnsupportedFormat reports a Source.Format outside txt/csv/json/pdf.
var ErrUnsupportedFormat = errors.New("unsupported input format")

// ErrEmptyCorpus reports an input that yielded zero usable documents.
var ErrEmptyCorpus = errors.New("no documents in corpus")

// MissingColumnError reports that the configured text or id column/field
// does not exist in the input.
type MissingColumnError struct {
	Column    string
	Available []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("column %q not found, available: %s", e.Column, strings.Join(e.Available, ", "))
}

// Load reads the corpus described by src and validates it.
func Load(src Source) ([]Document, error) {
	var (
		docs []Document
		err  error
	)
	switch src.Format {
	case "txt":
		docs, err = loadTxt(src)
	case "csv":
		docs, err = loadCSV(src)
	case "json":
		docs, err = loadJSON(src)
	case "pdf":
		docs, err = loadPDF(src)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, src.Format)
	}
	if err != nil {
		return nil, err
	}
	if err := validate(docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func validate(docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyCorpus
	}
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if strings.TrimSpace(d.Text) == "" {
			return fmt.Errorf("document %s: empty text", d.ID)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate document id %s", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

func defaultID(index int) string {
	return fmt.Sprintf("R%03d", index)
}
