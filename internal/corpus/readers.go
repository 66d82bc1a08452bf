package corpus

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

func loadTxt(src Source) ([]Document, error) {
	content, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}
	return splitRecords(string(content), src.Delimiter, "txt"), nil
}

func loadPDF(src Source) ([]Document, error) {
	f, r, err := pdf.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return nil, fmt.Errorf("reading pdf text: %w", err)
	}
	return splitRecords(buf.String(), src.Delimiter, "pdf"), nil
}

// splitRecords cuts raw content into documents on the configured delimiter.
// Surrounding whitespace is dropped, so both a bare "---" line and one padded
// by blank lines separate records.
func splitRecords(content, delimiter, source string) []Document {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	var docs []Document
	for _, part := range strings.Split(content, delimiter) {
		text := strings.TrimSpace(part)
		if text == "" {
			continue
		}
		n := len(docs) + 1
		docs = append(docs, Document{
			ID:          defaultID(n),
			Text:        text,
			Source:      source,
			SourceIndex: n,
		})
	}
	return docs
}

func loadCSV(src Source) ([]Document, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing csv: %w", err)
	}
	if len(records) < 2 {
		return nil, ErrEmptyCorpus
	}

	header := records[0]
	textCol := src.TextColumn
	if textCol == "" {
		textCol = "reflection"
	}
	textIdx := indexOf(header, textCol)
	if textIdx < 0 {
		return nil, &MissingColumnError{Column: textCol, Available: header}
	}
	idIdx := -1
	if src.IDColumn != "" {
		if idIdx = indexOf(header, src.IDColumn); idIdx < 0 {
			return nil, &MissingColumnError{Column: src.IDColumn, Available: header}
		}
	}

	docs := make([]Document, 0, len(records)-1)
	for i, rec := range records[1:] {
		n := i + 1
		id := defaultID(n)
		if idIdx >= 0 {
			id = strings.TrimSpace(rec[idIdx])
		}
		meta := make(map[string]string)
		for j, col := range header {
			if j == textIdx || j == idIdx {
				continue
			}
			meta[col] = rec[j]
		}
		if len(meta) == 0 {
			meta = nil
		}
		docs = append(docs, Document{
			ID:          id,
			Text:        rec[textIdx],
			Source:      "csv",
			SourceIndex: n,
			Meta:        meta,
		})
	}
	return docs, nil
}

func loadJSON(src Source) ([]Document, error) {
	content, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("reading input file: %w", err)
	}

	var items []map[string]any
	if err := json.Unmarshal(content, &items); err != nil {
		// A single object is accepted as a one-document corpus.
		var single map[string]any
		if err2 := json.Unmarshal(content, &single); err2 != nil {
			return nil, fmt.Errorf("parsing json: %w", err)
		}
		items = []map[string]any{single}
	}

	textField := src.TextField
	if textField == "" {
		textField = "text"
	}
	idField := src.IDField
	if idField == "" {
		idField = "id"
	}

	docs := make([]Document, 0, len(items))
	for i, item := range items {
		n := i + 1
		rawText, ok := item[textField]
		if !ok {
			return nil, &MissingColumnError{Column: textField, Available: fieldNames(item)}
		}
		text, ok := rawText.(string)
		if !ok {
			return nil, fmt.Errorf("field %q of item %d is not a string", textField, n)
		}
		id := defaultID(n)
		if v, ok := item[idField]; ok {
			id = fmt.Sprint(v)
		}
		meta := make(map[string]string)
		for k, v := range item {
			if k == textField || k == idField {
				continue
			}
			// Nested structures are not carried through, only scalars.
			switch v.(type) {
			case string, float64, bool:
				meta[k] = fmt.Sprint(v)
			}
		}
		if len(meta) == 0 {
			meta = nil
		}
		docs = append(docs, Document{
			ID:          id,
			Text:        text,
			Source:      "json",
			SourceIndex: n,
			Meta:        meta,
		})
	}
	return docs, nil
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if h == name {
			return i
		}
	}
	return -1
}

func fieldNames(item map[string]any) []string {
	names := make([]string, 0, len(item))
	for k := range item {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
