package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeInput(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing input file: %v", err)
	}
	return path
}

func TestLoad_TxtDelimited(t *testing.T) {
	path := writeInput(t, "reflections.txt",
		"First reflection about AI.\n\n---\n\nSecond one.\n\n---\n\nThird one.\n")

	docs, err := Load(Source{Format: "txt", Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}
	if docs[0].ID != "R001" || docs[2].ID != "R003" {
		t.Errorf("ids = %q, %q; want R001, R003", docs[0].ID, docs[2].ID)
	}
	if docs[0].Text != "First reflection about AI." {
		t.Errorf("first text = %q", docs[0].Text)
	}
	if docs[1].SourceIndex != 2 {
		t.Errorf("second source index = %d, want 2", docs[1].SourceIndex)
	}
}

func TestLoad_TxtCustomDelimiter(t *testing.T) {
	path := writeInput(t, "reflections.txt", "one\n===\ntwo")

	docs, err := Load(Source{Format: "txt", Path: path, Delimiter: "==="})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
}

func TestLoad_TxtEmptyFile(t *testing.T) {
	path := writeInput(t, "empty.txt", "\n\n---\n\n")

	_, err := Load(Source{Format: "txt", Path: path})
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Fatalf("expected ErrEmptyCorpus, got %v", err)
	}
}

func TestLoad_CSVWithIDColumn(t *testing.T) {
	path := writeInput(t, "input.csv",
		"student,reflection,course\nS1,\"I loved it, mostly.\",philosophy\nS2,It was fine.,ethics\n")

	docs, err := Load(Source{Format: "csv", Path: path, TextColumn: "reflection", IDColumn: "student"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].ID != "S1" {
		t.Errorf("first id = %q, want S1", docs[0].ID)
	}
	if docs[0].Text != "I loved it, mostly." {
		t.Errorf("first text = %q", docs[0].Text)
	}
	if docs[1].Meta["course"] != "ethics" {
		t.Errorf("second meta = %v", docs[1].Meta)
	}
}

func TestLoad_CSVDefaultIDs(t *testing.T) {
	path := writeInput(t, "input.csv", "reflection\nfirst\nsecond\n")

	docs, err := Load(Source{Format: "csv", Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if docs[0].ID != "R001" || docs[1].ID != "R002" {
		t.Errorf("ids = %q, %q; want R001, R002", docs[0].ID, docs[1].ID)
	}
}

func TestLoad_CSVMissingColumn(t *testing.T) {
	path := writeInput(t, "input.csv", "id,answer\n1,text\n")

	_, err := Load(Source{Format: "csv", Path: path, TextColumn: "reflection"})
	var missing *MissingColumnError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingColumnError, got %v", err)
	}
	if missing.Column != "reflection" {
		t.Errorf("missing column = %q, want reflection", missing.Column)
	}
	if len(missing.Available) != 2 {
		t.Errorf("available = %v, want the csv header", missing.Available)
	}
}

func TestLoad_JSONArray(t *testing.T) {
	path := writeInput(t, "input.json",
		`[{"id":"S1","text":"first entry","week":3,"done":true,"tags":["a"]},{"id":"S2","text":"second entry"}]`)

	docs, err := Load(Source{Format: "json", Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	if docs[0].ID != "S1" || docs[0].Text != "first entry" {
		t.Errorf("first doc = %+v", docs[0])
	}
	if docs[0].Meta["week"] != "3" || docs[0].Meta["done"] != "true" {
		t.Errorf("meta = %v", docs[0].Meta)
	}
	if _, ok := docs[0].Meta["tags"]; ok {
		t.Error("nested field should not be carried into meta")
	}
}

func TestLoad_JSONMissingField(t *testing.T) {
	path := writeInput(t, "input.json", `[{"id":"S1","body":"first"}]`)

	_, err := Load(Source{Format: "json", Path: path})
	var missing *MissingColumnError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingColumnError, got %v", err)
	}
	if missing.Column != "text" {
		t.Errorf("missing field = %q, want text", missing.Column)
	}
}

func TestLoad_JSONSingleObject(t *testing.T) {
	path := writeInput(t, "input.json", `{"text":"only one"}`)

	docs, err := Load(Source{Format: "json", Path: path})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != "R001" {
		t.Fatalf("docs = %+v", docs)
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	_, err := Load(Source{Format: "xml", Path: "whatever.xml"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(Source{Format: "txt", Path: filepath.Join(t.TempDir(), "nope.txt")})
	if err == nil {
		t.Fatal("expected error for missing input file")
	}
}

func TestLoad_DuplicateIDsRejected(t *testing.T) {
	path := writeInput(t, "input.csv", "student,reflection\nS1,first\nS1,second\n")

	_, err := Load(Source{Format: "csv", Path: path, TextColumn: "reflection", IDColumn: "student"})
	if err == nil {
		t.Fatal("expected error for duplicate ids")
	}
}

func TestLoad_BlankTextRejected(t *testing.T) {
	path := writeInput(t, "input.csv", "reflection\nfirst\n\" \"\n")

	_, err := Load(Source{Format: "csv", Path: path})
	if err == nil {
		t.Fatal("expected error for blank document text")
	}
}
