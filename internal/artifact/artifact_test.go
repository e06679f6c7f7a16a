package artifact

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNew_TableValidation(t *testing.T) {
	_, err := New("t1", "empty", TypeTable, TableData{})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ValidationError for zero-row table, got %v", err)
	}

	_, err = New("t1", "no columns", TypeTable, TableData{{}})
	if !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for zero-column table, got %v", err)
	}

	_, err = New("t1", "not rows", TypeTable, "oops")
	if !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for non-list table data, got %v", err)
	}
}

func TestNew_TextValidation(t *testing.T) {
	a, err := New("x1", "notes", TypeText, "hello world")
	if err != nil {
		t.Fatalf("Expected text artifact to validate, got %v", err)
	}
	if a.Data != "hello world" {
		t.Errorf("Unexpected data: %v", a.Data)
	}

	_, err = New("x1", "notes", TypeText, 42)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for non-string text data, got %v", err)
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New("x1", "bad", Type("chart"), "data")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Expected ValidationError for unknown type, got %v", err)
	}
}

func TestNew_CoercesJSONDecodedRows(t *testing.T) {
	// Rows arriving over the wire decode as []any, not TableData.
	raw := []any{
		map[string]any{"name": "alice", "age": float64(30)},
	}
	a, err := New("t1", "people", TypeTable, raw)
	if err != nil {
		t.Fatalf("Expected coerced rows to validate, got %v", err)
	}
	rows, ok := a.Data.(TableData)
	if !ok || len(rows) != 1 {
		t.Errorf("Expected 1 coerced row, got %v", a.Data)
	}
}

func TestStore_InvalidDoesNotMutate(t *testing.T) {
	s := NewStore()
	if _, err := s.Store("t1", "empty", TypeTable, TableData{}); err == nil {
		t.Fatal("Expected validation failure")
	}
	if len(s.List()) != 0 {
		t.Errorf("Expected store to stay empty after failed validation, got %d artifacts", len(s.List()))
	}
	if _, err := s.Get("t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_OverwritePreservesOrder(t *testing.T) {
	s := NewStore()
	if _, err := s.Store("a", "first", TypeText, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store("b", "second", TypeText, "two"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Store("a", "first again", TypeText, "three"); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 artifacts, got %d", len(list))
	}
	if list[0].Identifier != "a" || list[1].Identifier != "b" {
		t.Errorf("Expected insertion order a, b; got %s, %s", list[0].Identifier, list[1].Identifier)
	}
	if list[0].Title != "first again" {
		t.Errorf("Expected overwrite to win, got title %q", list[0].Title)
	}
}

func TestRenderForPrompt_TableSample(t *testing.T) {
	rows := TableData{
		{"n": 1}, {"n": 2}, {"n": 3}, {"n": 4},
	}
	a, err := New("t1", "numbers", TypeTable, rows)
	if err != nil {
		t.Fatal(err)
	}

	rendered := a.RenderForPrompt()
	if !strings.Contains(rendered, "number of rows = 4") {
		t.Errorf("Expected row count in render, got %q", rendered)
	}
	if strings.Contains(rendered, `{"n":3}`) {
		t.Errorf("Expected sample capped at %d rows, got %q", sampleRows, rendered)
	}
}

func TestRenderForPrompt_TextPreviewCapped(t *testing.T) {
	long := strings.Repeat("z", textPreviewChars*3)
	a, err := New("x1", "long", TypeText, long)
	if err != nil {
		t.Fatal(err)
	}

	rendered := a.RenderForPrompt()
	if strings.Contains(rendered, long) {
		t.Errorf("Expected text preview to be capped at %d chars", textPreviewChars)
	}
	if !strings.Contains(rendered, strings.Repeat("z", textPreviewChars)) {
		t.Errorf("Expected %d-char prefix in render, got %q", textPreviewChars, rendered)
	}
}

func TestArtifact_JSONRoundTrip(t *testing.T) {
	original, err := New("t1", "people", TypeTable, TableData{{"name": "alice"}})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Artifact
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	rows, ok := decoded.Data.(TableData)
	if !ok {
		t.Fatalf("Expected TableData after round trip, got %T", decoded.Data)
	}
	if len(rows) != 1 || rows[0]["name"] != "alice" {
		t.Errorf("Round trip mangled rows: %v", rows)
	}
}
