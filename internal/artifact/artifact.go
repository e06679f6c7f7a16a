// Package artifact provides the validated, addressable data-blob registry
// shared between the agent loop and the sandbox.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type discriminates the kinds of artifact data.
type Type string

const (
	// TypeTable is tabular data: a list of rows, each a map of column
	// name to value.
	TypeTable Type = "table"
	// TypeText is raw text.
	TypeText Type = "text"
)

// TableData is the data payload of a table artifact.
type TableData = []map[string]any

// sampleRows is how many rows of a table artifact are shown to the LLM.
const sampleRows = 2

// textPreviewChars is how many characters of a text artifact are shown to
// the LLM.
const textPreviewChars = 100

// ErrNotFound is returned by Store.Get for unknown identifiers.
var ErrNotFound = errors.New("unknown artifact")

// ValidationError explains why an artifact could not be stored. The
// message is written to be shown to the LLM, not to crash the session.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// Artifact is a named, typed data blob produced by sandbox execution.
// Data is a string for text artifacts and TableData for table artifacts.
type Artifact struct {
	Identifier string `json:"identifier"`
	Title      string `json:"title"`
	Type       Type   `json:"artifact_type"`
	Data       any    `json:"data"`
}

// New validates and constructs an artifact. Table artifacts must have at
// least one row and one column; text artifacts must carry a string.
func New(identifier, title string, typ Type, data any) (Artifact, error) {
	switch typ {
	case TypeTable:
		rows, ok := data.(TableData)
		if !ok {
			rows, ok = coerceTableData(data)
		}
		if !ok {
			return Artifact{}, &ValidationError{Reason: "table artifact data must be a list of rows"}
		}
		if len(rows) == 0 {
			return Artifact{}, &ValidationError{Reason: "table artifact must have at least one row"}
		}
		if len(rows[0]) == 0 {
			return Artifact{}, &ValidationError{Reason: "table artifact must have at least one column"}
		}
		return Artifact{Identifier: identifier, Title: title, Type: typ, Data: rows}, nil
	case TypeText:
		text, ok := data.(string)
		if !ok {
			return Artifact{}, &ValidationError{Reason: "text artifact data must be a string"}
		}
		return Artifact{Identifier: identifier, Title: title, Type: typ, Data: text}, nil
	default:
		return Artifact{}, &ValidationError{Reason: fmt.Sprintf("unknown artifact type %q", typ)}
	}
}

// coerceTableData handles rows decoded from JSON as []any.
func coerceTableData(data any) (TableData, bool) {
	raw, ok := data.([]any)
	if !ok {
		return nil, false
	}
	rows := make(TableData, 0, len(raw))
	for _, item := range raw {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, row)
	}
	return rows, true
}

// RenderForPrompt renders the artifact for LLM context, bounded regardless
// of stored size: tables show a row count plus a small sample, text shows
// a short prefix.
func (a Artifact) RenderForPrompt() string {
	return fmt.Sprintf("%s artifact: identifier = '%s', title = '%s', %s",
		a.Type, a.Identifier, a.Title, a.renderData())
}

func (a Artifact) renderData() string {
	switch a.Type {
	case TypeTable:
		rows, _ := a.Data.(TableData)
		sample := rows
		if len(sample) > sampleRows {
			sample = sample[:sampleRows]
		}
		rendered, err := json.Marshal(sample)
		if err != nil {
			return fmt.Sprintf("number of rows = %d", len(rows))
		}
		return fmt.Sprintf("number of rows = %d, sample rows = %s", len(rows), rendered)
	case TypeText:
		text, _ := a.Data.(string)
		if len(text) > textPreviewChars {
			text = text[:textPreviewChars]
		}
		return fmt.Sprintf("text_preview = '%s'", text)
	default:
		return ""
	}
}

// UnmarshalJSON decodes an artifact and normalizes the data payload to the
// shape its type requires.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	var raw struct {
		Identifier string          `json:"identifier"`
		Title      string          `json:"title"`
		Type       Type            `json:"artifact_type"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw.Type {
	case TypeTable:
		var rows TableData
		if err := json.Unmarshal(raw.Data, &rows); err != nil {
			return fmt.Errorf("table artifact data: %w", err)
		}
		a.Data = rows
	case TypeText:
		var text string
		if err := json.Unmarshal(raw.Data, &text); err != nil {
			return fmt.Errorf("text artifact data: %w", err)
		}
		a.Data = text
	default:
		return fmt.Errorf("unknown artifact type %q", raw.Type)
	}

	a.Identifier = raw.Identifier
	a.Title = raw.Title
	a.Type = raw.Type
	return nil
}

// Store is the session-scoped artifact registry. Identifiers overwrite on
// reuse; insertion order is preserved for prompt rendering. The store is
// owned by a single session flow and mutated in place.
type Store struct {
	artifacts map[string]Artifact
	order     []string
}

// NewStore creates an empty artifact store.
func NewStore() *Store {
	return &Store{artifacts: make(map[string]Artifact)}
}

// Store validates and stores an artifact. Validation failure leaves the
// store untouched and returns a reason suitable for showing the LLM.
func (s *Store) Store(identifier, title string, typ Type, data any) (Artifact, error) {
	a, err := New(identifier, title, typ, data)
	if err != nil {
		return Artifact{}, err
	}
	s.Put(a)
	return a, nil
}

// Put stores an already-validated artifact, overwriting any previous one
// with the same identifier.
func (s *Store) Put(a Artifact) {
	if _, exists := s.artifacts[a.Identifier]; !exists {
		s.order = append(s.order, a.Identifier)
	}
	s.artifacts[a.Identifier] = a
}

// Get retrieves an artifact by identifier.
func (s *Store) Get(identifier string) (Artifact, error) {
	a, ok := s.artifacts[identifier]
	if !ok {
		return Artifact{}, fmt.Errorf("%w %q", ErrNotFound, identifier)
	}
	return a, nil
}

// List returns all artifacts in insertion order.
func (s *Store) List() []Artifact {
	out := make([]Artifact, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.artifacts[id])
	}
	return out
}

// RenderForPrompt renders all stored artifacts for LLM context, one per
// line.
func (s *Store) RenderForPrompt() string {
	var b strings.Builder
	for _, a := range s.List() {
		b.WriteString(a.RenderForPrompt())
		b.WriteString("\n")
	}
	return b.String()
}
