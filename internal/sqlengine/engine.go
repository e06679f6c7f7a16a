// Package sqlengine defines the SQL execution backend used by sandbox
// programs, plus the schema catalog surfaced to the LLM.
package sqlengine

import (
	"context"
	"errors"
)

// ErrMutationsDisallowed is returned by Engine.ExecuteSQL when the
// statement would mutate data and allowMutations is false. The sandbox
// client treats it as a signal to request human confirmation.
var ErrMutationsDisallowed = errors.New("mutations are disallowed")

// Rows is the result of a SQL query: one map of column name to value per
// selected row.
type Rows = []map[string]any

// SQLStatement records a statement executed during a sandbox run together
// with its result.
type SQLStatement struct {
	SQL    string `json:"sql"`
	Result Rows   `json:"result"`
}

// Engine executes SQL on behalf of sandbox programs.
type Engine interface {
	// ExecuteSQL runs a statement. When allowMutations is false, a
	// mutating statement must fail with ErrMutationsDisallowed and leave
	// the data unchanged.
	ExecuteSQL(ctx context.Context, sql string, allowMutations bool) (Rows, error)

	// Catalog returns the schema catalog rendered into system prompts.
	Catalog(ctx context.Context) (Catalog, error)
}
