package sqlengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/queryloop/queryloop/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteEngine executes sandbox SQL against a local SQLite database.
// Mutation gating is enforced with a second, read-only connection pool:
// when mutations are disallowed the statement runs on a mode=ro connection
// and any write attempt surfaces as ErrMutationsDisallowed.
type SQLiteEngine struct {
	rw      *sql.DB
	ro      *sql.DB
	catalog Catalog
}

// NewSQLiteEngine opens the database at dbPath. The catalog describes the
// schema to the LLM; it is supplied by the caller, not introspected.
func NewSQLiteEngine(dbPath string, catalog Catalog) (*SQLiteEngine, error) {
	rw, err := sql.Open("sqlite", dbPath+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rw.SetMaxOpenConns(1)

	ro, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		_ = rw.Close()
		return nil, fmt.Errorf("open read-only database: %w", err)
	}

	if err := rw.Ping(); err != nil {
		_ = rw.Close()
		_ = ro.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteEngine{rw: rw, ro: ro, catalog: catalog}, nil
}

// Catalog returns the configured schema catalog.
func (e *SQLiteEngine) Catalog(_ context.Context) (Catalog, error) {
	return e.catalog, nil
}

// statementTimeout bounds a single sandbox-issued statement.
const statementTimeout = 5 * time.Second

// ExecuteSQL runs a statement, using the read-only pool unless mutations
// are allowed.
func (e *SQLiteEngine) ExecuteSQL(ctx context.Context, sqlText string, allowMutations bool) (Rows, error) {
	ctx, cancel := context.WithTimeout(ctx, statementTimeout)
	defer cancel()

	db := e.ro
	if allowMutations {
		db = e.rw
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		if !allowMutations && shared.IsSQLiteReadOnlyError(err) {
			return nil, ErrMutationsDisallowed
		}
		return nil, fmt.Errorf("execute sql: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	output := Rows{}
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, name := range columns {
			if b, ok := values[i].([]byte); ok {
				values[i] = string(b)
			}
			row[name] = values[i]
		}
		output = append(output, row)
	}
	if err := rows.Err(); err != nil {
		if !allowMutations && shared.IsSQLiteReadOnlyError(err) {
			return nil, ErrMutationsDisallowed
		}
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return output, nil
}

// Close closes both connection pools.
func (e *SQLiteEngine) Close() error {
	roErr := e.ro.Close()
	if err := e.rw.Close(); err != nil {
		return err
	}
	return roErr
}
