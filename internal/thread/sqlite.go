package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/queryloop/queryloop/internal/confirm"
	"github.com/queryloop/queryloop/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a SQLite-backed thread repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency between checkpoint writes and
	// thread-list reads.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at);

	CREATE TABLE IF NOT EXISTS thread_artifacts (
		thread_id TEXT NOT NULL,
		identifier TEXT NOT NULL,
		title TEXT NOT NULL,
		artifact_type TEXT NOT NULL,
		data_json TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (thread_id, identifier)
	);

	CREATE TABLE IF NOT EXISTS thread_confirmations (
		thread_id TEXT NOT NULL,
		confirmation_id TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		resolved_at INTEGER,
		PRIMARY KEY (thread_id, confirmation_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetThread loads a thread by id.
func (s *SQLiteStore) GetThread(ctx context.Context, threadID uuid.UUID) (*Thread, error) {
	query := `SELECT thread_id, title, state_json FROM threads WHERE thread_id = ?`
	row := s.db.QueryRowContext(ctx, query, threadID.String())

	var id, title, stateJSON string
	err := row.Scan(&id, &title, &stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread row: %w", err)
	}

	parsedID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse thread id: %w", err)
	}

	t := &Thread{Metadata: Metadata{ThreadID: parsedID, Title: title}}
	if err := json.Unmarshal([]byte(stateJSON), &t.State); err != nil {
		return nil, fmt.Errorf("decode thread state: %w", err)
	}
	return t, nil
}

// ListThreads returns metadata for all threads, newest first.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]Metadata, error) {
	query := `SELECT thread_id, title FROM threads ORDER BY updated_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close thread rows", "error", closeErr)
		}
	}()

	var threads []Metadata
	for rows.Next() {
		var id, title string
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		parsedID, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parse thread id: %w", err)
		}
		threads = append(threads, Metadata{ThreadID: parsedID, Title: title})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// SaveThread upserts the thread record plus its artifact and confirmation
// rows in one transaction. Retries with backoff on SQLITE_BUSY, since
// checkpoints from concurrent sessions can contend for the write lock.
func (s *SQLiteStore) SaveThread(ctx context.Context, t *Thread) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.saveThreadOnce(ctx, t)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteBusyError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SaveThread hit SQLITE_BUSY, retrying",
			"thread_id", t.ThreadID, "attempt", i+1, "delay", delay)
		time.Sleep(delay)
	}
	return fmt.Errorf("save thread %s: %w", t.ThreadID, err)
}

func (s *SQLiteStore) saveThreadOnce(ctx context.Context, t *Thread) error {
	stateJSON, err := json.Marshal(t.State)
	if err != nil {
		return fmt.Errorf("encode thread state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO threads (thread_id, title, state_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			title = excluded.title,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		t.ThreadID.String(), t.Title, string(stateJSON), now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert thread: %w", err)
	}

	for _, a := range t.State.Artifacts {
		dataJSON, err := json.Marshal(a.Data)
		if err != nil {
			return fmt.Errorf("encode artifact %q: %w", a.Identifier, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO thread_artifacts (thread_id, identifier, title, artifact_type, data_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, identifier) DO UPDATE SET
				title = excluded.title,
				artifact_type = excluded.artifact_type,
				data_json = excluded.data_json,
				updated_at = excluded.updated_at`,
			t.ThreadID.String(), a.Identifier, a.Title, string(a.Type), string(dataJSON), now,
		)
		if err != nil {
			return fmt.Errorf("upsert artifact %q: %w", a.Identifier, err)
		}
	}

	for _, uc := range collectConfirmations(&t.State) {
		status := confirm.StatusPending
		var resolvedAt any
		if uc.Response != nil {
			status = uc.Response.Status
			resolvedAt = uc.Response.Timestamp.Unix()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO thread_confirmations (thread_id, confirmation_id, message, status, requested_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(thread_id, confirmation_id) DO UPDATE SET
				status = excluded.status,
				resolved_at = excluded.resolved_at`,
			t.ThreadID.String(), uc.ConfirmationRequestID.String(), uc.Message,
			string(status), uc.RequestTimestamp.Unix(), resolvedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert confirmation %s: %w", uc.ConfirmationRequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// DeleteThread removes a thread and its denormalized rows.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id := threadID.String()
	for _, q := range []string{
		`DELETE FROM thread_confirmations WHERE thread_id = ?`,
		`DELETE FROM thread_artifacts WHERE thread_id = ?`,
		`DELETE FROM threads WHERE thread_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete thread %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func collectConfirmations(state *State) []*UserConfirmation {
	var all []*UserConfirmation
	for _, interaction := range state.Interactions {
		for _, action := range interaction.AssistantActions {
			if action.Code == nil {
				continue
			}
			all = append(all, action.Code.UserConfirmations...)
		}
	}
	return all
}
