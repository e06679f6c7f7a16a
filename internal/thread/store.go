package thread

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists threads across process restarts.
type Repository interface {
	// GetThread loads a thread by id. Returns (nil, nil) when the thread
	// does not exist.
	GetThread(ctx context.Context, threadID uuid.UUID) (*Thread, error)

	// ListThreads returns metadata for all threads, newest first.
	ListThreads(ctx context.Context) ([]Metadata, error)

	// SaveThread upserts a thread and its denormalized artifact and
	// confirmation records. Called at every checkpoint, so it must
	// tolerate concurrent writers on the same database.
	SaveThread(ctx context.Context, t *Thread) error

	// DeleteThread removes a thread and its records.
	DeleteThread(ctx context.Context, threadID uuid.UUID) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
