package driven

import (
	"context"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// BatchStore persists the current batch in a key-value store shared by every view.
// Implementations: Redis (shared across processes) or in-process memory.
type BatchStore interface {
	// Load returns the persisted snapshot.
	// Absent or malformed values yield an empty snapshot, never an error.
	// Errors are reserved for an unreachable store.
	Load(ctx context.Context) (domain.BatchSnapshot, error)

	// Update atomically reads the snapshot, applies fn and writes the result.
	// If fn returns false nothing is written or published.
	// All persisted keys (including the legacy id list) are written together and a
	// change notification tagged with origin is published after the write.
	Update(ctx context.Context, origin string, fn func(domain.BatchSnapshot) (domain.BatchSnapshot, bool)) (domain.BatchSnapshot, error)

	// Watch streams change notifications until ctx is cancelled.
	// Notifications written by every origin are delivered; filtering is the caller's job.
	Watch(ctx context.Context) (<-chan domain.BatchChange, error)

	// Ping checks if the store is reachable
	Ping(ctx context.Context) error

	// Close releases resources held by the store
	Close() error
}
