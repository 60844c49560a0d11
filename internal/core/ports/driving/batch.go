package driving

import (
	"context"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// BatchContext owns the current upload batch for one view.
// Views sharing a store observe each other's writes through notifications.
type BatchContext interface {
	// ViewID identifies this view as the origin of its writes
	ViewID() string

	// Current returns the latest locally known snapshot, loading it on first use
	Current(ctx context.Context) domain.BatchSnapshot

	// Refresh re-reads the store unless the view is pinned
	Refresh(ctx context.Context) domain.BatchSnapshot

	// CreateNewBatch asks the backend for a new batch and makes it current with no documents.
	// On backend failure the state is unchanged.
	CreateNewBatch(ctx context.Context) (domain.BatchSnapshot, error)

	// CreateNewBatchWithFallback behaves like CreateNewBatch but adopts a provisional,
	// locally generated batch id when the backend cannot be reached.
	CreateNewBatchWithFallback(ctx context.Context) (domain.BatchSnapshot, error)

	// OpenBatch pins the view to an existing batch and loads its documents from the backend
	OpenBatch(ctx context.Context, batchID string) (domain.BatchSnapshot, error)

	// RegisterDocument adds documentID to batchID if that batch is still current
	RegisterDocument(ctx context.Context, batchID, documentID string) error

	// SetPinned toggles whether updates from other views are applied
	SetPinned(pinned bool)

	// Subscribe registers fn for updates originating in other views.
	// Rapid changes may be coalesced into the latest snapshot.
	Subscribe(fn func(domain.BatchSnapshot)) (unsubscribe func())

	// Close stops watching the store
	Close() error
}
