package driven

import "context"

// ProcessingWatcher waits for the backend to finish processing an uploaded document.
type ProcessingWatcher interface {
	// Await blocks until the document is processed.
	// Returns domain.ErrProcessingFailed when the backend gave up,
	// or the context error when ctx ends first.
	Await(ctx context.Context, documentID string) error
}
