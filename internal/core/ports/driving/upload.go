package driving

import (
	"context"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// UploadController drives the per-file upload state machine
type UploadController interface {
	// Upload processes a selection of files concurrently in one batch and returns
	// their records once every file reached a terminal state.
	// Per-file failures are recorded on the file, not returned.
	Upload(ctx context.Context, files []domain.UploadFile, opts domain.UploadOptions) ([]domain.Upload, error)

	// List returns the visible upload records in creation order
	List() []domain.Upload

	// Dismiss removes a record from the visible list
	Dismiss(id string) error
}
