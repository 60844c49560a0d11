package driven

import (
	"context"
	"io"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// Backend is the HTTP collaborator owning batches, documents, retrieval and generation.
// A single attempt is made per call; non-success statuses wrap domain.ErrUnexpectedStatus.
type Backend interface {
	// CreateBatch requests a new batch and returns its id
	CreateBatch(ctx context.Context) (string, error)

	// GetBatchDocuments lists the documents registered in a batch
	GetBatchDocuments(ctx context.Context, batchID string) ([]domain.Document, error)

	// InitUpload registers a document and returns where to send its bytes
	InitUpload(ctx context.Context, req domain.InitUploadRequest) (*domain.UploadTarget, error)

	// Transfer sends the file bytes to the upload target using the target's mode
	Transfer(ctx context.Context, target *domain.UploadTarget, file domain.UploadFile) error

	// CompleteUpload acknowledges that the bytes were received
	CompleteUpload(ctx context.Context, documentID string) error

	// GetDocument returns the backend's view of a document (used to watch processing)
	GetDocument(ctx context.Context, documentID string) (*domain.Document, error)

	// ChatStream opens a streaming chat call and returns the raw frame stream.
	// Returns domain.ErrNoResponseBody when a success response carries no body.
	ChatStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error)
}
