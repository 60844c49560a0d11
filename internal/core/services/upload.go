package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
	"github.com/krishbadri/rag-project/internal/core/ports/driving"
)

// Ensure uploadController implements UploadController
var _ driving.UploadController = (*uploadController)(nil)

// DefaultUploadConcurrency bounds how many files of one selection run at once
const DefaultUploadConcurrency = 4

// Messages shown on failed upload records
const (
	msgInitFailed        = "Failed to initialize upload"
	msgTransferFailed    = "Failed to upload file"
	msgCompleteFailed    = "Failed to complete upload"
	msgProcessingFailed  = "Processing failed"
	msgProcessingTimeout = "Processing did not finish in time"
)

// UploadControllerConfig holds dependencies for an UploadController.
type UploadControllerConfig struct {
	Backend driven.Backend
	Batch   driving.BatchContext
	Watcher driven.ProcessingWatcher
	IDs     driven.IDGenerator
	Logger  *slog.Logger

	// Concurrency limits in-flight files per selection (default 4)
	Concurrency int

	// OnChange is called after every state change of a record
	OnChange func(domain.Upload)
}

// uploadController implements the UploadController interface
type uploadController struct {
	backend     driven.Backend
	batch       driving.BatchContext
	watcher     driven.ProcessingWatcher
	ids         driven.IDGenerator
	logger      *slog.Logger
	concurrency int
	onChange    func(domain.Upload)

	mu      sync.Mutex
	uploads []*domain.Upload
	// index holds visible records plus dismissed ones still in flight
	index map[string]*domain.Upload
}

// NewUploadController creates a new UploadController
func NewUploadController(cfg UploadControllerConfig) (driving.UploadController, error) {
	if cfg.Backend == nil || cfg.Batch == nil || cfg.Watcher == nil {
		return nil, fmt.Errorf("%w: backend, batch context and processing watcher are required", domain.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = driven.IDGeneratorFunc(domain.GenerateID)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultUploadConcurrency
	}

	return &uploadController{
		backend:     cfg.Backend,
		batch:       cfg.Batch,
		watcher:     cfg.Watcher,
		ids:         ids,
		logger:      logger,
		concurrency: concurrency,
		onChange:    cfg.OnChange,
		index:       make(map[string]*domain.Upload),
	}, nil
}

// Upload runs every file through init, transfer, complete and processing.
// All files of one selection share a batch. A failure on one file never
// affects the others.
func (c *uploadController) Upload(ctx context.Context, files []domain.UploadFile, opts domain.UploadOptions) ([]domain.Upload, error) {
	if len(files) == 0 {
		return nil, nil
	}

	batch, err := c.selectBatch(ctx, opts)
	if err != nil {
		return nil, err
	}

	records := make([]*domain.Upload, len(files))
	for i, file := range files {
		records[i] = domain.NewUpload(c.ids.NewID(), file.Filename, batch.BatchID)
		c.add(records[i])
	}

	c.logger.Info("uploading files",
		"count", len(files),
		"batch_id", batch.BatchID,
		"provisional", batch.Provisional,
	)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, file := range files {
		uploadID := records[i].ID
		g.Go(func() error {
			c.process(ctx, uploadID, file, batch)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Upload, len(records))
	for i, rec := range records {
		out[i] = *rec
	}
	return out, nil
}

// List returns the visible upload records in creation order
func (c *uploadController) List() []domain.Upload {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Upload, len(c.uploads))
	for i, rec := range c.uploads {
		out[i] = *rec
	}
	return out
}

// Dismiss removes a record from the visible list.
// A dismissed in-flight file keeps running but is no longer reported.
func (c *uploadController) Dismiss(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, rec := range c.uploads {
		if rec.ID == id {
			c.uploads = append(c.uploads[:i], c.uploads[i+1:]...)
			if rec.Status.IsTerminal() {
				delete(c.index, id)
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

// selectBatch reuses the current batch unless a new one is requested or none exists
func (c *uploadController) selectBatch(ctx context.Context, opts domain.UploadOptions) (domain.BatchSnapshot, error) {
	current := c.batch.Refresh(ctx)
	if current.HasBatch() && !opts.StartNewBatch {
		return current, nil
	}

	snap, err := c.batch.CreateNewBatchWithFallback(ctx)
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("failed to select batch: %w", err)
	}
	return snap, nil
}

// process drives one file to a terminal state
func (c *uploadController) process(ctx context.Context, uploadID string, file domain.UploadFile, batch domain.BatchSnapshot) {
	logger := c.logger.With("upload_id", uploadID, "filename", file.Filename)

	target, err := c.backend.InitUpload(ctx, domain.InitUploadRequest{
		Filename:  file.Filename,
		MimeType:  file.MimeType,
		SizeBytes: file.Size,
		BatchID:   batch.AuthoritativeBatchID(),
	})
	if err != nil {
		logger.Error("upload init failed", "error", err)
		c.fail(uploadID, msgInitFailed)
		return
	}
	logger = logger.With("document_id", target.DocumentID)

	if err := c.backend.Transfer(ctx, target, file); err != nil {
		logger.Error("upload transfer failed", "mode", target.Mode(), "error", err)
		c.fail(uploadID, transferMessage(target.Mode()))
		return
	}

	if err := c.backend.CompleteUpload(ctx, target.DocumentID); err != nil {
		logger.Error("upload completion failed", "error", err)
		c.fail(uploadID, msgCompleteFailed)
		return
	}

	// Registration only feeds retrieval scope; the upload itself succeeded.
	if err := c.batch.RegisterDocument(ctx, batch.BatchID, target.DocumentID); err != nil {
		logger.Warn("failed to register document in batch", "batch_id", batch.BatchID, "error", err)
	}

	c.update(uploadID, func(u *domain.Upload) error {
		u.DocumentID = target.DocumentID
		return u.Transition(domain.UploadStatusProcessing)
	})

	if err := c.watcher.Await(ctx, target.DocumentID); err != nil {
		logger.Error("document processing did not complete", "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			c.fail(uploadID, msgProcessingTimeout)
		} else {
			c.fail(uploadID, msgProcessingFailed)
		}
		return
	}

	c.update(uploadID, func(u *domain.Upload) error {
		return u.Transition(domain.UploadStatusCompleted)
	})
	logger.Info("upload completed")
}

func transferMessage(mode domain.TransferMode) string {
	if mode == domain.TransferDelegated {
		return msgTransferFailed
	}
	return fmt.Sprintf("%s (%s)", msgTransferFailed, mode)
}

func (c *uploadController) add(rec *domain.Upload) {
	c.mu.Lock()
	c.uploads = append(c.uploads, rec)
	c.index[rec.ID] = rec
	snapshot := *rec
	c.mu.Unlock()

	c.notify(snapshot)
}

func (c *uploadController) fail(uploadID, message string) {
	c.update(uploadID, func(u *domain.Upload) error {
		return u.Fail(message)
	})
}

// update applies fn to a record and reports the result if it is still visible.
// Dismissed records keep advancing so Upload returns their final state.
func (c *uploadController) update(uploadID string, fn func(*domain.Upload) error) {
	c.mu.Lock()
	rec, ok := c.index[uploadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if err := fn(rec); err != nil {
		c.mu.Unlock()
		c.logger.Error("rejected upload transition", "upload_id", uploadID, "error", err)
		return
	}
	snapshot := *rec
	visible := c.visibleLocked(uploadID)
	if !visible && rec.Status.IsTerminal() {
		delete(c.index, uploadID)
	}
	c.mu.Unlock()

	if visible {
		c.notify(snapshot)
	}
}

func (c *uploadController) visibleLocked(uploadID string) bool {
	for _, rec := range c.uploads {
		if rec.ID == uploadID {
			return true
		}
	}
	return false
}

func (c *uploadController) notify(u domain.Upload) {
	if c.onChange != nil {
		c.onChange(u)
	}
}
