package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
	"github.com/krishbadri/rag-project/internal/core/ports/driving"
)

// Ensure batchContext implements BatchContext
var _ driving.BatchContext = (*batchContext)(nil)

// provisionalPrefix marks locally generated batch ids
const provisionalPrefix = "local-"

// BatchContextConfig holds dependencies for a BatchContext.
type BatchContextConfig struct {
	// ViewID tags writes from this view; notifications carrying it are ignored
	ViewID  string
	Store   driven.BatchStore
	Backend driven.Backend
	IDs     driven.IDGenerator
	Logger  *slog.Logger
}

// batchContext implements the BatchContext interface for one view
type batchContext struct {
	viewID  string
	store   driven.BatchStore
	backend driven.Backend
	ids     driven.IDGenerator
	logger  *slog.Logger

	mu       sync.Mutex
	snapshot domain.BatchSnapshot
	loaded   bool
	pinned   bool

	subMu   sync.Mutex
	subs    map[int]func(domain.BatchSnapshot)
	nextSub int

	// pending holds at most one undelivered notification; extra signals coalesce
	pending chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBatchContext creates a BatchContext and starts watching the store for
// changes written by other views. Close stops the watch.
func NewBatchContext(ctx context.Context, cfg BatchContextConfig) (driving.BatchContext, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: batch store is required", domain.ErrInvalidInput)
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("%w: backend is required", domain.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = driven.IDGeneratorFunc(domain.GenerateID)
	}
	viewID := cfg.ViewID
	if viewID == "" {
		viewID = ids.NewID()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	changes, err := cfg.Store.Watch(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch batch store: %w", err)
	}

	b := &batchContext{
		viewID:   viewID,
		store:    cfg.Store,
		backend:  cfg.Backend,
		ids:      ids,
		logger:   logger.With("view", viewID),
		snapshot: domain.NewBatchSnapshot("", false),
		subs:     make(map[int]func(domain.BatchSnapshot)),
		pending:  make(chan struct{}, 1),
		cancel:   cancel,
	}

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.watchLoop(changes)
	}()
	go func() {
		defer b.wg.Done()
		b.deliverLoop(watchCtx)
	}()

	return b, nil
}

// ViewID returns the origin tag of this view
func (b *batchContext) ViewID() string {
	return b.viewID
}

// Current returns the latest locally known snapshot.
// The first call loads from the store; an unreachable store yields an empty snapshot.
func (b *batchContext) Current(ctx context.Context) domain.BatchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.loaded {
		b.loadLocked(ctx)
	}
	return b.viewLocked()
}

// Refresh re-reads the store unless the view is pinned.
// Same-view writes produce no notification, so callers refresh before acting.
func (b *batchContext) Refresh(ctx context.Context) domain.BatchSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.pinned || !b.loaded {
		b.loadLocked(ctx)
	}
	return b.viewLocked()
}

// CreateNewBatch asks the backend for a batch id and makes it current
func (b *batchContext) CreateNewBatch(ctx context.Context) (domain.BatchSnapshot, error) {
	batchID, err := b.backend.CreateBatch(ctx)
	if err != nil {
		b.logger.Warn("failed to create batch", "error", err)
		return b.Current(ctx), fmt.Errorf("failed to create batch: %w", err)
	}
	return b.adopt(ctx, domain.NewBatchSnapshot(batchID, false), false), nil
}

// CreateNewBatchWithFallback creates a batch, adopting a provisional local id
// when the backend cannot create one so uploads are not blocked.
func (b *batchContext) CreateNewBatchWithFallback(ctx context.Context) (domain.BatchSnapshot, error) {
	batchID, err := b.backend.CreateBatch(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return b.Current(ctx), ctx.Err()
		}
		local := provisionalPrefix + b.ids.NewID()
		b.logger.Warn("backend batch creation failed, using provisional batch",
			"batch_id", local,
			"error", err,
		)
		return b.adopt(ctx, domain.NewBatchSnapshot(local, true), false), nil
	}
	return b.adopt(ctx, domain.NewBatchSnapshot(batchID, false), false), nil
}

// OpenBatch pins the view to batchID and loads its documents from the backend
func (b *batchContext) OpenBatch(ctx context.Context, batchID string) (domain.BatchSnapshot, error) {
	if batchID == "" {
		return b.Current(ctx), fmt.Errorf("%w: batch id is required", domain.ErrInvalidInput)
	}

	snap := domain.NewBatchSnapshot(batchID, false)
	docs, err := b.backend.GetBatchDocuments(ctx, batchID)
	if err != nil {
		// The batch is still adopted; its documents show up as uploads register.
		b.logger.Warn("failed to fetch batch documents", "batch_id", batchID, "error", err)
	}
	for _, doc := range docs {
		snap, _ = snap.WithDocument(doc.ID)
	}

	return b.adopt(ctx, snap, true), nil
}

// RegisterDocument appends documentID to batchID when batchID is still the active batch
func (b *batchContext) RegisterDocument(ctx context.Context, batchID, documentID string) error {
	if batchID == "" || documentID == "" {
		return fmt.Errorf("%w: batch id and document id are required", domain.ErrInvalidInput)
	}

	// fn may run more than once when the store retries a conflicting write
	stale := false
	stored, err := b.store.Update(ctx, b.viewID, func(current domain.BatchSnapshot) (domain.BatchSnapshot, bool) {
		stale = current.BatchID != batchID
		if stale {
			return current, false
		}
		return current.WithDocument(documentID)
	})
	if err != nil {
		return fmt.Errorf("failed to register document: %w", err)
	}
	if stale {
		b.logger.Debug("ignoring document for inactive batch",
			"batch_id", batchID,
			"document_id", documentID,
		)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !stale && (!b.pinned || b.snapshot.BatchID == stored.BatchID):
		b.snapshot = stored.Clone()
		b.loaded = true
	case b.snapshot.BatchID == batchID:
		// Pinned to a batch that is no longer the stored one.
		b.snapshot, _ = b.snapshot.WithDocument(documentID)
	}
	return nil
}

// SetPinned toggles whether updates from other views are applied.
// Unpinning reloads the store on next use.
func (b *batchContext) SetPinned(pinned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pinned && !pinned {
		b.loaded = false
	}
	b.pinned = pinned
}

// Subscribe registers fn for snapshots written by other views
func (b *batchContext) Subscribe(fn func(domain.BatchSnapshot)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn

	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.subs, id)
	}
}

// Close stops watching the store and waits for the background loops
func (b *batchContext) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}

// adopt makes snap the current batch of this view and persists it
func (b *batchContext) adopt(ctx context.Context, snap domain.BatchSnapshot, pinned bool) domain.BatchSnapshot {
	stored, err := b.store.Update(ctx, b.viewID, func(domain.BatchSnapshot) (domain.BatchSnapshot, bool) {
		return snap, true
	})
	if err != nil {
		// The view keeps working on the new batch; other views will not see it.
		b.logger.Error("failed to persist batch", "batch_id", snap.BatchID, "error", err)
		stored = snap
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = stored.Clone()
	b.loaded = true
	b.pinned = pinned

	b.logger.Info("batch adopted",
		"batch_id", stored.BatchID,
		"documents", len(stored.DocumentIDs),
		"provisional", stored.Provisional,
		"pinned", pinned,
	)
	return b.viewLocked()
}

func (b *batchContext) loadLocked(ctx context.Context) {
	snap, err := b.store.Load(ctx)
	if err != nil {
		b.logger.Warn("failed to load batch state", "error", err)
		return
	}
	b.snapshot = snap.Clone()
	b.loaded = true
}

func (b *batchContext) viewLocked() domain.BatchSnapshot {
	out := b.snapshot.Clone()
	out.Pinned = b.pinned
	return out
}

// watchLoop applies snapshots written by other views while unpinned
func (b *batchContext) watchLoop(changes <-chan domain.BatchChange) {
	for change := range changes {
		if change.Origin == b.viewID {
			continue
		}

		b.mu.Lock()
		if b.pinned {
			b.mu.Unlock()
			continue
		}
		b.snapshot = change.Snapshot.Clone()
		b.loaded = true
		b.mu.Unlock()

		select {
		case b.pending <- struct{}{}:
		default:
		}
	}
}

// deliverLoop calls subscribers with the latest snapshot for each pending signal
func (b *batchContext) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pending:
		}

		b.mu.Lock()
		if b.pinned {
			b.mu.Unlock()
			continue
		}
		snap := b.viewLocked()
		b.mu.Unlock()

		b.subMu.Lock()
		subs := make([]func(domain.BatchSnapshot), 0, len(b.subs))
		for _, fn := range b.subs {
			subs = append(subs, fn)
		}
		b.subMu.Unlock()

		for _, fn := range subs {
			fn(snap)
		}
	}
}
