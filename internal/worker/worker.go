package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
)

// Ensure StatusPoller implements ProcessingWatcher
var _ driven.ProcessingWatcher = (*StatusPoller)(nil)

// Defaults for the status poller
const (
	DefaultPollInterval      = 2 * time.Second
	DefaultProcessingTimeout = 5 * time.Minute
	DefaultPollConcurrency   = 4
)

// ErrPollerStopped is returned by Await when the poller is not running
var ErrPollerStopped = errors.New("status poller is not running")

// StatusPoller waits for backend document processing to finish.
// A single loop polls every awaited document each interval and wakes
// the callers whose documents reached ready or failed.
type StatusPoller struct {
	backend driven.Backend
	logger  *slog.Logger

	// Configuration
	interval    time.Duration
	timeout     time.Duration
	concurrency int

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	pending map[string][]chan error
	wake    chan struct{}
}

// StatusPollerConfig holds configuration for the status poller.
type StatusPollerConfig struct {
	Backend     driven.Backend
	Logger      *slog.Logger
	Interval    time.Duration // Time between polls of one document
	Timeout     time.Duration // Upper bound on one Await
	Concurrency int           // Parallel status requests per poll
}

// NewStatusPoller creates a new status poller.
func NewStatusPoller(cfg StatusPollerConfig) *StatusPoller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPollConcurrency
	}

	return &StatusPoller{
		backend:     cfg.Backend,
		logger:      logger,
		interval:    interval,
		timeout:     timeout,
		concurrency: concurrency,
		pending:     make(map[string][]chan error),
		wake:        make(chan struct{}, 1),
	}
}

// Start begins the poll loop.
// It runs until Stop is called or context is cancelled.
func (p *StatusPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("status poller starting",
		"interval", p.interval,
		"timeout", p.timeout,
		"concurrency", p.concurrency,
	)

	done := p.doneCh
	go func() {
		defer close(done)
		p.pollLoop(ctx)
		p.shutdown()
	}()

	return nil
}

// Stop gracefully stops the poller. Outstanding Await calls fail with ErrPollerStopped.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()

	<-done
	p.logger.Info("status poller stopped")
}

// shutdown marks the poller stopped and fails every waiter.
// It runs whenever the poll loop exits, whether by Stop or by cancellation.
func (p *StatusPoller) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.running = false
	for id, waiters := range p.pending {
		for _, ch := range waiters {
			ch <- ErrPollerStopped
		}
		delete(p.pending, id)
	}
}

// Wait blocks until the poll loop exits.
func (p *StatusPoller) Wait() {
	p.mu.RLock()
	done := p.doneCh
	p.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Await blocks until documentID is ready, failed, or the processing timeout passes.
func (p *StatusPoller) Await(ctx context.Context, documentID string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ch := make(chan error, 1)

	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPollerStopped
	}
	p.pending[documentID] = append(p.pending[documentID], ch)
	p.mu.Unlock()
	defer p.forget(documentID, ch)

	// Poll right away instead of waiting a full interval
	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("document %s: %w", documentID, ctx.Err())
	}
}

// pollLoop is the main loop of the poller.
func (p *StatusPoller) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("status poller context cancelled")
			return
		case <-p.stopCh:
			p.logger.Info("status poller stop signal received")
			return
		case <-p.wake:
		case <-ticker.C:
		}

		p.pollOnce(ctx)
	}
}

// pollOnce checks every awaited document once.
func (p *StatusPoller) pollOnce(ctx context.Context) {
	p.mu.RLock()
	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	if len(ids) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			p.check(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
}

// check fetches one document and resolves its waiters when processing ended.
// Transient errors are logged and retried on the next poll.
func (p *StatusPoller) check(ctx context.Context, documentID string) {
	logger := p.logger.With("document_id", documentID)

	doc, err := p.backend.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			p.resolve(documentID, fmt.Errorf("document %s: %w", documentID, err))
			return
		}
		logger.Warn("failed to poll document status", "error", err)
		return
	}

	switch doc.Status {
	case domain.DocumentStatusReady:
		logger.Debug("document ready")
		p.resolve(documentID, nil)
	case domain.DocumentStatusFailed:
		logger.Warn("document processing failed")
		p.resolve(documentID, fmt.Errorf("document %s: %w", documentID, domain.ErrProcessingFailed))
	default:
		logger.Debug("document still processing", "status", doc.Status)
	}
}

func (p *StatusPoller) resolve(documentID string, result error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ch := range p.pending[documentID] {
		ch <- result
	}
	delete(p.pending, documentID)
}

// forget drops a waiter that gave up before its document finished
func (p *StatusPoller) forget(documentID string, ch chan error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	waiters := p.pending[documentID]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(p.pending, documentID)
		return
	}
	p.pending[documentID] = waiters
}

// Health returns health status of the poller.
type Health struct {
	Running bool `json:"running"`
	Pending int  `json:"pending"`
}

// Health returns the health status of the poller.
func (p *StatusPoller) Health() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Health{
		Running: p.running,
		Pending: len(p.pending),
	}
}
