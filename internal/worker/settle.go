package worker

import (
	"context"
	"time"

	"github.com/krishbadri/rag-project/internal/core/ports/driven"
)

// Ensure SettleDelay implements ProcessingWatcher
var _ driven.ProcessingWatcher = SettleDelay(0)

// DefaultSettleDelay is how long a document is assumed to take to process
const DefaultSettleDelay = 3 * time.Second

// SettleDelay reports every document as processed after a fixed delay.
// It serves backends that expose no document status endpoint.
type SettleDelay time.Duration

// Await waits for the delay or until ctx is done
func (d SettleDelay) Await(ctx context.Context, documentID string) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(d))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
