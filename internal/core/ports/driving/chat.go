package driving

import (
	"context"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// ChatSession owns one conversation and streams assistant answers into it
type ChatSession interface {
	// Submit sends query and blocks until its stream ends.
	// Blank queries are ignored; returns domain.ErrSubmissionInFlight while another is outstanding.
	Submit(ctx context.Context, query string) error

	// Messages returns a copy of the conversation
	Messages() []domain.Message

	// IsLoading reports whether a submission is outstanding
	IsLoading() bool

	// Toggles returns the current retrieval switches
	Toggles() domain.RetrievalToggles

	// SetRetrievalEnabled toggles retrieval-augmented answers
	SetRetrievalEnabled(enabled bool)

	// SetLimitToBatch toggles scoping retrieval to the current batch
	SetLimitToBatch(limit bool)

	// Reset clears the conversation
	Reset()
}
