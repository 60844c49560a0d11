package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
	"github.com/krishbadri/rag-project/internal/core/ports/driving"
)

// Ensure chatSession implements ChatSession
var _ driving.ChatSession = (*chatSession)(nil)

// ChatSessionConfig holds dependencies for a ChatSession.
type ChatSessionConfig struct {
	Backend driven.Backend
	Batch   driving.BatchContext
	IDs     driven.IDGenerator
	Logger  *slog.Logger

	// DefaultTopK is requested when retrieval is on (default 5)
	DefaultTopK int

	// Toggles overrides the initial retrieval switches
	Toggles *domain.RetrievalToggles

	// OnUpdate is called with a copy of every appended or changed message, in order
	OnUpdate func(domain.Message)
}

// chatSession implements the ChatSession interface
type chatSession struct {
	backend     driven.Backend
	batch       driving.BatchContext
	ids         driven.IDGenerator
	logger      *slog.Logger
	defaultTopK int
	onUpdate    func(domain.Message)

	// loading guards the single outstanding submission
	loading atomic.Bool

	mu       sync.Mutex
	messages []domain.Message
	toggles  domain.RetrievalToggles
}

// NewChatSession creates a new ChatSession
func NewChatSession(cfg ChatSessionConfig) (driving.ChatSession, error) {
	if cfg.Backend == nil || cfg.Batch == nil {
		return nil, fmt.Errorf("%w: backend and batch context are required", domain.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = driven.IDGeneratorFunc(domain.GenerateID)
	}
	topK := cfg.DefaultTopK
	if topK <= 0 {
		topK = domain.DefaultTopK
	}
	toggles := domain.DefaultRetrievalToggles()
	if cfg.Toggles != nil {
		toggles = *cfg.Toggles
	}

	return &chatSession{
		backend:     cfg.Backend,
		batch:       cfg.Batch,
		ids:         ids,
		logger:      logger,
		defaultTopK: topK,
		onUpdate:    cfg.OnUpdate,
		toggles:     toggles,
	}, nil
}

// Submit appends the query and an empty assistant message, then streams the
// answer into that message. On failure the same message is replaced by a
// fixed apology and the error is returned.
func (s *chatSession) Submit(ctx context.Context, query string) error {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if !s.loading.CompareAndSwap(false, true) {
		return domain.ErrSubmissionInFlight
	}
	defer s.loading.Store(false)

	user := domain.Message{ID: s.ids.NewID(), Role: domain.RoleUser, Content: query}
	assistant := domain.Message{ID: s.ids.NewID(), Role: domain.RoleAssistant}
	s.append(user)
	s.append(assistant)

	// Captured before any await; later messages never receive this stream.
	assistantID := assistant.ID

	snapshot := s.batch.Refresh(ctx)
	scope := domain.ResolveRetrievalScope(s.Toggles(), snapshot, s.defaultTopK)
	req := domain.NewChatRequest(query, scope)

	s.logger.Debug("submitting chat query",
		"message_id", assistantID,
		"top_k", req.TopK,
		"batch_id", req.BatchID,
		"documents", len(req.DocumentIDs),
	)

	body, err := s.backend.ChatStream(ctx, req)
	if err != nil {
		s.fail(assistantID, err)
		return fmt.Errorf("chat stream failed: %w", err)
	}
	defer func() { _ = body.Close() }()

	if err := s.consume(ctx, assistantID, body); err != nil {
		s.fail(assistantID, err)
		return fmt.Errorf("chat stream interrupted: %w", err)
	}
	return nil
}

// consume applies stream events to the assistant message in arrival order
func (s *chatSession) consume(ctx context.Context, assistantID string, body io.Reader) error {
	decoder := NewStreamDecoder(body)

	var (
		answer    strings.Builder
		citations []domain.Citation
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		event, err := decoder.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch event.Type {
		case domain.StreamEventCitations:
			// Shown once the first token arrives.
			citations = event.Citations
		case domain.StreamEventToken:
			answer.WriteString(event.Content)
			s.setAssistant(assistantID, answer.String(), citations)
		}
	}
}

func (s *chatSession) fail(assistantID string, err error) {
	s.logger.Error("chat submission failed", "message_id", assistantID, "error", err)
	s.setAssistant(assistantID, domain.ChatErrorMessage, nil)
}

// Messages returns a copy of the conversation
func (s *chatSession) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// IsLoading reports whether a submission is outstanding
func (s *chatSession) IsLoading() bool {
	return s.loading.Load()
}

// Toggles returns the current retrieval switches
func (s *chatSession) Toggles() domain.RetrievalToggles {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toggles
}

// SetRetrievalEnabled toggles retrieval-augmented answers
func (s *chatSession) SetRetrievalEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles.RetrievalEnabled = enabled
}

// SetLimitToBatch toggles scoping retrieval to the current batch
func (s *chatSession) SetLimitToBatch(limit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toggles.LimitToBatch = limit
}

// Reset clears the conversation.
// An outstanding stream keeps running but its message is gone.
func (s *chatSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

func (s *chatSession) append(m domain.Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()

	s.notify(m.Clone())
}

// setAssistant replaces the content of the message with id, if it still exists
func (s *chatSession) setAssistant(id, content string, citations []domain.Citation) {
	s.mu.Lock()
	idx := -1
	for i := range s.messages {
		if s.messages[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.messages[idx].Content = content
	s.messages[idx].Citations = append([]domain.Citation(nil), citations...)
	updated := s.messages[idx].Clone()
	s.mu.Unlock()

	s.notify(updated)
}

func (s *chatSession) notify(m domain.Message) {
	if s.onUpdate != nil {
		s.onUpdate(m)
	}
}
