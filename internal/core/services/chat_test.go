package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven/mocks"
	"github.com/krishbadri/rag-project/internal/core/ports/driving"
)

type chatFixture struct {
	store   *mocks.MockBatchStore
	backend *mocks.MockBackend
	batch   driving.BatchContext
	chat    driving.ChatSession

	mu      sync.Mutex
	updates []domain.Message
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	f := &chatFixture{
		store:   mocks.NewMockBatchStore(),
		backend: mocks.NewMockBackend(),
	}
	f.batch = newTestBatchContext(t, f.store, f.backend, "chat")

	chat, err := NewChatSession(ChatSessionConfig{
		Backend: f.backend,
		Batch:   f.batch,
		IDs:     mocks.NewSequentialIDs("msg"),
		OnUpdate: func(m domain.Message) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.updates = append(f.updates, m)
		},
	})
	require.NoError(t, err)
	f.chat = chat
	return f
}

func (f *chatFixture) contentsOf(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.updates {
		if m.ID == id {
			out = append(out, m.Content)
		}
	}
	return out
}

func frames(lines ...string) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(domain.FramePrefix)
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

func TestNewChatSession_Validation(t *testing.T) {
	_, err := NewChatSession(ChatSessionConfig{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestChatSession_StreamsAnswer(t *testing.T) {
	f := newChatFixture(t)
	f.backend.StreamBody = frames(
		`{"type":"citations","citations":[{"chunk_id":1,"content":"p","document":{"id":"d1","name":"a.pdf"}}]}`,
		`{"type":"token","content":"Hel"}`,
		`{"type":"token","content":"lo"}`,
	)

	err := f.chat.Submit(context.Background(), "hi")
	require.NoError(t, err)

	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Content)
	require.Len(t, msgs[1].Citations, 1)
	assert.Equal(t, "a.pdf", msgs[1].Citations[0].Document.Name)

	assert.Equal(t, []string{"", "Hel", "Hello"}, f.contentsOf(msgs[1].ID))
	assert.False(t, f.chat.IsLoading())
}

func TestChatSession_CitationsWithoutTokens(t *testing.T) {
	f := newChatFixture(t)
	f.backend.StreamBody = frames(
		`{"type":"citations","citations":[{"chunk_id":1,"content":"p","document":{"id":"d1","name":"a.pdf"}}]}`,
	)

	require.NoError(t, f.chat.Submit(context.Background(), "hi"))

	msgs := f.chat.Messages()
	assert.Empty(t, msgs[1].Content)
	assert.Empty(t, msgs[1].Citations)
}

func TestChatSession_LatestCitationsWin(t *testing.T) {
	f := newChatFixture(t)
	f.backend.StreamBody = frames(
		`{"type":"citations","citations":[{"chunk_id":1,"content":"first","document":{"id":"d1","name":"a.pdf"}},{"chunk_id":2,"content":"first","document":{"id":"d2","name":"b.pdf"}}]}`,
		`{"type":"token","content":"x"}`,
		`{"type":"citations","citations":[{"chunk_id":9,"content":"second","document":{"id":"d9","name":"z.pdf"}}]}`,
		`{"type":"token","content":"y"}`,
	)

	require.NoError(t, f.chat.Submit(context.Background(), "hi"))

	msgs := f.chat.Messages()
	assert.Equal(t, "xy", msgs[1].Content)
	require.Len(t, msgs[1].Citations, 1)
	assert.Equal(t, "d9", msgs[1].Citations[0].Document.ID)
	assert.Equal(t, "second", msgs[1].Citations[0].Content)
}

func TestChatSession_SplitFrames(t *testing.T) {
	f := newChatFixture(t)
	body := frames(`{"type":"token","content":"a"}`, `{"type":"token","content":"b"}`)
	f.backend.ChatStreamFn = func(domain.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(iotest.HalfReader(strings.NewReader(body))), nil
	}

	require.NoError(t, f.chat.Submit(context.Background(), "hi"))
	assert.Equal(t, "ab", f.chat.Messages()[1].Content)
}

func TestChatSession_BlankQueryIgnored(t *testing.T) {
	f := newChatFixture(t)

	require.NoError(t, f.chat.Submit(context.Background(), "   \n\t"))
	assert.Empty(t, f.chat.Messages())
	assert.Empty(t, f.backend.ChatRequests)
}

func TestChatSession_BackendFailure(t *testing.T) {
	f := newChatFixture(t)
	f.backend.ChatStreamFn = func(domain.ChatRequest) (io.ReadCloser, error) {
		return nil, domain.ErrUnexpectedStatus
	}

	err := f.chat.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, domain.ErrUnexpectedStatus)

	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.ChatErrorMessage, msgs[1].Content)
	assert.False(t, f.chat.IsLoading())

	// The session accepts new submissions after a failure
	f.backend.ChatStreamFn = nil
	f.backend.StreamBody = frames(`{"type":"token","content":"ok"}`)
	require.NoError(t, f.chat.Submit(context.Background(), "again"))
	assert.Equal(t, "ok", f.chat.Messages()[3].Content)
}

func TestChatSession_MidStreamFailure(t *testing.T) {
	f := newChatFixture(t)
	boom := errors.New("connection reset")
	f.backend.ChatStreamFn = func(domain.ChatRequest) (io.ReadCloser, error) {
		return io.NopCloser(io.MultiReader(
			strings.NewReader(frames(`{"type":"token","content":"partial"}`)),
			iotest.ErrReader(boom),
		)), nil
	}

	err := f.chat.Submit(context.Background(), "hi")
	assert.ErrorIs(t, err, boom)

	msgs := f.chat.Messages()
	assert.Equal(t, domain.ChatErrorMessage, msgs[1].Content)
	assert.Equal(t, []string{"", "partial", domain.ChatErrorMessage}, f.contentsOf(msgs[1].ID))
}

func TestChatSession_SingleInFlight(t *testing.T) {
	f := newChatFixture(t)
	started := make(chan struct{})
	pr, pw := io.Pipe()
	f.backend.ChatStreamFn = func(domain.ChatRequest) (io.ReadCloser, error) {
		close(started)
		return pr, nil
	}

	done := make(chan error, 1)
	go func() {
		done <- f.chat.Submit(context.Background(), "first")
	}()

	<-started
	assert.True(t, f.chat.IsLoading())
	assert.ErrorIs(t, f.chat.Submit(context.Background(), "second"), domain.ErrSubmissionInFlight)

	_, _ = pw.Write([]byte(frames(`{"type":"token","content":"done"}`)))
	_ = pw.Close()

	require.NoError(t, <-done)
	assert.False(t, f.chat.IsLoading())
	msgs := f.chat.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "done", msgs[1].Content)
}

func TestChatSession_ErrorTargetsCapturedMessage(t *testing.T) {
	f := newChatFixture(t)
	f.backend.StreamBody = frames(`{"type":"token","content":"first answer"}`)
	require.NoError(t, f.chat.Submit(context.Background(), "one"))

	f.backend.ChatStreamFn = func(domain.ChatRequest) (io.ReadCloser, error) {
		return nil, domain.ErrServiceUnavailable
	}
	require.Error(t, f.chat.Submit(context.Background(), "two"))

	msgs := f.chat.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "first answer", msgs[1].Content)
	assert.Equal(t, domain.ChatErrorMessage, msgs[3].Content)
}

func TestChatSession_RequestScope(t *testing.T) {
	tests := []struct {
		name      string
		retrieval bool
		limit     bool
		docs      []string
		wantTopK  int
		wantBatch string
		wantDocs  []string
	}{
		{name: "scoped with documents", retrieval: true, limit: true, docs: []string{"d1"}, wantTopK: 5, wantBatch: "batch-1", wantDocs: []string{"d1"}},
		{name: "scoped empty batch", retrieval: true, limit: true, wantTopK: 0, wantBatch: "batch-1"},
		{name: "unscoped", retrieval: true, limit: false, docs: []string{"d1"}, wantTopK: 5},
		{name: "retrieval off", retrieval: false, limit: true, docs: []string{"d1"}, wantTopK: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newChatFixture(t)
			ctx := context.Background()
			snap, err := f.batch.CreateNewBatch(ctx)
			require.NoError(t, err)
			for _, id := range tt.docs {
				require.NoError(t, f.batch.RegisterDocument(ctx, snap.BatchID, id))
			}
			f.chat.SetRetrievalEnabled(tt.retrieval)
			f.chat.SetLimitToBatch(tt.limit)

			require.NoError(t, f.chat.Submit(ctx, "q"))

			req, ok := f.backend.LastChatRequest()
			require.True(t, ok)
			assert.True(t, req.Stream)
			assert.Equal(t, tt.wantTopK, req.TopK)
			assert.Equal(t, tt.wantBatch, req.BatchID)
			if tt.retrieval && tt.limit {
				assert.NotNil(t, req.DocumentIDs, "a scoped request always carries document_ids")
			}
			if len(tt.wantDocs) == 0 {
				assert.Empty(t, req.DocumentIDs)
			} else {
				assert.Equal(t, tt.wantDocs, req.DocumentIDs)
			}
		})
	}
}

func TestChatSession_SeesOtherViewWrites(t *testing.T) {
	f := newChatFixture(t)
	uploadView := newTestBatchContext(t, f.store, f.backend, "upload")
	ctx := context.Background()

	snap, err := uploadView.CreateNewBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, uploadView.RegisterDocument(ctx, snap.BatchID, "d1"))

	require.NoError(t, f.chat.Submit(ctx, "q"))

	req, _ := f.backend.LastChatRequest()
	assert.Equal(t, snap.BatchID, req.BatchID)
	assert.Equal(t, []string{"d1"}, req.DocumentIDs)
	assert.Equal(t, 5, req.TopK)
}

func TestChatSession_ProvisionalBatchSendsDocumentsOnly(t *testing.T) {
	f := newChatFixture(t)
	f.backend.CreateBatchFn = func() (string, error) { return "", domain.ErrServiceUnavailable }
	ctx := context.Background()

	snap, err := f.batch.CreateNewBatchWithFallback(ctx)
	require.NoError(t, err)
	require.NoError(t, f.batch.RegisterDocument(ctx, snap.BatchID, "d1"))

	require.NoError(t, f.chat.Submit(ctx, "q"))

	req, _ := f.backend.LastChatRequest()
	assert.Empty(t, req.BatchID)
	assert.Equal(t, []string{"d1"}, req.DocumentIDs)
	assert.Equal(t, 5, req.TopK)
}

func TestChatSession_Reset(t *testing.T) {
	f := newChatFixture(t)
	f.backend.StreamBody = frames(`{"type":"token","content":"x"}`)
	require.NoError(t, f.chat.Submit(context.Background(), "hi"))

	f.chat.Reset()
	assert.Empty(t, f.chat.Messages())
	assert.Equal(t, domain.DefaultRetrievalToggles(), f.chat.Toggles())
}

func TestChatSession_CancelledContext(t *testing.T) {
	f := newChatFixture(t)
	f.backend.StreamBody = frames(`{"type":"token","content":"x"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.chat.Submit(ctx, "hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.ChatErrorMessage, f.chat.Messages()[1].Content)
}
