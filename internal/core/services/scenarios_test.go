package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/cucumber/godog"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven/mocks"
	"github.com/krishbadri/rag-project/internal/core/ports/driving"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "rag-client",
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("feature scenarios failed")
	}
}

// scenarioState is one wired client: an upload view, a chat view and their services
type scenarioState struct {
	store      *mocks.MockBatchStore
	backend    *mocks.MockBackend
	uploadView driving.BatchContext
	chatView   driving.BatchContext
	uploads    driving.UploadController
	chat       driving.ChatSession
	records    []domain.Upload
}

func newScenarioState(ctx context.Context) (*scenarioState, error) {
	s := &scenarioState{
		store:   mocks.NewMockBatchStore(),
		backend: mocks.NewMockBackend(),
	}

	var err error
	s.uploadView, err = NewBatchContext(ctx, BatchContextConfig{
		ViewID: "upload", Store: s.store, Backend: s.backend, IDs: mocks.NewSequentialIDs("upload"),
	})
	if err != nil {
		return nil, err
	}
	s.chatView, err = NewBatchContext(ctx, BatchContextConfig{
		ViewID: "chat", Store: s.store, Backend: s.backend, IDs: mocks.NewSequentialIDs("chat"),
	})
	if err != nil {
		return nil, err
	}
	s.uploads, err = NewUploadController(UploadControllerConfig{
		Backend: s.backend,
		Batch:   s.uploadView,
		Watcher: mocks.NewMockProcessingWatcher(),
		IDs:     mocks.NewSequentialIDs("file"),
	})
	if err != nil {
		return nil, err
	}
	s.chat, err = NewChatSession(ChatSessionConfig{
		Backend: s.backend,
		Batch:   s.chatView,
		IDs:     mocks.NewSequentialIDs("msg"),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *scenarioState) close() {
	_ = s.uploadView.Close()
	_ = s.chatView.Close()
}

func initializeScenario(sc *godog.ScenarioContext) {
	var s *scenarioState

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		var err error
		s, err = newScenarioState(context.Background())
		return ctx, err
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if s != nil {
			s.close()
		}
		return ctx, err
	})

	// Backend
	sc.Step(`^the backend is reachable$`, func() error { return nil })
	sc.Step(`^the backend cannot create batches$`, func() error {
		s.backend.CreateBatchFn = func() (string, error) { return "", domain.ErrServiceUnavailable }
		return nil
	})
	sc.Step(`^the chat stream sends:$`, func(body *godog.DocString) error {
		s.backend.ChatStreamFn = nil
		s.backend.StreamBody = body.Content + "\n"
		return nil
	})
	sc.Step(`^the chat endpoint fails$`, func() error {
		s.backend.ChatStreamFn = func(domain.ChatRequest) (io.ReadCloser, error) {
			return nil, fmt.Errorf("%w: status 500", domain.ErrUnexpectedStatus)
		}
		return nil
	})

	// Batches
	sc.Step(`^an empty batch was started$`, func(ctx context.Context) error {
		_, err := s.uploadView.CreateNewBatch(ctx)
		return err
	})
	sc.Step(`^a new batch is started$`, func(ctx context.Context) error {
		_, err := s.uploadView.CreateNewBatch(ctx)
		return err
	})
	sc.Step(`^the document "([^"]*)" finished for the current batch$`, func(ctx context.Context, documentID string) error {
		batchID := s.uploadView.Current(ctx).BatchID
		return s.uploadView.RegisterDocument(ctx, batchID, documentID)
	})
	sc.Step(`^the document "([^"]*)" finished for batch "([^"]*)"$`, func(ctx context.Context, documentID, batchID string) error {
		return s.uploadView.RegisterDocument(ctx, batchID, documentID)
	})
	sc.Step(`^the chat view is pinned to batch "([^"]*)"$`, func(ctx context.Context, batchID string) error {
		s.backend.AddBatch(batchID)
		_, err := s.chatView.OpenBatch(ctx, batchID)
		return err
	})
	sc.Step(`^the current batch is "([^"]*)" with documents "([^"]*)"$`, func(ctx context.Context, batchID, docs string) error {
		snap := s.uploadView.Current(ctx)
		if snap.BatchID != batchID {
			return fmt.Errorf("expected batch %q, got %q", batchID, snap.BatchID)
		}
		return expectIDs(docs, snap.DocumentIDs)
	})
	sc.Step(`^the current batch is provisional$`, func(ctx context.Context) error {
		snap := s.uploadView.Current(ctx)
		if !snap.HasBatch() || !snap.Provisional {
			return fmt.Errorf("expected a provisional batch, got %+v", snap)
		}
		return nil
	})

	// Uploads
	sc.Step(`^I upload "([^"]*)"$`, func(ctx context.Context, filename string) error {
		content := "content of " + filename
		records, err := s.uploads.Upload(ctx, []domain.UploadFile{{
			Filename: filename,
			MimeType: "application/pdf",
			Size:     int64(len(content)),
			Content:  strings.NewReader(content),
		}}, domain.UploadOptions{})
		s.records = append(s.records, records...)
		return err
	})
	sc.Step(`^the upload of "([^"]*)" is "([^"]*)"$`, func(filename, status string) error {
		for _, r := range s.records {
			if r.Filename == filename {
				if string(r.Status) != status {
					return fmt.Errorf("expected %s to be %s, got %s (%s)", filename, status, r.Status, r.Error)
				}
				return nil
			}
		}
		return fmt.Errorf("no upload of %s", filename)
	})
	sc.Step(`^no upload was initialised with a batch id$`, func() error {
		for _, req := range s.backend.InitRequests {
			if req.BatchID != "" {
				return fmt.Errorf("upload of %s sent batch id %q", req.Filename, req.BatchID)
			}
		}
		return nil
	})

	// Chat
	sc.Step(`^retrieval is disabled$`, func() error {
		s.chat.SetRetrievalEnabled(false)
		return nil
	})
	sc.Step(`^I ask "([^"]*)"$`, func(ctx context.Context, query string) error {
		// Failures surface in the conversation, not here
		_ = s.chat.Submit(ctx, query)
		return nil
	})
	sc.Step(`^the chat request has batch "([^"]*)" and documents "([^"]*)"$`, func(batchID, docs string) error {
		req, ok := s.backend.LastChatRequest()
		if !ok {
			return fmt.Errorf("no chat request was sent")
		}
		if req.BatchID != batchID {
			return fmt.Errorf("expected batch_id %q, got %q", batchID, req.BatchID)
		}
		return expectIDs(docs, req.DocumentIDs)
	})
	sc.Step(`^the chat request has no batch constraint$`, func() error {
		req, _ := s.backend.LastChatRequest()
		if req.BatchID != "" || len(req.DocumentIDs) > 0 {
			return fmt.Errorf("expected no constraint, got batch %q documents %v", req.BatchID, req.DocumentIDs)
		}
		return nil
	})
	sc.Step(`^the chat request asks for (\d+) passages$`, func(topK int) error {
		req, _ := s.backend.LastChatRequest()
		if req.TopK != topK {
			return fmt.Errorf("expected top_k %d, got %d", topK, req.TopK)
		}
		return nil
	})
	sc.Step(`^the answer is "([^"]*)"$`, func(want string) error {
		answer, err := lastAnswer(s.chat)
		if err != nil {
			return err
		}
		if answer.Content != want {
			return fmt.Errorf("expected answer %q, got %q", want, answer.Content)
		}
		return nil
	})
	sc.Step(`^the answer cites (\d+) passages?$`, func(n int) error {
		answer, err := lastAnswer(s.chat)
		if err != nil {
			return err
		}
		if len(answer.Citations) != n {
			return fmt.Errorf("expected %d citations, got %d", n, len(answer.Citations))
		}
		return nil
	})
	sc.Step(`^the session is idle$`, func() error {
		if s.chat.IsLoading() {
			return fmt.Errorf("session is still loading")
		}
		return nil
	})
}

func lastAnswer(chat driving.ChatSession) (domain.Message, error) {
	messages := chat.Messages()
	if n := len(messages); n > 0 && messages[n-1].Role == domain.RoleAssistant {
		return messages[n-1], nil
	}
	return domain.Message{}, fmt.Errorf("no answer in conversation")
}

// expectIDs compares a comma separated list with got
func expectIDs(want string, got []string) error {
	var ids []string
	if want != "" {
		ids = strings.Split(want, ",")
	}
	if len(ids) != len(got) {
		return fmt.Errorf("expected documents %v, got %v", ids, got)
	}
	for i := range ids {
		if strings.TrimSpace(ids[i]) != got[i] {
			return fmt.Errorf("expected documents %v, got %v", ids, got)
		}
	}
	return nil
}
