package mocks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// MockBackend is an in-memory Backend for testing.
// Batches and documents live in maps; every call can be overridden.
type MockBackend struct {
	mu        sync.Mutex
	batches   map[string][]string
	documents map[string]*domain.Document
	nextBatch int
	nextDoc   int

	// Recorded calls
	InitRequests   []domain.InitUploadRequest
	ChatRequests   []domain.ChatRequest
	Transfers      []string
	CompletedCalls []string

	// StreamBody is returned by ChatStream when ChatStreamFn is nil
	StreamBody string

	// Custom behavior hooks (optional)
	CreateBatchFn       func() (string, error)
	GetBatchDocumentsFn func(batchID string) ([]domain.Document, error)
	InitUploadFn        func(req domain.InitUploadRequest) (*domain.UploadTarget, error)
	TransferFn          func(target *domain.UploadTarget, file domain.UploadFile) error
	CompleteUploadFn    func(documentID string) error
	GetDocumentFn       func(documentID string) (*domain.Document, error)
	ChatStreamFn        func(req domain.ChatRequest) (io.ReadCloser, error)
}

// NewMockBackend creates a new MockBackend
func NewMockBackend() *MockBackend {
	return &MockBackend{
		batches:   make(map[string][]string),
		documents: make(map[string]*domain.Document),
	}
}

// SetDocumentStatus changes the processing status reported for a document
func (m *MockBackend) SetDocumentStatus(documentID string, status domain.DocumentStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.documents[documentID]; ok {
		doc.Status = status
		return
	}
	m.documents[documentID] = &domain.Document{ID: documentID, Status: status}
}

// AddBatch seeds a batch with documents
func (m *MockBackend) AddBatch(batchID string, documentIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[batchID] = append([]string(nil), documentIDs...)
	for _, id := range documentIDs {
		if _, ok := m.documents[id]; !ok {
			m.documents[id] = &domain.Document{ID: id, Status: domain.DocumentStatusReady}
		}
	}
}

func (m *MockBackend) CreateBatch(ctx context.Context) (string, error) {
	if m.CreateBatchFn != nil {
		return m.CreateBatchFn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBatch++
	id := fmt.Sprintf("batch-%d", m.nextBatch)
	m.batches[id] = nil
	return id, nil
}

func (m *MockBackend) GetBatchDocuments(ctx context.Context, batchID string) ([]domain.Document, error) {
	if m.GetBatchDocumentsFn != nil {
		return m.GetBatchDocumentsFn(batchID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.batches[batchID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	docs := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, *m.documents[id])
	}
	return docs, nil
}

func (m *MockBackend) InitUpload(ctx context.Context, req domain.InitUploadRequest) (*domain.UploadTarget, error) {
	m.mu.Lock()
	m.InitRequests = append(m.InitRequests, req)
	m.mu.Unlock()

	if m.InitUploadFn != nil {
		return m.InitUploadFn(req)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDoc++
	id := fmt.Sprintf("d%d", m.nextDoc)
	m.documents[id] = &domain.Document{
		ID:       id,
		Name:     req.Filename,
		MimeType: req.MimeType,
		Size:     req.SizeBytes,
		Status:   domain.DocumentStatusUploading,
	}
	if req.BatchID != "" {
		m.batches[req.BatchID] = append(m.batches[req.BatchID], id)
	}
	return &domain.UploadTarget{
		DocumentID: id,
		UploadURL:  "http://storage.local/uploads/" + id,
		Fields:     map[string]string{"direct": "true"},
	}, nil
}

func (m *MockBackend) Transfer(ctx context.Context, target *domain.UploadTarget, file domain.UploadFile) error {
	m.mu.Lock()
	m.Transfers = append(m.Transfers, target.DocumentID)
	m.mu.Unlock()

	if m.TransferFn != nil {
		return m.TransferFn(target, file)
	}
	return nil
}

func (m *MockBackend) CompleteUpload(ctx context.Context, documentID string) error {
	m.mu.Lock()
	m.CompletedCalls = append(m.CompletedCalls, documentID)
	m.mu.Unlock()

	if m.CompleteUploadFn != nil {
		return m.CompleteUploadFn(documentID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return domain.ErrNotFound
	}
	doc.Status = domain.DocumentStatusProcessing
	return nil
}

func (m *MockBackend) GetDocument(ctx context.Context, documentID string) (*domain.Document, error) {
	if m.GetDocumentFn != nil {
		return m.GetDocumentFn(documentID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[documentID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *doc
	return &out, nil
}

func (m *MockBackend) ChatStream(ctx context.Context, req domain.ChatRequest) (io.ReadCloser, error) {
	m.mu.Lock()
	m.ChatRequests = append(m.ChatRequests, req)
	m.mu.Unlock()

	if m.ChatStreamFn != nil {
		return m.ChatStreamFn(req)
	}
	return io.NopCloser(strings.NewReader(m.StreamBody)), nil
}

// LastChatRequest returns the most recent chat request
func (m *MockBackend) LastChatRequest() (domain.ChatRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ChatRequests) == 0 {
		return domain.ChatRequest{}, false
	}
	return m.ChatRequests[len(m.ChatRequests)-1], true
}
