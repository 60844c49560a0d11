package mocks

import (
	"context"
	"sync"
)

// MockProcessingWatcher completes every document immediately unless AwaitFn is set
type MockProcessingWatcher struct {
	mu      sync.Mutex
	awaited []string

	AwaitFn func(ctx context.Context, documentID string) error
}

// NewMockProcessingWatcher creates a new MockProcessingWatcher
func NewMockProcessingWatcher() *MockProcessingWatcher {
	return &MockProcessingWatcher{}
}

func (m *MockProcessingWatcher) Await(ctx context.Context, documentID string) error {
	m.mu.Lock()
	m.awaited = append(m.awaited, documentID)
	m.mu.Unlock()

	if m.AwaitFn != nil {
		return m.AwaitFn(ctx, documentID)
	}
	return nil
}

// Awaited returns the document ids passed to Await
func (m *MockProcessingWatcher) Awaited() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.awaited...)
}
