package mocks

import (
	"context"
	"sync"

	"github.com/krishbadri/rag-project/internal/core/domain"
)

// MockBatchStore is an in-memory BatchStore for testing.
// It keeps raw key values so tests can seed malformed persisted state.
type MockBatchStore struct {
	mu       sync.Mutex
	values   map[string]string
	watchers []chan domain.BatchChange
	writes   int

	// Custom behavior hooks (optional)
	LoadFn   func() (domain.BatchSnapshot, error)
	UpdateFn func(origin string) error
	PingFn   func() error
}

// NewMockBatchStore creates a new MockBatchStore
func NewMockBatchStore() *MockBatchStore {
	return &MockBatchStore{
		values: make(map[string]string),
	}
}

// SetRaw seeds a raw persisted value
func (m *MockBatchStore) SetRaw(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Raw returns a raw persisted value
func (m *MockBatchStore) Raw(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

// Writes returns how many updates were persisted
func (m *MockBatchStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MockBatchStore) Load(ctx context.Context) (domain.BatchSnapshot, error) {
	if m.LoadFn != nil {
		return m.LoadFn()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(), nil
}

func (m *MockBatchStore) Update(ctx context.Context, origin string, fn func(domain.BatchSnapshot) (domain.BatchSnapshot, bool)) (domain.BatchSnapshot, error) {
	if m.UpdateFn != nil {
		if err := m.UpdateFn(origin); err != nil {
			return domain.BatchSnapshot{}, err
		}
	}

	m.mu.Lock()
	current := m.snapshotLocked()
	next, write := fn(current)
	if !write {
		m.mu.Unlock()
		return current, nil
	}
	for k, v := range domain.SnapshotValues(next) {
		m.values[k] = v
	}
	m.writes++
	stored := m.snapshotLocked()

	// Sends happen under the lock so Watch cannot close a channel mid-send
	change := domain.BatchChange{Origin: origin, Snapshot: stored}
	for _, ch := range m.watchers {
		select {
		case ch <- change:
		default:
		}
	}
	m.mu.Unlock()
	return stored, nil
}

func (m *MockBatchStore) Watch(ctx context.Context) (<-chan domain.BatchChange, error) {
	ch := make(chan domain.BatchChange, 64)

	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *MockBatchStore) Ping(ctx context.Context) error {
	if m.PingFn != nil {
		return m.PingFn()
	}
	return nil
}

func (m *MockBatchStore) Close() error {
	return nil
}

func (m *MockBatchStore) snapshotLocked() domain.BatchSnapshot {
	return domain.SnapshotFromValues(
		m.values[domain.KeyCurrentBatchID],
		m.values[domain.KeyCurrentBatchDocIDs],
		m.values[domain.KeyLegacyDocIDs],
		m.values[domain.KeyCurrentBatchProvisional],
	)
}
