package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/patrickmn/go-cache"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.BatchStore = (*BatchStore)(nil)

const watchBuffer = 16

// BatchStore implements driven.BatchStore for views living in one process.
// Values are kept in a non-expiring cache and changes travel over an
// in-memory pub/sub, so it works without Redis.
type BatchStore struct {
	// mu serialises read-modify-write cycles and their announcements
	mu     sync.Mutex
	values *cache.Cache
	pubsub *gochannel.GoChannel
	logger *slog.Logger
}

// NewBatchStore creates an empty in-memory BatchStore
func NewBatchStore(logger *slog.Logger) *BatchStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchStore{
		values: cache.New(cache.NoExpiration, 0),
		pubsub: gochannel.NewGoChannel(
			// Each publish waits for subscribers so views see writes in order
			gochannel.Config{BlockPublishUntilSubscriberAck: true},
			watermill.NewStdLogger(false, false),
		),
		logger: logger,
	}
}

// Seed writes raw persisted values, e.g. state carried over from an older client
func (s *BatchStore) Seed(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		s.values.Set(k, v, cache.NoExpiration)
	}
}

// Load returns the current snapshot
func (s *BatchStore) Load(ctx context.Context) (domain.BatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// Update applies fn atomically and announces the result
func (s *BatchStore) Update(ctx context.Context, origin string, fn func(domain.BatchSnapshot) (domain.BatchSnapshot, bool)) (domain.BatchSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshotLocked()
	next, write := fn(current)
	if !write {
		return current, nil
	}

	for k, v := range domain.SnapshotValues(next) {
		s.values.Set(k, v, cache.NoExpiration)
	}
	stored := s.snapshotLocked()

	payload, err := json.Marshal(domain.BatchChange{Origin: origin, Snapshot: stored})
	if err != nil {
		return stored, fmt.Errorf("failed to marshal batch change: %w", err)
	}
	if err := s.pubsub.Publish(domain.TopicBatchChanged, message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		s.logger.Warn("failed to publish batch change", "error", err)
	}
	return stored, nil
}

// Watch subscribes to changes. The channel is closed when ctx is done.
func (s *BatchStore) Watch(ctx context.Context) (<-chan domain.BatchChange, error) {
	messages, err := s.pubsub.Subscribe(ctx, domain.TopicBatchChanged)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", domain.TopicBatchChanged, err)
	}

	out := make(chan domain.BatchChange, watchBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var change domain.BatchChange
			err := json.Unmarshal(msg.Payload, &change)
			msg.Ack()
			if err != nil {
				s.logger.Warn("ignoring malformed batch change", "error", err)
				continue
			}
			offer(out, change)
		}
	}()

	return out, nil
}

// offer never blocks: publishers wait on acks while holding the store lock.
// When the buffer is full the oldest change is dropped, since every change
// carries the complete snapshot.
func offer(out chan domain.BatchChange, change domain.BatchChange) {
	for {
		select {
		case out <- change:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// Ping always succeeds
func (s *BatchStore) Ping(ctx context.Context) error {
	return nil
}

// Close shuts down the pub/sub; open watch channels are closed
func (s *BatchStore) Close() error {
	return s.pubsub.Close()
}

func (s *BatchStore) snapshotLocked() domain.BatchSnapshot {
	return domain.SnapshotFromValues(
		s.get(domain.KeyCurrentBatchID),
		s.get(domain.KeyCurrentBatchDocIDs),
		s.get(domain.KeyLegacyDocIDs),
		s.get(domain.KeyCurrentBatchProvisional),
	)
}

func (s *BatchStore) get(key string) string {
	v, ok := s.values.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}
