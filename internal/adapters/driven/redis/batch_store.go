package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/krishbadri/rag-project/internal/core/domain"
	"github.com/krishbadri/rag-project/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.BatchStore = (*BatchStore)(nil)

const (
	// DefaultNamespace groups the keys of one workspace
	DefaultNamespace = "rag"

	// batchStateSuffix names the hash holding the persisted batch keys
	batchStateSuffix = ":batch"

	// maxUpdateRetries bounds optimistic retries when another view writes concurrently
	maxUpdateRetries = 10

	watchBuffer = 16
)

// BatchStore implements driven.BatchStore using Redis.
// Batch keys live in one hash so a snapshot is read and written atomically;
// writes are announced on a pub/sub channel to every view sharing the namespace.
type BatchStore struct {
	client   *redis.Client
	stateKey string
	channel  string
	logger   *slog.Logger
}

// NewBatchStore creates a new Redis-backed BatchStore.
// The client is owned by the caller.
func NewBatchStore(client *redis.Client, namespace string, logger *slog.Logger) *BatchStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchStore{
		client:   client,
		stateKey: namespace + batchStateSuffix,
		channel:  namespace + ":" + domain.TopicBatchChanged,
		logger:   logger,
	}
}

// Load reads the persisted snapshot; missing keys give an empty snapshot
func (s *BatchStore) Load(ctx context.Context) (domain.BatchSnapshot, error) {
	values, err := s.client.HGetAll(ctx, s.stateKey).Result()
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("failed to load batch state: %w", err)
	}
	return snapshotFromHash(values), nil
}

// Update applies fn under optimistic locking and announces the result.
// fn may be called again if another writer changes the state concurrently.
func (s *BatchStore) Update(ctx context.Context, origin string, fn func(domain.BatchSnapshot) (domain.BatchSnapshot, bool)) (domain.BatchSnapshot, error) {
	var (
		result  domain.BatchSnapshot
		written bool
	)

	txf := func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, s.stateKey).Result()
		if err != nil {
			return err
		}
		current := snapshotFromHash(values)

		next, write := fn(current)
		if !write {
			result, written = current, false
			return nil
		}

		stored := domain.SnapshotValues(next)
		fields := make(map[string]interface{}, len(stored))
		for k, v := range stored {
			fields[k] = v
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.stateKey, fields)
			return nil
		})
		if err != nil {
			return err
		}

		// Re-derive so the caller sees exactly what a Load would return
		result, written = snapshotFromHash(stored), true
		return nil
	}

	var err error
	for i := 0; i < maxUpdateRetries; i++ {
		err = s.client.Watch(ctx, txf, s.stateKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return domain.BatchSnapshot{}, fmt.Errorf("failed to update batch state: %w", err)
	}

	if written {
		s.publish(ctx, domain.BatchChange{Origin: origin, Snapshot: result})
	}
	return result, nil
}

// publish announces a change; a lost notification only delays other views
func (s *BatchStore) publish(ctx context.Context, change domain.BatchChange) {
	data, err := json.Marshal(change)
	if err != nil {
		s.logger.Error("failed to marshal batch change", "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.logger.Warn("failed to publish batch change", "channel", s.channel, "error", err)
	}
}

// Watch subscribes to changes written through any BatchStore on the namespace.
// The channel is closed when ctx is done.
func (s *BatchStore) Watch(ctx context.Context) (<-chan domain.BatchChange, error) {
	sub := s.client.Subscribe(ctx, s.channel)

	// Wait for confirmation so no write after Watch returns is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	out := make(chan domain.BatchChange, watchBuffer)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change domain.BatchChange
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					s.logger.Warn("ignoring malformed batch change", "error", err)
					continue
				}
				change.Snapshot = change.Snapshot.Clone()
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks Redis connectivity
func (s *BatchStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	return nil
}

// Close is a no-op; the client is closed by its owner
func (s *BatchStore) Close() error {
	return nil
}

func snapshotFromHash(values map[string]string) domain.BatchSnapshot {
	return domain.SnapshotFromValues(
		values[domain.KeyCurrentBatchID],
		values[domain.KeyCurrentBatchDocIDs],
		values[domain.KeyLegacyDocIDs],
		values[domain.KeyCurrentBatchProvisional],
	)
}
