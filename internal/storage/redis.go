package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChangesChannel = "variantz:snapshots"

// RedisStore keeps snapshots as plain string keys and exposures in one
// stream per namespace.
type RedisStore struct {
	snapshots
	client *redis.Client
}

// OpenRedis connects to the server described by a redis:// URL.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client), nil
}

func NewRedisStore(client *redis.Client) *RedisStore {
	s := &RedisStore{client: client}
	s.snapshots = snapshots{raw: s}
	return s
}

func snapshotKey(namespace, kind string) string {
	return "variantz:" + namespace + ":" + kind
}

func exposureStream(namespace string) string {
	return "variantz:" + namespace + ":exposures"
}

func (s *RedisStore) Get(ctx context.Context, namespace, kind string) ([]byte, error) {
	payload, err := s.client.Get(ctx, snapshotKey(namespace, kind)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s snapshot: %w", kind, err)
	}
	return payload, nil
}

// Put stores the snapshot and publishes the namespace on the changes channel
// in one MULTI/EXEC.
func (s *RedisStore) Put(ctx context.Context, namespace, kind string, payload []byte) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, snapshotKey(namespace, kind), payload, 0)
		pipe.Publish(ctx, redisChangesChannel, namespace)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s snapshot: %w", kind, err)
	}
	return nil
}

// AppendExposure adds the exposure to the namespace's stream.
func (s *RedisStore) AppendExposure(ctx context.Context, record ExposureRecord) error {
	metadata, err := encodeMetadata(record.Metadata)
	if err != nil {
		return err
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: exposureStream(record.Namespace),
		Values: map[string]any{
			"insert_id":      record.InsertID,
			"flag_key":       record.FlagKey,
			"variant":        record.Variant,
			"experiment_key": record.ExperimentKey,
			"subject":        record.Subject,
			"metadata":       metadata,
			"created_at":     createdAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append exposure: %w", err)
	}
	return nil
}

// ListExposures returns up to limit exposures for a namespace, oldest first.
func (s *RedisStore) ListExposures(ctx context.Context, namespace string, limit int) ([]ExposureRecord, error) {
	messages, err := s.client.XRangeN(ctx, exposureStream(namespace), "-", "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("list exposures: %w", err)
	}

	records := make([]ExposureRecord, 0, len(messages))
	for _, message := range messages {
		field := func(name string) string {
			value, _ := message.Values[name].(string)
			return value
		}
		record := ExposureRecord{
			InsertID:      field("insert_id"),
			Namespace:     namespace,
			FlagKey:       field("flag_key"),
			Variant:       field("variant"),
			ExperimentKey: field("experiment_key"),
			Subject:       field("subject"),
		}
		if record.Metadata, err = decodeMetadata([]byte(field("metadata"))); err != nil {
			return nil, err
		}
		if record.CreatedAt, err = time.Parse(time.RFC3339Nano, field("created_at")); err != nil {
			return nil, fmt.Errorf("parse exposure time: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

// Subscribe returns a channel that receives the namespace of every snapshot
// written through any RedisStore on the same server. The channel is closed
// when ctx is done.
func (s *RedisStore) Subscribe(ctx context.Context) <-chan string {
	pubsub := s.client.Subscribe(ctx, redisChangesChannel)
	changes := make(chan string, 16)

	go func() {
		defer close(changes)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case message, ok := <-messages:
				if !ok {
					return
				}
				select {
				case changes <- message.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return changes
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
