package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/splax/shipyard/pkg/config"
)

// Supported backends.
const (
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

// retryDelay is the pause after a failed broker read.
const retryDelay = time.Second

// ErrUnknownBackend is returned for an unsupported STREAM_BACKEND value.
var ErrUnknownBackend = errors.New("stream: unknown backend")

// Message is one record delivered from a partition.
type Message struct {
	Stream    string
	Partition int
	Offset    string
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Coordinates uniquely identifies the message within the broker.
func (m Message) Coordinates() string {
	return fmt.Sprintf("%s/%d/%s", m.Stream, m.Partition, m.Offset)
}

// Session is the per-partition broker handle passed with each batch.
type Session interface {
	// MarkProcessed advances the partition's consumer position past msg.
	MarkProcessed(ctx context.Context, msg Message) error
	// Heartbeat tells the broker this consumer is still working on the batch.
	Heartbeat(ctx context.Context) error
}

// BatchHandler processes one batch from a single partition. Batches of one
// partition are never handled concurrently.
type BatchHandler func(ctx context.Context, session Session, batch []Message) error

// Consumer delivers batches under a shared consumer group until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, handler BatchHandler) error
	Ping(ctx context.Context) error
	Close() error
}

// Producer appends records; records with the same key land on the same partition.
type Producer interface {
	Publish(ctx context.Context, key, value []byte) error
	Close() error
}

// PartitionFor maps a key onto one of n partitions.
func PartitionFor(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(n))
}

// NewConsumer opens the consumer selected by cfg.Backend.
func NewConsumer(cfg config.StreamConfig, logger *slog.Logger) (Consumer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendRedis, "":
		return NewRedisConsumer(cfg, logger)
	case BackendKafka:
		return NewKafkaConsumer(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// NewProducer opens the producer selected by cfg.Backend.
func NewProducer(cfg config.StreamConfig) (Producer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendRedis, "":
		return NewRedisProducer(cfg)
	case BackendKafka:
		return NewKafkaProducer(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
