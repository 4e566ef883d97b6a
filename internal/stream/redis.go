package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/splax/shipyard/pkg/config"
)

const (
	fieldKey   = "key"
	fieldValue = "value"
)

func partitionStream(name string, partition int) string {
	return name + ":" + strconv.Itoa(partition)
}

func newRedisClient(cfg config.StreamConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// RedisConsumer reads partition streams through a Redis consumer group.
// Entries left pending by a crashed or stalled consumer are reclaimed with
// XAUTOCLAIM once they have been idle for ClaimMinIdle.
type RedisConsumer struct {
	client redis.UniversalClient
	cfg    config.StreamConfig
	logger *slog.Logger
}

// NewRedisConsumer connects a consumer using cfg.
func NewRedisConsumer(cfg config.StreamConfig, logger *slog.Logger) (*RedisConsumer, error) {
	return newRedisConsumer(newRedisClient(cfg), cfg, logger)
}

func newRedisConsumer(client redis.UniversalClient, cfg config.StreamConfig, logger *slog.Logger) (*RedisConsumer, error) {
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("stream partitions must be positive, got %d", cfg.Partitions)
	}
	if strings.TrimSpace(cfg.ConsumerGroup) == "" || strings.TrimSpace(cfg.ConsumerName) == "" {
		return nil, errors.New("consumer group and consumer name are required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisConsumer{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "stream", "backend", BackendRedis),
	}, nil
}

// Ping checks connectivity to Redis.
func (c *RedisConsumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (c *RedisConsumer) Close() error {
	return c.client.Close()
}

// Consume runs one reader per partition until ctx is cancelled.
func (c *RedisConsumer) Consume(ctx context.Context, handler BatchHandler) error {
	for p := 0; p < c.cfg.Partitions; p++ {
		if err := c.ensureGroup(ctx, partitionStream(c.cfg.Name, p)); err != nil {
			return err
		}
	}
	c.logger.Info("consumer started",
		"stream", c.cfg.Name,
		"partitions", c.cfg.Partitions,
		"group", c.cfg.ConsumerGroup,
		"consumer", c.cfg.ConsumerName,
	)

	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < c.cfg.Partitions; p++ {
		partition := p
		g.Go(func() error {
			c.consumePartition(gctx, partition, handler)
			return nil
		})
	}
	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

func (c *RedisConsumer) ensureGroup(ctx context.Context, stream string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, c.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", stream, err)
	}
	return nil
}

func (c *RedisConsumer) consumePartition(ctx context.Context, partition int, handler BatchHandler) {
	stream := partitionStream(c.cfg.Name, partition)
	log := c.logger.With("partition", partition)
	claimCursor := "0-0"

	for ctx.Err() == nil {
		batch, next, err := c.claimStale(ctx, stream, partition, claimCursor)
		if err == nil {
			claimCursor = next
			if len(batch) == 0 {
				batch, err = c.readNew(ctx, stream, partition)
			} else {
				log.Info("reclaimed idle messages", "count", len(batch))
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("stream read failed", "error", err)
			sleep(ctx, retryDelay)
			continue
		}
		if len(batch) == 0 {
			continue
		}

		session := newRedisSession(c.client, stream, c.cfg, batch)
		if err := handler(ctx, session, batch); err != nil && ctx.Err() == nil {
			log.Error("batch handler failed", "error", err)
		}
	}
}

// claimStale takes over entries pending longer than ClaimMinIdle, including this
// consumer's own entries from a previous run.
func (c *RedisConsumer) claimStale(ctx context.Context, stream string, partition int, cursor string) ([]Message, string, error) {
	if c.cfg.ClaimMinIdle <= 0 {
		return nil, cursor, nil
	}
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		MinIdle:  c.cfg.ClaimMinIdle,
		Start:    cursor,
		Count:    int64(c.cfg.BatchSize),
	}).Result()
	if err != nil {
		return nil, cursor, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	if next == "" {
		next = "0-0"
	}
	return toMessages(c.cfg.Name, partition, msgs), next, nil
}

func (c *RedisConsumer) readNew(ctx context.Context, stream string, partition int) ([]Message, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.ConsumerGroup,
		Consumer: c.cfg.ConsumerName,
		Streams:  []string{stream, ">"},
		Count:    int64(c.cfg.BatchSize),
		Block:    c.cfg.BlockTimeout,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	var out []Message
	for _, s := range res {
		out = append(out, toMessages(c.cfg.Name, partition, s.Messages)...)
	}
	return out, nil
}

func toMessages(name string, partition int, in []redis.XMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, xm := range in {
		out = append(out, Message{
			Stream:    name,
			Partition: partition,
			Offset:    xm.ID,
			Key:       fieldBytes(xm.Values[fieldKey]),
			Value:     fieldBytes(xm.Values[fieldValue]),
			Timestamp: entryTime(xm.ID),
		})
	}
	return out
}

func fieldBytes(v any) []byte {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case []byte:
		return t
	default:
		return nil
	}
}

// entryTime extracts the millisecond timestamp prefix of a stream entry id.
func entryTime(id string) time.Time {
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

type redisSession struct {
	client redis.UniversalClient
	stream string
	group  string
	owner  string
	every  time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
	lastHB  time.Time
	now     func() time.Time
}

func newRedisSession(client redis.UniversalClient, stream string, cfg config.StreamConfig, batch []Message) *redisSession {
	pending := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		pending[m.Offset] = struct{}{}
	}
	return &redisSession{
		client:  client,
		stream:  stream,
		group:   cfg.ConsumerGroup,
		owner:   cfg.ConsumerName,
		every:   cfg.HeartbeatEvery,
		pending: pending,
		lastHB:  time.Now(),
		now:     time.Now,
	}
}

func (s *redisSession) MarkProcessed(ctx context.Context, msg Message) error {
	if err := s.client.XAck(ctx, s.stream, s.group, msg.Offset).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", s.stream, msg.Offset, err)
	}
	s.mu.Lock()
	delete(s.pending, msg.Offset)
	s.mu.Unlock()
	return nil
}

// Heartbeat resets the idle time of the batch's unacknowledged entries so peers
// do not reclaim them mid-batch. Calls closer together than HeartbeatEvery are no-ops.
func (s *redisSession) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	now := s.now()
	if now.Sub(s.lastHB) < s.every || len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.lastHB = now
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	err := s.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.owner,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil {
		return fmt.Errorf("xclaim heartbeat %s: %w", s.stream, err)
	}
	return nil
}

// RedisProducer appends records to the partition stream chosen by key hash.
type RedisProducer struct {
	client     redis.UniversalClient
	name       string
	partitions int
	maxLen     int64
}

// NewRedisProducer connects a producer using cfg.
func NewRedisProducer(cfg config.StreamConfig) (*RedisProducer, error) {
	return newRedisProducer(newRedisClient(cfg), cfg)
}

func newRedisProducer(client redis.UniversalClient, cfg config.StreamConfig) (*RedisProducer, error) {
	if cfg.Partitions <= 0 {
		return nil, fmt.Errorf("stream partitions must be positive, got %d", cfg.Partitions)
	}
	return &RedisProducer{client: client, name: cfg.Name, partitions: cfg.Partitions, maxLen: cfg.MaxLen}, nil
}

// Publish appends one record.
func (p *RedisProducer) Publish(ctx context.Context, key, value []byte) error {
	stream := partitionStream(p.name, PartitionFor(key, p.partitions))
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{fieldKey: string(key), fieldValue: string(value)},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (p *RedisProducer) Close() error {
	return p.client.Close()
}
