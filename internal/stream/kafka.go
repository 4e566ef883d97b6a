package stream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"golang.org/x/sync/errgroup"

	"github.com/splax/shipyard/pkg/config"
)

const kafkaDrainWindow = 50 * time.Millisecond

// kafkaReader is the subset of *kafka.Reader used by the consumer.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads the topic through a Kafka consumer group. Kafka commits are
// cumulative per partition, so once a message of a partition is left unmarked,
// nothing after it on that partition is committed. The reader has already fetched
// past the gap, so the consumer closes it and rejoins the group, which resumes
// every partition from its last committed offset.
type KafkaConsumer struct {
	open        func() kafkaReader
	brokers     []string
	dialer      *kafka.Dialer
	cfg         config.StreamConfig
	logger      *slog.Logger
	rejoinDelay time.Duration

	mu      sync.Mutex
	reader  kafkaReader
	stalled map[int]int64
}

func kafkaSecurity(cfg config.StreamConfig) (sasl.Mechanism, *tls.Config, error) {
	var mechanism sasl.Mechanism
	if cfg.KafkaUsername != "" {
		mechanism = plain.Mechanism{Username: cfg.KafkaUsername, Password: cfg.KafkaPassword}
	}
	if cfg.KafkaCAFile == "" {
		return mechanism, nil, nil
	}
	pem, err := os.ReadFile(cfg.KafkaCAFile)
	if err != nil {
		return nil, nil, fmt.Errorf("read kafka ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, nil, errors.New("kafka ca file holds no certificates")
	}
	return mechanism, &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// NewKafkaConsumer builds a consumer-group reader on cfg.Name.
func NewKafkaConsumer(cfg config.StreamConfig, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	mechanism, tlsCfg, err := kafkaSecurity(cfg)
	if err != nil {
		return nil, err
	}
	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mechanism,
		TLS:           tlsCfg,
	}
	readerCfg := kafka.ReaderConfig{
		Brokers:           cfg.KafkaBrokers,
		GroupID:           cfg.ConsumerGroup,
		Topic:             cfg.Name,
		Dialer:            dialer,
		MinBytes:          1,
		MaxBytes:          10e6,
		MaxWait:           cfg.BlockTimeout,
		HeartbeatInterval: cfg.HeartbeatEvery,
		CommitInterval:    0,
		StartOffset:       kafka.FirstOffset,
	}
	open := func() kafkaReader { return kafka.NewReader(readerCfg) }
	return newKafkaConsumer(open, cfg, logger, dialer), nil
}

func newKafkaConsumer(open func() kafkaReader, cfg config.StreamConfig, logger *slog.Logger, dialer *kafka.Dialer) *KafkaConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaConsumer{
		open:        open,
		brokers:     cfg.KafkaBrokers,
		dialer:      dialer,
		cfg:         cfg,
		logger:      logger.With("component", "stream", "backend", BackendKafka),
		rejoinDelay: retryDelay,
		reader:      open(),
		stalled:     map[int]int64{},
	}
}

// Ping dials the first reachable broker.
func (c *KafkaConsumer) Ping(ctx context.Context) error {
	if c.dialer == nil {
		return nil
	}
	var lastErr error
	for _, broker := range c.brokers {
		conn, err := c.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			return conn.Close()
		}
		lastErr = err
	}
	return fmt.Errorf("kafka ping: %w", lastErr)
}

// Close leaves the consumer group.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader.Close()
}

func (c *KafkaConsumer) currentReader() kafkaReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// stalledAt reports whether partition has an uncommitted gap.
func (c *KafkaConsumer) stalledAt(partition int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.stalled[partition]
	return ok
}

func (c *KafkaConsumer) markStalled(partition int, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.stalled[partition]; !ok {
		c.stalled[partition] = offset
	}
}

// rejoin replaces the reader so fetching restarts from the committed offsets.
func (c *KafkaConsumer) rejoin(ctx context.Context) {
	c.mu.Lock()
	pending := len(c.stalled)
	c.mu.Unlock()
	if pending == 0 {
		return
	}
	sleep(ctx, c.rejoinDelay)
	if ctx.Err() != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reader.Close(); err != nil {
		c.logger.Warn("closing kafka reader failed", "error", err)
	}
	c.logger.Info("rejoining consumer group to redeliver unprocessed messages", "gaps", c.stalled)
	c.reader = c.open()
	c.stalled = map[int]int64{}
}

// Consume fetches batches, splits them by partition and handles partitions
// concurrently. The next fetch starts only after every partition finished.
func (c *KafkaConsumer) Consume(ctx context.Context, handler BatchHandler) error {
	c.logger.Info("consumer started", "topic", c.cfg.Name, "group", c.cfg.ConsumerGroup)
	for {
		reader := c.currentReader()
		batch, err := c.fetchBatch(ctx, reader)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Warn("kafka fetch failed", "error", err)
			sleep(ctx, retryDelay)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, part := range splitByPartition(batch) {
			part := part
			g.Go(func() error {
				session := newKafkaSession(reader, part.raw, c.stalledAt(part.partition))
				if err := handler(gctx, session, part.msgs); err != nil && gctx.Err() == nil {
					c.logger.Error("batch handler failed", "partition", part.partition, "error", err)
				}
				if offset, ok := session.firstUncommitted(); ok {
					c.markStalled(part.partition, offset)
				}
				return nil
			})
		}
		_ = g.Wait()
		c.rejoin(ctx)
	}
}

// fetchBatch blocks for the first message, then drains whatever arrives within a
// short window up to BatchSize.
func (c *KafkaConsumer) fetchBatch(ctx context.Context, reader kafkaReader) ([]kafka.Message, error) {
	first, err := reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	batch := []kafka.Message{first}
	drainCtx, cancel := context.WithTimeout(ctx, kafkaDrainWindow)
	defer cancel()
	for len(batch) < c.cfg.BatchSize {
		m, err := reader.FetchMessage(drainCtx)
		if err != nil {
			break
		}
		batch = append(batch, m)
	}
	return batch, nil
}

type kafkaPartition struct {
	partition int
	raw       []kafka.Message
	msgs      []Message
}

func splitByPartition(batch []kafka.Message) []kafkaPartition {
	index := map[int]*kafkaPartition{}
	for _, km := range batch {
		p, ok := index[km.Partition]
		if !ok {
			p = &kafkaPartition{partition: km.Partition}
			index[km.Partition] = p
		}
		p.raw = append(p.raw, km)
		p.msgs = append(p.msgs, Message{
			Stream:    km.Topic,
			Partition: km.Partition,
			Offset:    strconv.FormatInt(km.Offset, 10),
			Key:       km.Key,
			Value:     km.Value,
			Timestamp: km.Time,
		})
	}
	out := make([]kafkaPartition, 0, len(index))
	for _, p := range index {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].partition < out[j].partition })
	return out
}

type kafkaSession struct {
	reader kafkaReader

	mu      sync.Mutex
	raw     map[string]kafka.Message
	order   []string
	next    int
	stalled bool
}

// newKafkaSession starts stalled when an earlier batch left a gap on the partition.
func newKafkaSession(reader kafkaReader, raw []kafka.Message, stalled bool) *kafkaSession {
	s := &kafkaSession{reader: reader, raw: make(map[string]kafka.Message, len(raw)), stalled: stalled}
	for _, m := range raw {
		off := strconv.FormatInt(m.Offset, 10)
		s.raw[off] = m
		s.order = append(s.order, off)
	}
	return s
}

// MarkProcessed commits msg only while every earlier message of the batch has
// been marked.
func (s *kafkaSession) MarkProcessed(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	km, ok := s.raw[msg.Offset]
	if !ok {
		return fmt.Errorf("offset %s is not part of this batch", msg.Offset)
	}
	if s.stalled || s.next >= len(s.order) || s.order[s.next] != msg.Offset {
		s.stalled = true
		return nil
	}
	if err := s.reader.CommitMessages(ctx, km); err != nil {
		s.stalled = true
		return fmt.Errorf("commit offset %s: %w", msg.Offset, err)
	}
	s.next++
	return nil
}

// firstUncommitted returns the offset of the first message of the batch that
// was not committed.
func (s *kafkaSession) firstUncommitted() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.order) {
		return 0, false
	}
	return s.raw[s.order[s.next]].Offset, true
}

// Heartbeat is a no-op: the reader heartbeats to the group coordinator in the background.
func (s *kafkaSession) Heartbeat(ctx context.Context) error {
	return nil
}

// KafkaProducer writes records with key-hash partitioning.
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewKafkaProducer builds a writer on cfg.Name.
func NewKafkaProducer(cfg config.StreamConfig) (*KafkaProducer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	mechanism, tlsCfg, err := kafkaSecurity(cfg)
	if err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.Name,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Transport: &kafka.Transport{
			SASL: mechanism,
			TLS:  tlsCfg,
		},
	}
	return &KafkaProducer{writer: writer}, nil
}

// Publish writes one record.
func (p *KafkaProducer) Publish(ctx context.Context, key, value []byte) error {
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes pending writes.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

