package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/splax/shipyard/pkg/config"
)

func TestPartitionForIsStableAndInRange(t *testing.T) {
	keys := [][]byte{[]byte("d1"), []byte("d2"), []byte("3f2a"), nil}
	for _, key := range keys {
		first := PartitionFor(key, 8)
		if first < 0 || first >= 8 {
			t.Fatalf("partition %d out of range", first)
		}
		if again := PartitionFor(key, 8); again != first {
			t.Fatalf("partition for %q changed: %d != %d", key, first, again)
		}
	}
	if PartitionFor([]byte("d1"), 1) != 0 || PartitionFor([]byte("d1"), 0) != 0 {
		t.Fatal("single partition must map to 0")
	}
}

func TestMessageCoordinates(t *testing.T) {
	m := Message{Stream: "container-logs", Partition: 3, Offset: "1700000000000-0"}
	if got := m.Coordinates(); got != "container-logs/3/1700000000000-0" {
		t.Fatalf("unexpected coordinates %q", got)
	}
}

func TestToMessagesReadsFieldsAndTimestamp(t *testing.T) {
	msgs := toMessages("container-logs", 1, []redis.XMessage{
		{ID: "1700000000123-0", Values: map[string]any{fieldKey: "d1", fieldValue: `{"DEPLOYMENT_ID":"d1"}`}},
		{ID: "bogus", Values: nil},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Key) != "d1" || string(msgs[0].Value) != `{"DEPLOYMENT_ID":"d1"}` {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
	if !msgs[0].Timestamp.Equal(time.UnixMilli(1700000000123)) {
		t.Fatalf("unexpected timestamp %v", msgs[0].Timestamp)
	}
	if msgs[0].Partition != 1 || msgs[0].Stream != "container-logs" {
		t.Fatalf("unexpected coordinates %+v", msgs[0])
	}
	if msgs[1].Value != nil || !msgs[1].Timestamp.IsZero() {
		t.Fatalf("expected empty value and zero time, got %+v", msgs[1])
	}
}

func TestNewConsumerRejectsUnknownBackend(t *testing.T) {
	if _, err := NewConsumer(config.StreamConfig{Backend: "nats"}, nil); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
	if _, err := NewProducer(config.StreamConfig{Backend: "nats"}); !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestNewRedisConsumerValidatesConfig(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()
	if _, err := newRedisConsumer(client, config.StreamConfig{Partitions: 0, ConsumerGroup: "g", ConsumerName: "c"}, nil); err == nil {
		t.Fatal("expected error for zero partitions")
	}
	if _, err := newRedisConsumer(client, config.StreamConfig{Partitions: 2}, nil); err == nil {
		t.Fatal("expected error for missing group")
	}
}

type fakeKafkaReader struct {
	committed []int64
	commitErr error
}

func (f *fakeKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeKafkaReader) Close() error { return nil }

func TestKafkaSessionStopsCommittingAfterGap(t *testing.T) {
	raw := []kafka.Message{
		{Topic: "container-logs", Partition: 0, Offset: 10},
		{Topic: "container-logs", Partition: 0, Offset: 11},
		{Topic: "container-logs", Partition: 0, Offset: 12},
	}
	parts := splitByPartition(raw)
	if len(parts) != 1 {
		t.Fatalf("expected one partition, got %d", len(parts))
	}
	reader := &fakeKafkaReader{}
	session := newKafkaSession(reader, parts[0].raw, false)
	msgs := parts[0].msgs

	if err := session.MarkProcessed(context.Background(), msgs[0]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	// msgs[1] failed to persist and is never marked.
	if err := session.MarkProcessed(context.Background(), msgs[2]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if len(reader.committed) != 1 || reader.committed[0] != 10 {
		t.Fatalf("expected only offset 10 committed, got %v", reader.committed)
	}
	if off, ok := session.firstUncommitted(); !ok || off != 11 {
		t.Fatalf("expected gap at offset 11, got %d %v", off, ok)
	}
	if err := session.MarkProcessed(context.Background(), Message{Offset: "99"}); err == nil {
		t.Fatal("expected error for foreign offset")
	}
}

func TestKafkaSessionCommitFailureStalls(t *testing.T) {
	raw := []kafka.Message{{Partition: 0, Offset: 1}, {Partition: 0, Offset: 2}}
	reader := &fakeKafkaReader{commitErr: errors.New("coordinator moved")}
	session := newKafkaSession(reader, raw, false)
	msgs := splitByPartition(raw)[0].msgs

	if err := session.MarkProcessed(context.Background(), msgs[0]); err == nil {
		t.Fatal("expected commit error")
	}
	reader.commitErr = nil
	if err := session.MarkProcessed(context.Background(), msgs[1]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if len(reader.committed) != 0 {
		t.Fatalf("expected no commits after a failed commit, got %v", reader.committed)
	}
}

func TestSplitByPartitionKeepsOrder(t *testing.T) {
	raw := []kafka.Message{
		{Partition: 2, Offset: 5, Key: []byte("b")},
		{Partition: 0, Offset: 7, Key: []byte("a")},
		{Partition: 2, Offset: 6, Key: []byte("b")},
	}
	parts := splitByPartition(raw)
	if len(parts) != 2 || parts[0].partition != 0 || parts[1].partition != 2 {
		t.Fatalf("unexpected partitions %+v", parts)
	}
	if parts[1].msgs[0].Offset != "5" || parts[1].msgs[1].Offset != "6" {
		t.Fatalf("expected arrival order, got %+v", parts[1].msgs)
	}
}

func TestKafkaConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newKafkaConsumer(func() kafkaReader { return &fakeKafkaReader{} }, config.StreamConfig{Name: "container-logs"}, nil, nil)
	cancel()
	if err := c.Consume(ctx, func(context.Context, Session, []Message) error { return nil }); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestKafkaSessionStartsStalledAfterEarlierGap(t *testing.T) {
	raw := []kafka.Message{{Partition: 0, Offset: 12}}
	reader := &fakeKafkaReader{}
	session := newKafkaSession(reader, raw, true)
	if err := session.MarkProcessed(context.Background(), splitByPartition(raw)[0].msgs[0]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if len(reader.committed) != 0 {
		t.Fatalf("a partition with an earlier gap must not commit, got %v", reader.committed)
	}
}

// scriptedKafkaReader serves fixed batches. An empty fetch between batches
// blocks until the caller's context ends, which closes the drain window.
type scriptedKafkaReader struct {
	mu        sync.Mutex
	batches   [][]kafka.Message
	current   []kafka.Message
	boundary  bool
	committed []int64
	closed    bool
}

func (r *scriptedKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.current) == 0 && !r.boundary && len(r.batches) > 0 {
		r.current, r.batches = r.batches[0], r.batches[1:]
	}
	if len(r.current) > 0 {
		m := r.current[0]
		r.current = r.current[1:]
		r.boundary = len(r.current) == 0
		r.mu.Unlock()
		return m, nil
	}
	r.boundary = false
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *scriptedKafkaReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedKafkaReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func kafkaMessages(offsets ...int64) []kafka.Message {
	out := make([]kafka.Message, 0, len(offsets))
	for _, off := range offsets {
		out = append(out, kafka.Message{Topic: "container-logs", Partition: 0, Offset: off})
	}
	return out
}

func TestKafkaConsumeRedeliversUnmarkedMessageAcrossBatches(t *testing.T) {
	first := &scriptedKafkaReader{batches: [][]kafka.Message{kafkaMessages(10, 11), kafkaMessages(12)}}
	// After the rejoin the group resumes from the last committed offset.
	second := &scriptedKafkaReader{batches: [][]kafka.Message{kafkaMessages(11, 12)}}
	readers := []kafkaReader{first, second}
	open := func() kafkaReader {
		r := readers[0]
		readers = readers[1:]
		return r
	}

	c := newKafkaConsumer(open, config.StreamConfig{Name: "container-logs"}, nil, nil)
	c.rejoinDelay = 0

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	failed := map[string]bool{}
	var handled [][]string
	handler := func(ctx context.Context, session Session, batch []Message) error {
		var offsets []string
		for _, m := range batch {
			offsets = append(offsets, m.Offset)
			if m.Offset == "11" && !failed["11"] {
				failed["11"] = true
				continue
			}
			if err := session.MarkProcessed(ctx, m); err != nil {
				t.Errorf("mark %s: %v", m.Offset, err)
			}
		}
		handled = append(handled, offsets)
		if len(handled) == 2 {
			cancel()
		}
		return nil
	}
	if err := c.Consume(ctx, handler); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if fmt.Sprint(handled) != "[[10 11] [11 12]]" {
		t.Fatalf("expected offset 11 to be redelivered, handled %v", handled)
	}
	if fmt.Sprint(first.committed) != "[10]" {
		t.Fatalf("first reader must stop committing at the gap, got %v", first.committed)
	}
	if fmt.Sprint(second.committed) != "[11 12]" {
		t.Fatalf("unexpected commits after rejoin %v", second.committed)
	}
	if !first.closed {
		t.Fatal("expected the stalled reader to be closed")
	}
}
