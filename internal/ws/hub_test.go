package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads []string
	sendErr  error
	block    chan struct{}
	closed   bool
}

func (r *recordingSubscriber) Send(p []byte) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.payloads = append(r.payloads, string(p))
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingSubscriber) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.payloads...)
}

func (r *recordingSubscriber) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func newTestHub(queue int) *Hub {
	return NewHub(queue, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubDeliversToChannelSubscribersOnly(t *testing.T) {
	hub := newTestHub(8)
	a, b := &recordingSubscriber{}, &recordingSubscriber{}
	hub.Subscribe("logs:d1", a)
	hub.Subscribe("logs:d2", b)

	hub.Publish("logs:d1", []byte("Cloning..."))

	waitFor(t, func() bool { return len(a.snapshot()) == 1 })
	if got := a.snapshot()[0]; got != "Cloning..." {
		t.Fatalf("unexpected payload %q", got)
	}
	time.Sleep(20 * time.Millisecond)
	if len(b.snapshot()) != 0 {
		t.Fatalf("subscriber of another channel received %v", b.snapshot())
	}
}

func TestHubDoesNotReplayHistory(t *testing.T) {
	hub := newTestHub(8)
	hub.Publish("logs:d1", []byte("early"))
	late := &recordingSubscriber{}
	hub.Subscribe("logs:d1", late)
	hub.Publish("logs:d1", []byte("later"))

	waitFor(t, func() bool { return len(late.snapshot()) == 1 })
	if late.snapshot()[0] != "later" {
		t.Fatalf("expected only later payload, got %v", late.snapshot())
	}
}

func TestHubPreservesOrderPerSubscriber(t *testing.T) {
	hub := newTestHub(64)
	sub := &recordingSubscriber{}
	hub.Subscribe("logs:d1", sub)
	for i := 0; i < 50; i++ {
		hub.Publish("logs:d1", []byte(fmt.Sprint(i)))
	}
	waitFor(t, func() bool { return len(sub.snapshot()) == 50 })
	for i, p := range sub.snapshot() {
		if p != fmt.Sprint(i) {
			t.Fatalf("payload %d out of order: %q", i, p)
		}
	}
}

func TestHubSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	hub := newTestHub(1)
	slow := &recordingSubscriber{block: make(chan struct{})}
	fast := &recordingSubscriber{}
	hub.Subscribe("logs:d1", slow)
	hub.Subscribe("logs:d1", fast)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("logs:d1", []byte(fmt.Sprint(i)))
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	if hub.Dropped() == 0 {
		t.Fatal("expected frames dropped for the slow subscriber")
	}
	waitFor(t, func() bool { return len(fast.snapshot()) > 0 })
	close(slow.block)
}

func TestHubRemovesSubscriberOnSendError(t *testing.T) {
	hub := newTestHub(4)
	broken := &recordingSubscriber{sendErr: errors.New("broken pipe")}
	hub.Subscribe("logs:d1", broken)
	hub.Publish("logs:d1", []byte("x"))

	waitFor(t, func() bool { return hub.Subscribers("logs:d1") == 0 })
	if !broken.isClosed() {
		t.Fatal("expected failed subscriber to be closed")
	}
}

func TestHubUnsubscribe(t *testing.T) {
	hub := newTestHub(4)
	sub := &recordingSubscriber{}
	unsubscribe := hub.Subscribe("logs:d1", sub)
	if hub.Subscribers("logs:d1") != 1 {
		t.Fatal("expected one subscriber")
	}
	unsubscribe()
	unsubscribe()
	if hub.Subscribers("logs:d1") != 0 {
		t.Fatal("expected channel to be empty")
	}
	hub.Publish("logs:d1", []byte("after"))
	time.Sleep(20 * time.Millisecond)
	if len(sub.snapshot()) != 0 {
		t.Fatalf("unsubscribed subscriber received %v", sub.snapshot())
	}
}

func TestHubConcurrentUse(t *testing.T) {
	hub := newTestHub(16)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				unsubscribe := hub.Subscribe("logs:d1", &recordingSubscriber{})
				unsubscribe()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				hub.Publish("logs:d1", []byte("x"))
			}
		}()
	}
	wg.Wait()
	if hub.Subscribers("logs:d1") != 0 {
		t.Fatalf("expected no subscribers left, got %d", hub.Subscribers("logs:d1"))
	}
}

func TestHubClose(t *testing.T) {
	hub := newTestHub(4)
	sub := &recordingSubscriber{}
	hub.Subscribe("logs:d1", sub)
	hub.Close()
	if !sub.isClosed() || hub.Subscribers("logs:d1") != 0 {
		t.Fatal("expected subscribers closed and removed")
	}
}
