package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Publisher delivers a payload to every current subscriber of a channel.
type Publisher interface {
	Publish(channel string, payload []byte)
}

const defaultQueueSize = 256

// Hub is the in-process live channel registry. Each subscription owns a bounded
// queue drained by its own goroutine, so a slow subscriber only loses its own frames.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*channel

	queueSize int
	logger    *slog.Logger
	dropped   atomic.Uint64
}

type channel struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	hub     *Hub
	name    string
	sub     Subscriber
	queue   chan []byte
	done    chan struct{}
	stopped sync.Once
}

// NewHub creates a Hub whose subscriptions buffer up to queueSize frames.
func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels:  make(map[string]*channel),
		queueSize: queueSize,
		logger:    logger.With("component", "hub"),
	}
}

// Subscribe registers sub on the channel until the returned function is called
// or a send to sub fails. No earlier payloads are replayed.
func (h *Hub) Subscribe(name string, sub Subscriber) (unsubscribe func()) {
	s := &subscription{
		hub:   h,
		name:  name,
		sub:   sub,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		ch = &channel{subs: make(map[*subscription]struct{})}
		h.channels[name] = ch
	}
	ch.mu.Lock()
	ch.subs[s] = struct{}{}
	ch.mu.Unlock()
	h.mu.Unlock()

	subscribersGauge.Inc()
	go s.writeLoop()
	return s.stop
}

// Publish enqueues payload for every subscriber of the channel without blocking.
func (h *Hub) Publish(name string, payload []byte) {
	h.mu.RLock()
	ch, ok := h.channels[name]
	h.mu.RUnlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	targets := make([]*subscription, 0, len(ch.subs))
	for s := range ch.subs {
		targets = append(targets, s)
	}
	ch.mu.Unlock()

	for _, s := range targets {
		select {
		case s.queue <- payload:
		default:
			h.dropped.Add(1)
			droppedFrames.Inc()
		}
	}
	publishedFrames.Inc()
}

// Subscribers reports the number of subscribers on a channel.
func (h *Hub) Subscribers(name string) int {
	h.mu.RLock()
	ch, ok := h.channels[name]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.subs)
}

// Dropped reports frames discarded because a subscriber queue was full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close stops every subscription.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*subscription
	for _, ch := range h.channels {
		ch.mu.Lock()
		for s := range ch.subs {
			all = append(all, s)
		}
		ch.mu.Unlock()
	}
	h.mu.RUnlock()
	for _, s := range all {
		s.stop()
		s.sub.Close()
	}
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[s.name]
	if !ok {
		return
	}
	ch.mu.Lock()
	delete(ch.subs, s)
	empty := len(ch.subs) == 0
	ch.mu.Unlock()
	if empty {
		delete(h.channels, s.name)
	}
}

func (s *subscription) stop() {
	s.stopped.Do(func() {
		s.hub.remove(s)
		close(s.done)
		subscribersGauge.Dec()
	})
}

func (s *subscription) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			if err := s.sub.Send(payload); err != nil {
				s.hub.logger.Debug("dropping subscriber after send failure", "channel", s.name, "error", err)
				s.stop()
				s.sub.Close()
				return
			}
		}
	}
}
