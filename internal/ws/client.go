package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	maxFrameSize  = 4096
	maxSubscribed = 32
)

// Client is one live socket. It may join several channels; every channel
// binding is a separate hub subscription writing through the shared connection.
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	log  *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	joined map[string]func()
	closed bool
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, hub *Hub, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, hub: hub, log: logger, joined: make(map[string]func())}
}

// Serve reads client frames until the socket or ctx closes, then leaves every channel.
func (c *Client) Serve(ctx context.Context) {
	defer c.Close()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go c.pingLoop(ctx, stop)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.writeFrame(Frame{Event: EventError, Data: "invalid frame"})
			continue
		}
		switch frame.Event {
		case EventSubscribe:
			c.join(frame.Channel)
		case EventUnsubscribe:
			c.leave(frame.Channel)
		default:
			c.writeFrame(Frame{Event: EventError, Data: "unknown event"})
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			_ = c.conn.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (c *Client) join(name string) {
	if _, ok := DeploymentFromChannel(name); !ok {
		c.writeFrame(Frame{Event: EventError, Channel: name, Data: "unknown channel"})
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, already := c.joined[name]; already {
		c.mu.Unlock()
		c.writeFrame(Frame{Event: EventMessage, Channel: name, Data: JoinedMessage(name)})
		return
	}
	if len(c.joined) >= maxSubscribed {
		c.mu.Unlock()
		c.writeFrame(Frame{Event: EventError, Channel: name, Data: "too many channels"})
		return
	}
	c.joined[name] = c.hub.Subscribe(name, &binding{client: c, channel: name})
	c.mu.Unlock()

	c.writeFrame(Frame{Event: EventMessage, Channel: name, Data: JoinedMessage(name)})
}

func (c *Client) leave(name string) {
	c.mu.Lock()
	unsubscribe, ok := c.joined[name]
	delete(c.joined, name)
	c.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// Close leaves every channel and terminates the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	joined := c.joined
	c.joined = map[string]func(){}
	c.mu.Unlock()

	for _, unsubscribe := range joined {
		unsubscribe()
	}
	_ = c.conn.Close()
}

func (c *Client) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, encodeFrame(f)); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		return err
	}
	return nil
}

// binding adapts one channel of a Client to the hub Subscriber contract.
type binding struct {
	client  *Client
	channel string
}

var errClientClosed = errors.New("client closed")

func (b *binding) Send(payload []byte) error {
	b.client.mu.Lock()
	closed := b.client.closed
	b.client.mu.Unlock()
	if closed {
		return errClientClosed
	}
	return b.client.writeFrame(Frame{Event: EventMessage, Channel: b.channel, Data: string(payload)})
}

// Close drops the channel; a failed write closes the whole socket.
func (b *binding) Close() {
	b.client.Close()
}
