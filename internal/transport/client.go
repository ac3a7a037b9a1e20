// Package transport maintains the single logical connection to the
// trading server: reconnect with bounded linear backoff, an outbound FIFO
// queue while disconnected, and demultiplexing of inbound messages into
// bus events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/bus"
	"github.com/bitvelo/tradesync/pkg/metrics"
)

// Conn is the subset of a websocket connection the client needs.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a connection to the server. Injected in tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type wsDialer struct {
	handshakeTimeout time.Duration
}

func (d wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return conn, nil
}

// Config controls the reconnect state machine and heartbeats.
type Config struct {
	URL               string
	BaseDelay         time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
}

// DefaultConfig returns the production defaults: linear backoff from 1s,
// five reconnect attempts.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		BaseDelay:         time.Second,
		MaxAttempts:       5,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
	}
}

// Client is the transport. All reconnect accounting is scoped to the
// instance so independent clients never interfere.
type Client struct {
	cfg    Config
	logger *zap.Logger
	bus    *bus.Bus
	dialer Dialer

	mu      sync.Mutex
	conn    Conn
	status  Status
	queue   [][]byte
	running bool
	done    chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup

	stateMu  sync.Mutex
	stateCbs []func(Status)
}

// NewClient creates a transport client publishing onto the given bus.
func NewClient(cfg Config, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		bus:    b,
		dialer: wsDialer{handshakeTimeout: cfg.HandshakeTimeout},
		status: Status{State: StateDisconnected},
	}
}

// On registers a bus handler for a wire message type or lifecycle event.
func (c *Client) On(event string, handler bus.Handler) *bus.Subscription {
	return c.bus.On(event, handler)
}

// OnStateChange registers a callback invoked synchronously on every
// connection state transition, in transition order. Callbacks run on the
// transport goroutine and must not call back into the client. Used by
// the UI's connection indicator.
func (c *Client) OnStateChange(cb func(Status)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.stateCbs = append(c.stateCbs, cb)
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// QueueLen returns the number of outbound messages waiting for a live
// connection.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect starts the connection loop. It is idempotent while the client
// is already connecting or connected.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.done = make(chan struct{})
	c.setStatusLocked(Status{State: StateConnecting})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run()
}

// Disconnect halts the reconnect loop and heartbeat immediately and
// closes any live connection.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.setStatusLocked(Status{State: StateDisconnected})
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()
	c.bus.Emit(EventDisconnected, DisconnectedEvent{Exhausted: false})
}

// Send marshals and delivers a message, or enqueues it FIFO while not
// connected. Delivery is best-effort until the connection is up; Send
// never blocks on the network state.
func (c *Client) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	if c.status.State != StateConnected || c.conn == nil {
		c.queue = append(c.queue, data)
		metrics.OutboundQueueDepth.Set(float64(len(c.queue)))
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	if err := c.write(conn, data); err != nil {
		// The read loop will observe the broken connection; requeue so
		// the message flushes after reconnect.
		c.mu.Lock()
		c.queue = append(c.queue, data)
		metrics.OutboundQueueDepth.Set(float64(len(c.queue)))
		c.mu.Unlock()
	}
	return nil
}

// run is the connection loop: dial, pump, and on failure walk the
// Reconnecting(n) states with delay base*n until MaxAttempts is spent.
func (c *Client) run() {
	defer c.wg.Done()

	attempt := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HandshakeTimeout)
		conn, err := c.dialer.Dial(ctx, c.cfg.URL)
		cancel()

		if err != nil {
			metrics.ReconnectAttempts.WithLabelValues("failure").Inc()
			attempt++
			if attempt > c.cfg.MaxAttempts {
				c.logger.Warn("reconnect attempts exhausted",
					zap.Int("attempts", c.cfg.MaxAttempts),
					zap.String("url", c.cfg.URL))
				c.mu.Lock()
				c.running = false
				c.setStatusLocked(Status{State: StateDisconnected})
				c.mu.Unlock()
				c.bus.Emit(EventDisconnected, DisconnectedEvent{Exhausted: true, Attempts: c.cfg.MaxAttempts})
				return
			}

			c.setStatus(Status{State: StateReconnecting, Attempt: attempt})
			c.logger.Info("connection attempt failed, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", c.cfg.BaseDelay*time.Duration(attempt)),
				zap.Error(err))

			select {
			case <-c.done:
				return
			case <-time.After(c.cfg.BaseDelay * time.Duration(attempt)):
			}
			continue
		}

		metrics.ReconnectAttempts.WithLabelValues("success").Inc()
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.setStatusLocked(Status{State: StateConnected})
		c.mu.Unlock()

		c.flushQueue(conn)
		c.bus.Emit(EventConnected, nil)

		hbStop := make(chan struct{})
		c.wg.Add(1)
		go c.heartbeat(conn, hbStop)

		readErr := c.readLoop(conn)
		close(hbStop)
		conn.Close()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		select {
		case <-c.done:
			return
		default:
		}

		c.logger.Warn("connection lost", zap.Error(readErr))
		c.bus.Emit(EventDisconnected, DisconnectedEvent{Exhausted: false})

		attempt++
		if attempt > c.cfg.MaxAttempts {
			c.mu.Lock()
			c.running = false
			c.setStatusLocked(Status{State: StateDisconnected})
			c.mu.Unlock()
			c.bus.Emit(EventDisconnected, DisconnectedEvent{Exhausted: true, Attempts: c.cfg.MaxAttempts})
			return
		}
		c.setStatus(Status{State: StateReconnecting, Attempt: attempt})
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.BaseDelay * time.Duration(attempt)):
		}
	}
}

// readLoop pumps inbound messages until the connection fails.
func (c *Client) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(data)
	}
}

// dispatch decodes one inbound envelope and fans it out. Unknown and
// malformed messages are logged and dropped, never crash dispatch.
func (c *Client) dispatch(data []byte) {
	msgType, payload, err := decodeMessage(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, ErrUnknownMessageType) {
			reason = "unknown_type"
		}
		metrics.MessagesDropped.WithLabelValues(reason).Inc()
		c.logger.Warn("dropping inbound message",
			zap.String("type", msgType),
			zap.Error(err))
		return
	}
	metrics.MessagesReceived.WithLabelValues(msgType).Inc()
	c.bus.Emit(msgType, payload)
}

// flushQueue drains the outbound queue in FIFO order onto a fresh
// connection.
func (c *Client) flushQueue(conn Conn) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	metrics.OutboundQueueDepth.Set(0)
	c.mu.Unlock()

	for i, data := range pending {
		if err := c.write(conn, data); err != nil {
			// Put the unsent tail back at the front of the queue.
			c.mu.Lock()
			c.queue = append(pending[i:], c.queue...)
			metrics.OutboundQueueDepth.Set(float64(len(c.queue)))
			c.mu.Unlock()
			c.logger.Warn("flush interrupted", zap.Int("remaining", len(pending)-i), zap.Error(err))
			return
		}
	}
	if len(pending) > 0 {
		c.logger.Info("outbound queue flushed", zap.Int("messages", len(pending)))
	}
}

func (c *Client) write(conn Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// heartbeat pings the server periodically while the connection is live.
func (c *Client) heartbeat(conn Conn, stop <-chan struct{}) {
	defer c.wg.Done()
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				// Read loop notices the dead connection and reconnects.
				c.logger.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) setStatus(st Status) {
	c.mu.Lock()
	c.setStatusLocked(st)
	c.mu.Unlock()
}

// setStatusLocked requires c.mu held.
func (c *Client) setStatusLocked(st Status) {
	if c.status == st {
		return
	}
	c.status = st
	for _, cb := range c.snapshotStateCbs() {
		cb(st)
	}
}

func (c *Client) snapshotStateCbs() []func(Status) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	out := make([]func(Status), len(c.stateCbs))
	copy(out, c.stateCbs)
	return out
}
