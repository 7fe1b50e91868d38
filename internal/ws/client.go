package ws

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pvidal/gochat/internal/status"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send when the channel is not open. The
// client does not buffer outgoing frames; callers own optimistic state and
// reconcile on the next history fetch.
var ErrNotConnected = errors.New("websocket not connected")

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 3 * time.Second
	readLimit        = 64 * 1024
)

// Options configures a websocket client instance. Every dependency is
// injected; there is no package-level connection state.
type Options struct {
	URL                  string
	Token                string
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
}

// Handler receives parsed inbound frames.
type Handler func(Frame)

// Client maintains one websocket connection to the chat backend, with
// heartbeat keepalive and bounded reconnect on unexpected close.
type Client struct {
	opts    Options
	machine *status.Machine
	logger  *zap.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	stop        chan struct{}
	manualClose bool
	attempts    int
	retryTimer  *time.Timer

	hmu      sync.RWMutex
	handlers map[int]Handler
	nextID   int
}

// NewClient creates a disconnected client. Call Connect to dial.
func NewClient(opts Options, machine *status.Machine, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Client{
		opts:     opts,
		machine:  machine,
		logger:   logger,
		handlers: make(map[int]Handler),
	}
}

// Subscribe registers a frame handler. Multiple independent subscribers are
// supported; a panicking handler does not prevent delivery to the others.
// Returns an unsubscribe function.
func (c *Client) Subscribe(h Handler) func() {
	c.hmu.Lock()
	id := c.nextID
	c.nextID++
	c.handlers[id] = h
	c.hmu.Unlock()
	return func() {
		c.hmu.Lock()
		delete(c.handlers, id)
		c.hmu.Unlock()
	}
}

// Connect dials the backend. On failure the reconnect schedule starts unless
// the client was manually closed.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.manualClose = false
	c.mu.Unlock()

	_ = c.machine.Transition(status.Connecting)

	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.logger.Warn("websocket dial failed", zap.Error(err))
		_ = c.machine.Transition(status.Retrying)
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	conn.SetReadLimit(readLimit)

	c.mu.Lock()
	c.conn = conn
	c.stop = make(chan struct{})
	c.attempts = 0
	stop := c.stop
	c.mu.Unlock()

	_ = c.machine.Transition(status.Open)
	c.logger.Info("websocket connected", zap.String("url", c.opts.URL))

	go c.readLoop(conn, stop)
	go c.heartbeatLoop(conn, stop)
	return nil
}

// Send writes a frame if the channel is open. It never queues: a send while
// disconnected is a logged no-op from the caller's perspective.
func (c *Client) Send(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Warn("send while disconnected, dropping frame", zap.Int("type", int(f.Type)))
		return ErrNotConnected
	}
	return c.writeFrame(conn, f)
}

// Close terminates the connection and suppresses any pending or future
// reconnect attempts.
func (c *Client) Close() {
	c.mu.Lock()
	c.manualClose = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		_ = c.machine.Transition(status.Closing)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	_ = c.machine.Transition(status.Disconnected)
	c.logger.Info("websocket closed")
}

func (c *Client) writeFrame(conn *websocket.Conn, f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(&f)
}

func (c *Client) readLoop(conn *websocket.Conn, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stop:
				// Caller-initiated close; nothing to recover.
				return
			default:
			}
			c.logger.Warn("websocket read error", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("data", data))
			continue
		}
		if frame.Type == FrameHeartbeat {
			// Keepalive echo, not delivered to subscribers.
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Client) dispatch(f Frame) {
	c.hmu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.hmu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("frame handler panicked", zap.Any("panic", r))
				}
			}()
			h(f)
		}()
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Send(Frame{Type: FrameHeartbeat, Timestamp: time.Now().UnixMilli()}); err != nil {
				// A dead write half is a dead connection, even while the read
				// loop is still blocked on a silent socket.
				c.logger.Warn("heartbeat send failed", zap.Error(err))
				c.handleDisconnect(conn)
				return
			}
		case <-stop:
			return
		}
	}
}

// handleDisconnect tears down conn and schedules a reconnect. Both the read
// loop and the heartbeat loop call it; only the first caller for a given
// connection proceeds, so one lost connection yields one reconnect schedule.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	manual := c.manualClose
	c.mu.Unlock()

	if manual {
		return
	}
	_ = c.machine.Transition(status.Retrying)
	c.scheduleReconnect()
}

// scheduleReconnect arms the next reconnect attempt with exponential backoff,
// bounded by MaxReconnectAttempts. The attempt counter resets on every
// successful connect.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.manualClose {
		return
	}
	if c.opts.MaxReconnectAttempts > 0 && c.attempts >= c.opts.MaxReconnectAttempts {
		c.logger.Error("reconnect attempts exhausted",
			zap.Int("attempts", c.attempts))
		_ = c.machine.Transition(status.Disconnected)
		return
	}
	delay := c.opts.ReconnectBase << c.attempts
	if delay > c.opts.ReconnectMax {
		delay = c.opts.ReconnectMax
	}
	c.attempts++
	attempt := c.attempts
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		manual := c.manualClose
		c.mu.Unlock()
		if manual {
			return
		}
		c.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		_ = c.Connect(context.Background())
	})
}
