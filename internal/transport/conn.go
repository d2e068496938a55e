// ABOUTME: WebSocket connection wrapper with a bounded outbound queue and write pump
// ABOUTME: Shared by agent sessions, observer sessions and the client-side dialers

package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sheepfarm/internal/protocol"
)

var (
	// ErrClosed is returned by Send after the connection has been closed.
	ErrClosed = errors.New("connection closed")

	// ErrQueueFull is returned by Send when the peer is not draining its
	// queue. The connection is closed when this happens.
	ErrQueueFull = errors.New("outbound queue full")
)

const (
	defaultQueueSize      = 64
	defaultReadTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 1 << 20
	drainTimeout          = time.Second
)

// Options tunes a Conn. Zero values select defaults.
type Options struct {
	QueueSize      int
	ReadTimeout    time.Duration // maximum silence before Receive fails
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// Conn carries protocol messages over a WebSocket. Send never blocks; a
// single write pump goroutine owns all data writes. Receive must only be
// called from one goroutine.
type Conn struct {
	ws     *websocket.Conn
	opts   Options
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error
}

// New wraps an established WebSocket and starts its write pump.
func New(ws *websocket.Conn, opts Options, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	c := &Conn{
		ws:     ws,
		opts:   opts,
		send:   make(chan []byte, opts.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}

	ws.SetReadLimit(opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})

	go c.writePump()
	return c
}

// Send encodes m and queues it for delivery.
func (c *Conn) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		c.fail(ErrQueueFull)
		return ErrQueueFull
	}
}

// Receive blocks for the next message. Protocol errors leave the connection
// open so the caller can send an ErrorNotice before closing.
func (c *Conn) Receive() (protocol.Message, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("reading message: %w", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))

	if kind != websocket.TextMessage {
		return nil, &protocol.Error{Reason: "binary frames are not supported"}
	}
	return protocol.Decode(data)
}

// Close flushes queued messages, sends a close frame and releases the socket.
// It is safe to call more than once and from any goroutine.
func (c *Conn) Close() error {
	c.fail(nil)
	return nil
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the first failure that closed the connection, or nil for an
// orderly Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// RemoteAddr returns the peer address for logging.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = err
		c.mu.Unlock()
		close(c.done)
	})
}

// pingPeriod keeps the peer's read deadline from expiring while idle.
func (c *Conn) pingPeriod() time.Duration {
	return c.opts.ReadTimeout * 9 / 10
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.drain()
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", "remote", c.RemoteAddr(), "error", err)
				c.fail(err)
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", "remote", c.RemoteAddr(), "error", err)
				c.fail(err)
				return
			}
		}
	}
}

// drain writes whatever is still queued within a short deadline, then says
// goodbye. Nothing is written if the connection already failed.
func (c *Conn) drain() {
	if c.Err() != nil {
		return
	}

	deadline := time.Now().Add(drainTimeout)
	_ = c.ws.SetWriteDeadline(deadline)
flush:
	for {
		select {
		case data := <-c.send:
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			break flush
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
}
