// ABOUTME: Observer client for the sheepfarm hub over WebSocket
// ABOUTME: Correlates commands with their results and streams farm updates

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/transport"
)

// ErrClosed is returned once the connection to the hub is gone.
var ErrClosed = errors.New("observer connection closed")

const defaultUpdateBuffer = 256

// CommandError is a command the hub rejected.
type CommandError struct {
	RequestID string
	Code      string
	Message   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Options configures Dial.
type Options struct {
	// Password is sent as a Bearer token when the hub requires one.
	Password string
	// UpdateBuffer sizes the Updates channel. Updates arriving while it is
	// full are dropped.
	UpdateBuffer int
	Logger       *slog.Logger
}

// Client is one observer connection.
type Client struct {
	conn   *transport.Conn
	logger *slog.Logger

	snapshot *protocol.NodeList
	updates  chan protocol.Message
	dropped  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan protocol.CommandResult

	done chan struct{}
}

// ObserverURL turns a hub base URL (http, https, ws or wss) into the
// observer WebSocket URL.
func ObserverURL(base string) string {
	return transport.WebSocketURL(base, "/ws/observer")
}

// Dial connects to the hub at base and waits for the initial snapshot.
func Dial(ctx context.Context, base string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UpdateBuffer <= 0 {
		opts.UpdateBuffer = defaultUpdateBuffer
	}

	var header http.Header
	if opts.Password != "" {
		header = http.Header{"Authorization": []string{"Bearer " + opts.Password}}
	}

	conn, err := transport.Dial(ctx, ObserverURL(base), header, transport.Options{}, opts.Logger)
	if err != nil {
		return nil, err
	}

	first, err := awaitSnapshot(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c := &Client{
		conn:     conn,
		logger:   opts.Logger.With("component", "observer-client"),
		snapshot: first,
		updates:  make(chan protocol.Message, opts.UpdateBuffer),
		pending:  make(map[string]chan protocol.CommandResult),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func awaitSnapshot(ctx context.Context, conn *transport.Conn) (*protocol.NodeList, error) {
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := conn.Receive()
		ch <- result{m, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("awaiting snapshot: %w", r.err)
		}
		list, ok := r.msg.(*protocol.NodeList)
		if !ok {
			return nil, fmt.Errorf("awaiting snapshot: unexpected %s", r.msg.MessageType())
		}
		return list, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the node list received on connect.
func (c *Client) Snapshot() *protocol.NodeList {
	return c.snapshot
}

// Updates streams node-list, node-update, pool-update and console-output
// messages. It is closed when the connection ends.
func (c *Client) Updates() <-chan protocol.Message {
	return c.updates
}

// Dropped returns how many updates were discarded because Updates was full.
func (c *Client) Dropped() uint64 {
	return c.dropped.Load()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close disconnects from the hub.
func (c *Client) Close() error {
	return c.conn.Close()
}

// CreateBlock proposes a new unassigned block and returns its ID.
func (c *Client) CreateBlock(ctx context.Context, scene string, start, end int) (string, error) {
	res, err := c.do(ctx, &protocol.CreateBlock{RequestID: newRequestID(), Scene: scene, Start: start, End: end})
	if err != nil {
		return "", err
	}
	return res.BlockID, nil
}

// AssignBlock moves a block to nodeID at the given display index. A
// negative index appends.
func (c *Client) AssignBlock(ctx context.Context, blockID, nodeID string, index int) error {
	cmd := &protocol.AssignBlock{RequestID: newRequestID(), BlockID: blockID, NodeID: &nodeID}
	if index >= 0 {
		cmd.Index = &index
	}
	_, err := c.do(ctx, cmd)
	return err
}

// UnassignBlock returns a block to the pool.
func (c *Client) UnassignBlock(ctx context.Context, blockID string) error {
	_, err := c.do(ctx, &protocol.AssignBlock{RequestID: newRequestID(), BlockID: blockID})
	return err
}

// DeleteBlock removes a block.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	_, err := c.do(ctx, &protocol.DeleteBlock{RequestID: newRequestID(), BlockID: blockID})
	return err
}

// ToggleRender starts or pauses a node.
func (c *Client) ToggleRender(ctx context.Context, nodeID string) error {
	_, err := c.do(ctx, &protocol.ToggleRender{RequestID: newRequestID(), NodeID: nodeID})
	return err
}

// RetryBlock moves a failed block back to assigned.
func (c *Client) RetryBlock(ctx context.Context, blockID string) error {
	_, err := c.do(ctx, &protocol.RetryBlock{RequestID: newRequestID(), BlockID: blockID})
	return err
}

// Send issues cmd as-is and waits for its result. Reusing a request ID
// returns the hub's remembered result.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (protocol.CommandResult, error) {
	return c.do(ctx, cmd)
}

func (c *Client) do(ctx context.Context, cmd protocol.Command) (protocol.CommandResult, error) {
	ch := make(chan protocol.CommandResult, 1)
	id := cmd.Request()

	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return protocol.CommandResult{}, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending != nil {
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	if err := c.conn.Send(cmd); err != nil {
		return protocol.CommandResult{}, fmt.Errorf("sending %s: %w", cmd.MessageType(), err)
	}

	select {
	case res := <-ch:
		if !res.OK {
			return res, &CommandError{RequestID: res.RequestID, Code: res.Code, Message: res.Error}
		}
		return res, nil
	case <-c.done:
		return protocol.CommandResult{}, ErrClosed
	case <-ctx.Done():
		return protocol.CommandResult{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		close(c.updates)
		close(c.done)
	}()

	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				c.logger.Warn("ignoring malformed message from hub", "error", err)
				continue
			}
			c.logger.Debug("observer connection ended", "error", err)
			return
		}

		switch m := msg.(type) {
		case *protocol.CommandResult:
			c.mu.Lock()
			ch, ok := c.pending[m.RequestID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- *m:
				default:
				}
			}

		case *protocol.ErrorNotice:
			c.logger.Warn("hub closed the connection", "code", m.Code, "message", m.Message)

		default:
			select {
			case c.updates <- msg:
			default:
				c.dropped.Add(1)
			}
		}
	}
}

func newRequestID() string {
	return uuid.New().String()
}
