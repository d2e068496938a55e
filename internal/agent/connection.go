// ABOUTME: Represents a single connected render agent and its message stream
// ABOUTME: Enforces the register-first handshake and tags the session with an ID

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sheepfarm/internal/protocol"
)

// ErrNotRegistered indicates the agent's first message was not a register.
var ErrNotRegistered = errors.New("first message must be register")

// Conn is the transport a Session runs over. *transport.Conn satisfies it.
type Conn interface {
	Send(m protocol.Message) error
	Receive() (protocol.Message, error)
	Close() error
	Done() <-chan struct{}
	RemoteAddr() string
}

// Session is the live connection of one registered agent. A new Session is
// created for every connection, so two sessions for the same identity are
// never equal.
type Session struct {
	ID          string
	identity    string
	engine      string
	connectedAt time.Time

	conn   Conn
	logger *slog.Logger
}

// Accept reads the registration handshake from conn and returns the Session.
// On a protocol error or a non-register first message an error notice is sent
// and the connection is closed.
func Accept(conn Conn, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}

	msg, err := conn.Receive()
	if err != nil {
		if errors.Is(err, protocol.ErrProtocol) {
			reject(conn, "protocol_error", err.Error())
		} else {
			_ = conn.Close()
		}
		return nil, fmt.Errorf("awaiting registration: %w", err)
	}

	reg, ok := msg.(*protocol.Register)
	if !ok {
		reject(conn, "not_registered", ErrNotRegistered.Error())
		return nil, fmt.Errorf("%w: got %s", ErrNotRegistered, msg.MessageType())
	}

	id := uuid.New().String()
	return &Session{
		ID:          id,
		identity:    reg.Identity,
		engine:      reg.Engine,
		connectedAt: time.Now(),
		conn:        conn,
		logger: logger.With(
			"node", reg.Identity,
			"session", id,
			"remote", conn.RemoteAddr(),
		),
	}, nil
}

// Identity returns the node identity the agent registered with.
func (s *Session) Identity() string { return s.identity }

// Engine returns the render engine label the agent reported.
func (s *Session) Engine() string { return s.engine }

// ConnectedAt returns when the handshake completed.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Logger returns a logger tagged with the session's node and ID.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Send queues a message for the agent without blocking.
func (s *Session) Send(m protocol.Message) error {
	return s.conn.Send(m)
}

// Receive blocks for the agent's next message.
func (s *Session) Receive() (protocol.Message, error) {
	return s.conn.Receive()
}

// Close flushes pending messages and closes the connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Done is closed once the connection is shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

// Reject tells the agent why it is being dropped and closes the connection.
func (s *Session) Reject(code, message string) {
	s.logger.Warn("rejecting agent", "code", code, "reason", message)
	reject(s.conn, code, message)
}

func reject(conn Conn, code, message string) {
	_ = conn.Send(&protocol.ErrorNotice{Code: code, Message: message})
	_ = conn.Close()
}
