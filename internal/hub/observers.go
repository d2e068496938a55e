// ABOUTME: WebSocket endpoint for dashboard observers
// ABOUTME: Authenticates, subscribes to broadcasts and executes observer commands

package hub

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/scheduler"
	"github.com/2389/sheepfarm/internal/transport"
)

// observerPassword extracts the password from the Authorization header.
// The ?token= form exists only for browser dashboards, whose WebSocket API
// cannot set headers; it exposes the password to URL logs along the way, so
// tools should send the header. The hub itself never logs request URLs.
func observerPassword(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

// authorizeObserver checks the password against observers.password_hash.
// With no hash configured every observer is allowed.
func (h *Hub) authorizeObserver(r *http.Request) bool {
	hash := h.config.Observers.PasswordHash
	if hash == "" {
		return true
	}
	password := observerPassword(r)
	if password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// handleObserver upgrades GET /ws/observer, sends the snapshot and then
// executes commands until the observer disconnects.
func (h *Hub) handleObserver(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeObserver(r) {
		h.logger.Warn("observer authentication failed", "remote", r.RemoteAddr)
		sendJSONError(w, http.StatusUnauthorized, "invalid observer password")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("observer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := transport.New(ws, transport.Options{
		QueueSize: h.config.Observers.QueueSize,
	}, h.logger)
	h.track(conn)
	defer h.untrack(conn)
	defer conn.Close()

	var subID string
	var subErr error
	h.scheduler.View(func(nodes []scheduler.NodeView, pool []scheduler.Block) {
		subID, subErr = h.broadcaster.Subscribe(conn, nodes, pool)
	})
	if subErr != nil {
		h.logger.Warn("observer subscribe failed", "remote", conn.RemoteAddr(), "error", subErr)
		return
	}
	defer h.broadcaster.Unsubscribe(subID)

	log := h.logger.With("observer", subID, "remote", conn.RemoteAddr())
	log.Info("observer connected")

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				log.Warn("dropping observer after protocol error", "error", err)
				_ = conn.Send(&protocol.ErrorNotice{Code: "protocol_error", Message: err.Error()})
			} else {
				log.Info("observer disconnected")
			}
			return
		}

		cmd, ok := msg.(protocol.Command)
		if !ok {
			log.Warn("dropping observer after unexpected message", "type", msg.MessageType())
			_ = conn.Send(&protocol.ErrorNotice{
				Code:    "unexpected_message",
				Message: "observers may not send " + msg.MessageType(),
			})
			return
		}

		result := h.execute(cmd)
		if !result.OK {
			log.Info("observer command rejected",
				"type", cmd.MessageType(),
				"request_id", result.RequestID,
				"code", result.Code,
				"error", result.Error)
		}
		if err := conn.Send(&result); err != nil {
			log.Warn("failed to acknowledge command", "error", err)
			return
		}
	}
}

// execute applies one observer command. A request ID seen within the dedupe
// window returns the original result marked as a duplicate.
func (h *Hub) execute(cmd protocol.Command) protocol.CommandResult {
	h.cmdMu.Lock()
	defer h.cmdMu.Unlock()

	if prev, ok := h.dedupe.Lookup(cmd.Request()); ok {
		prev.Duplicate = true
		h.metrics.ObserverCommand(cmd.MessageType(), "duplicate")
		return prev
	}

	result := protocol.CommandResult{RequestID: cmd.Request(), OK: true}
	var err error

	switch c := cmd.(type) {
	case *protocol.CreateBlock:
		var b scheduler.Block
		b, err = h.scheduler.CreateBlock(c.Scene, c.Start, c.End)
		result.BlockID = b.ID

	case *protocol.AssignBlock:
		nodeID := ""
		if c.NodeID != nil {
			nodeID = *c.NodeID
		}
		index := -1
		if c.Index != nil {
			index = *c.Index
		}
		err = h.scheduler.AssignBlock(c.BlockID, nodeID, index)
		result.BlockID = c.BlockID

	case *protocol.DeleteBlock:
		err = h.scheduler.DeleteBlock(c.BlockID)
		result.BlockID = c.BlockID

	case *protocol.ToggleRender:
		err = h.scheduler.ToggleRendering(c.NodeID)

	case *protocol.RetryBlock:
		err = h.scheduler.RetryBlock(c.BlockID)
		result.BlockID = c.BlockID
	}

	if err != nil {
		result.OK = false
		result.Code = scheduler.ErrorCode(err)
		result.Error = err.Error()
	}

	h.metrics.ObserverCommand(cmd.MessageType(), result.Code)
	h.dedupe.Remember(cmd.Request(), result)
	return result
}
