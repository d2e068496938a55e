// ABOUTME: WebSocket endpoint for render agents
// ABOUTME: Runs the register handshake and feeds agent reports into the scheduler

package hub

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/sheepfarm/internal/agent"
	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/registry"
	"github.com/2389/sheepfarm/internal/transport"
)

// handleAgent upgrades GET /ws/agent and serves one agent until it goes away.
func (h *Hub) handleAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := transport.New(ws, transport.Options{
		ReadTimeout: h.config.Agents.HeartbeatTimeout,
	}, h.logger)
	h.track(conn)
	defer h.untrack(conn)

	sess, err := agent.Accept(conn, h.logger.With("component", "agent"))
	if err != nil {
		h.logger.Warn("agent handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	if err := h.attachAgent(sess); err != nil {
		sess.Reject("registration_failed", err.Error())
		return
	}

	h.serveAgent(sess)
}

// attachAgent registers sess with the scheduler. A live session already
// holding the identity is treated as lost and replaced by sess.
func (h *Hub) attachAgent(sess *agent.Session) error {
	log := sess.Logger()

	node, created, err := h.scheduler.NodeConnected(sess, sess.Engine())
	var dup *registry.DuplicateSessionError
	if errors.As(err, &dup) {
		log.Warn("replacing live session for node")
		h.monitor.HandleLoss(sess.Identity(), dup.Existing, "replaced by new session")
		node, created, err = h.scheduler.NodeConnected(sess, sess.Engine())
	}
	if err != nil {
		log.Error("failed to register node", "error", err)
		return err
	}

	h.monitor.Attached(sess.Identity())
	if created {
		log.Info("render node registered", "engine", node.Engine)
	} else {
		log.Info("render node reconnected", "status", node.Status, "blocks", len(node.Blocks))
	}
	return nil
}

// serveAgent reads agent reports until the connection ends, then hands the
// session to the supervisor.
func (h *Hub) serveAgent(sess *agent.Session) {
	identity := sess.Identity()
	log := sess.Logger()

	for {
		msg, err := sess.Receive()
		if err != nil {
			reason := "connection closed"
			if errors.Is(err, protocol.ErrProtocol) {
				sess.Reject("protocol_error", err.Error())
				reason = "protocol error"
			}
			log.Debug("agent read ended", "error", err)
			h.monitor.HandleLoss(identity, sess, reason)
			return
		}

		h.registry.Touch(identity)

		switch m := msg.(type) {
		case *protocol.Heartbeat:
			// last-seen already refreshed

		case *protocol.Register:
			if m.Identity != identity {
				sess.Reject("identity_changed", "identity cannot change on a live connection")
				h.monitor.HandleLoss(identity, sess, "protocol error")
				return
			}
			log.Debug("ignoring repeated register")

		case *protocol.ConsoleOutput:
			h.dispatcher.Console(identity, m.Text)

		case *protocol.RenderProgress:
			if !h.scheduler.ReportProgress(identity, m.BlockID, m.Frame) {
				log.Debug("ignoring progress for inactive block", "block", m.BlockID)
			}

		case *protocol.RenderComplete:
			if !h.scheduler.ReportCompletion(identity, m.BlockID, m.OK, m.Error) {
				log.Info("ignoring completion for inactive block", "block", m.BlockID, "ok", m.OK)
				continue
			}
			if !m.OK {
				h.dispatcher.Console(identity, failureLine(m.BlockID, m.Error))
			}

		default:
			sess.Reject("unexpected_message", "agents may not send "+msg.MessageType())
			h.monitor.HandleLoss(identity, sess, "protocol error")
			return
		}
	}
}

// failureLine is the console line observers see when an agent reports a
// failed block; agents are not required to print one themselves.
func failureLine(blockID, reason string) string {
	if reason == "" {
		reason = "no error reported"
	}
	return fmt.Sprintf("block %s failed: %s", blockID, reason)
}
