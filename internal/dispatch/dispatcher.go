// ABOUTME: Delivers scheduler commands to agents as render-state messages
// ABOUTME: Relays agent console output to observers and the journal

package dispatch

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/sheepfarm/internal/events"
	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/registry"
	"github.com/2389/sheepfarm/internal/scheduler"
)

// Sessions looks up live agent sessions. *registry.Registry satisfies it.
type Sessions interface {
	Session(identity string) (registry.Session, bool)
}

// LossHandler is told when a session can no longer be written to.
// *supervisor.Monitor satisfies it.
type LossHandler interface {
	HandleLoss(identity string, sess registry.Session, reason string)
}

// ConsoleRelay fans console lines out to observers. *broadcast.Broadcaster
// satisfies it.
type ConsoleRelay interface {
	Console(node, text string)
}

// Emitter records farm history.
type Emitter interface {
	Emit(ev events.Event)
}

// Recorder receives dispatch metrics.
type Recorder interface {
	CommandSent(kind string, delivered bool)
	ConsoleLine()
}

// Dispatcher implements scheduler.CommandSink. It sends exactly one message
// per command and never retries; a node that is offline picks up its state
// when it reconnects.
type Dispatcher struct {
	sessions Sessions
	console  ConsoleRelay
	events   Emitter
	metrics  Recorder
	logger   *slog.Logger

	mu   sync.RWMutex
	loss LossHandler
}

// New creates a Dispatcher. events and metrics may be nil.
func New(sessions Sessions, console ConsoleRelay, emitter Emitter, metrics Recorder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Dispatcher{
		sessions: sessions,
		console:  console,
		events:   emitter,
		metrics:  metrics,
		logger:   logger.With("component", "dispatch"),
	}
}

// SetLossHandler wires the supervisor after construction; the supervisor
// depends on the scheduler, which depends on the dispatcher.
func (d *Dispatcher) SetLossHandler(h LossHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loss = h
}

// Dispatch implements scheduler.CommandSink. It only enqueues.
func (d *Dispatcher) Dispatch(cmd scheduler.Command) {
	sess, ok := d.sessions.Session(cmd.NodeID)
	if !ok {
		d.logger.Debug("node offline, command deferred to reconnect",
			"node", cmd.NodeID,
			"kind", cmd.Kind)
		d.metrics.CommandSent(string(cmd.Kind), false)
		return
	}

	if err := sess.Send(RenderState(cmd)); err != nil {
		d.logger.Warn("command delivery failed",
			"node", cmd.NodeID,
			"kind", cmd.Kind,
			"error", err)
		d.metrics.CommandSent(string(cmd.Kind), false)
		d.reportLoss(cmd.NodeID, sess, fmt.Sprintf("send failed: %v", err))
		return
	}

	d.metrics.CommandSent(string(cmd.Kind), true)
	d.logger.Debug("command sent", "node", cmd.NodeID, "kind", cmd.Kind, "block", cmd.Block.ID)
}

// Console relays one line of agent output, prefixed with the node name.
func (d *Dispatcher) Console(node, text string) {
	line := ConsoleLine(node, text)
	d.console.Console(node, line)
	d.metrics.ConsoleLine()
	if d.events != nil {
		d.events.Emit(events.Event{Kind: events.ConsoleLine, Node: node, Detail: line})
	}
}

// RenderState converts a command into its wire form.
func RenderState(cmd scheduler.Command) *protocol.RenderState {
	if cmd.Kind != scheduler.Start {
		return &protocol.RenderState{IsRendering: false}
	}
	return &protocol.RenderState{
		IsRendering: true,
		Block: &protocol.BlockRange{
			ID:    cmd.Block.ID,
			Scene: cmd.Block.Scene,
			Start: cmd.Block.Start,
			End:   cmd.Block.End,
		},
	}
}

// ConsoleLine prefixes text with "<node>> " unless the agent already did.
func ConsoleLine(node, text string) string {
	prefix := node + "> "
	text = strings.TrimRight(text, "\r\n")
	if strings.HasPrefix(text, prefix) {
		return text
	}
	return prefix + text
}

// reportLoss runs the handler on its own goroutine: Dispatch is called with
// the scheduler lock held and the handler takes it again.
func (d *Dispatcher) reportLoss(identity string, sess registry.Session, reason string) {
	d.mu.RLock()
	h := d.loss
	d.mu.RUnlock()

	if h == nil {
		_ = sess.Close()
		return
	}
	go h.HandleLoss(identity, sess, reason)
}

type nopRecorder struct{}

func (nopRecorder) CommandSent(string, bool) {}
func (nopRecorder) ConsoleLine()             {}
