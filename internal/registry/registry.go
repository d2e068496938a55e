// ABOUTME: Authoritative in-memory table of render nodes and their live sessions
// ABOUTME: Preserves node identity, status and block order across reconnects

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/sheepfarm/internal/protocol"
)

// ErrNodeNotFound indicates the identity has never registered.
var ErrNodeNotFound = errors.New("node not found")

// DuplicateSessionError is returned by Register when a different session is
// still live for the identity. The caller closes Existing and retries.
type DuplicateSessionError struct {
	Identity string
	Existing Session
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("node %s already has an active session", e.Identity)
}

// Is lets callers match ErrDuplicateActiveSession.
func (e *DuplicateSessionError) Is(target error) bool {
	return target == ErrDuplicateActiveSession
}

// ErrDuplicateActiveSession matches every *DuplicateSessionError.
var ErrDuplicateActiveSession = errors.New("duplicate active session")

// Session is the live transport handle of a connected agent.
type Session interface {
	Identity() string
	Send(m protocol.Message) error
	Close() error
}

// ConnectionState reports whether a node has a live session.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// Status is a node's operational state.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRendering Status = "rendering"
	StatusPaused    Status = "paused"
)

// DefaultEngine labels nodes that did not report an engine.
const DefaultEngine = "unknown"

// RenderNode is a point-in-time copy of a node record.
type RenderNode struct {
	ID           string
	Engine       string
	Connection   ConnectionState
	Status       Status
	Blocks       []string // block IDs in display order
	Progress     int      // percent of the active block
	LastSeen     time.Time
	RegisteredAt time.Time
	Seq          uint64 // registration order
}

type entry struct {
	node    RenderNode
	session Session
}

// Registry tracks every node that ever registered. Nodes are never removed;
// a disconnected node keeps its status and blocks so it can resume.
type Registry struct {
	mu      sync.RWMutex
	nodes   map[string]*entry
	order   []string
	nextSeq uint64
	now     func() time.Time
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*entry),
		now:    time.Now,
		logger: logger,
	}
}

// Register attaches a session to identity, creating the node on first sight.
// Re-registering with the session that is already attached is a no-op.
// Returns the node and whether it was newly created.
func (r *Registry) Register(identity, engine string, s Session) (RenderNode, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if engine == "" {
		engine = DefaultEngine
	}
	now := r.now()

	e, ok := r.nodes[identity]
	if !ok {
		r.nextSeq++
		e = &entry{
			node: RenderNode{
				ID:           identity,
				Engine:       engine,
				Connection:   Connected,
				Status:       StatusIdle,
				LastSeen:     now,
				RegisteredAt: now,
				Seq:          r.nextSeq,
			},
			session: s,
		}
		r.nodes[identity] = e
		r.order = append(r.order, identity)
		r.logger.Info("=== NODE REGISTERED ===",
			"node", identity,
			"engine", engine,
			"total_nodes", len(r.order),
		)
		return e.node.clone(), true, nil
	}

	if e.session != nil {
		if e.session == s {
			return e.node.clone(), false, nil
		}
		return RenderNode{}, false, &DuplicateSessionError{Identity: identity, Existing: e.session}
	}

	e.session = s
	e.node.Connection = Connected
	e.node.Engine = engine
	e.node.LastSeen = now
	r.logger.Info("=== NODE RECONNECTED ===",
		"node", identity,
		"status", e.node.Status,
		"blocks", len(e.node.Blocks),
	)
	return e.node.clone(), false, nil
}

// MarkDisconnected detaches s from identity. It does nothing unless s is the
// node's current session, so a stale session cannot disconnect its
// replacement. Status and blocks are untouched.
func (r *Registry) MarkDisconnected(identity string, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[identity]
	if !ok || e.session == nil || e.session != s {
		return false
	}

	e.session = nil
	e.node.Connection = Disconnected
	e.node.LastSeen = r.now()
	r.logger.Info("=== NODE DISCONNECTED ===",
		"node", identity,
		"status", e.node.Status,
		"blocks", len(e.node.Blocks),
	)
	return true
}

// Snapshot returns copies of all nodes in registration order.
func (r *Registry) Snapshot() []RenderNode {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RenderNode, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.nodes[id].node.clone())
	}
	return out
}

// Get returns a copy of one node.
func (r *Registry) Get(identity string) (RenderNode, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[identity]
	if !ok {
		return RenderNode{}, false
	}
	return e.node.clone(), true
}

// Session returns the live session for identity, if any.
func (r *Registry) Session(identity string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[identity]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// ConnectedCount returns the number of nodes with a live session.
func (r *Registry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.nodes {
		if e.session != nil {
			n++
		}
	}
	return n
}

// Touch refreshes a connected node's last-seen time.
func (r *Registry) Touch(identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.nodes[identity]; ok && e.session != nil {
		e.node.LastSeen = r.now()
	}
}

// Stale returns connected nodes whose last-seen time is before cutoff,
// together with the session that went quiet.
func (r *Registry) Stale(cutoff time.Time) map[string]Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Session)
	for id, e := range r.nodes {
		if e.session != nil && e.node.LastSeen.Before(cutoff) {
			out[id] = e.session
		}
	}
	return out
}

// SetStatus changes a node's operational state.
func (r *Registry) SetStatus(identity string, status Status) error {
	return r.update(identity, func(n *RenderNode) {
		n.Status = status
		if status != StatusRendering {
			n.Progress = 0
		}
	})
}

// SetProgress records the active block's completion percentage.
func (r *Registry) SetProgress(identity string, percent int) error {
	percent = max(0, min(percent, 100))
	return r.update(identity, func(n *RenderNode) {
		n.Progress = percent
	})
}

// AttachBlock inserts blockID into the node's list at index, or appends it
// when index is out of range. A block already in the list is moved.
func (r *Registry) AttachBlock(identity, blockID string, index int) error {
	return r.update(identity, func(n *RenderNode) {
		n.Blocks = slices.DeleteFunc(n.Blocks, func(id string) bool { return id == blockID })
		if index < 0 || index > len(n.Blocks) {
			index = len(n.Blocks)
		}
		n.Blocks = slices.Insert(n.Blocks, index, blockID)
	})
}

// DetachBlock removes blockID from the node's list.
func (r *Registry) DetachBlock(identity, blockID string) error {
	return r.update(identity, func(n *RenderNode) {
		n.Blocks = slices.DeleteFunc(n.Blocks, func(id string) bool { return id == blockID })
	})
}

func (r *Registry) update(identity string, fn func(n *RenderNode)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[identity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, identity)
	}
	fn(&e.node)
	return nil
}

func (n RenderNode) clone() RenderNode {
	n.Blocks = slices.Clone(n.Blocks)
	if n.Blocks == nil {
		n.Blocks = []string{}
	}
	return n
}
