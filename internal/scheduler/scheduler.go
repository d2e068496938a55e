// ABOUTME: Assigns frame-range blocks to render nodes and drives their lifecycle
// ABOUTME: Single mutation path for registry and block state; emits commands and updates

package scheduler

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sheepfarm/internal/events"
	"github.com/2389/sheepfarm/internal/registry"
)

// CommandKind distinguishes start and stop commands.
type CommandKind string

const (
	Start CommandKind = "start"
	Stop  CommandKind = "stop"
)

// Command is one outbound render-state instruction for a node.
type Command struct {
	NodeID string
	Kind   CommandKind
	Block  Block // zero for Stop
}

// CommandSink delivers commands to agents. Dispatch is called with the
// scheduler lock held and must not block.
type CommandSink interface {
	Dispatch(cmd Command)
}

// NodeView is a node together with its resolved blocks in display order.
type NodeView struct {
	Node   registry.RenderNode
	Blocks []Block
}

// Publisher receives state changes for observers. Methods are called with
// the scheduler lock held and must not block.
type Publisher interface {
	Topology(nodes []NodeView, pool []Block)
	NodeChanged(node NodeView)
	PoolChanged(pool []Block)
}

// Emitter records farm history.
type Emitter interface {
	Emit(ev events.Event)
}

// Recorder receives scheduler metrics. An empty from state means the block
// was just created; a "deleted" to state means it is gone.
type Recorder interface {
	BlockTransition(from, to string)
	ConnectedNodes(n int)
}

// Options wires the scheduler's collaborators. Nil fields are no-ops.
type Options struct {
	Sink      CommandSink
	Publisher Publisher
	Events    Emitter
	Metrics   Recorder
	Logger    *slog.Logger
}

// Scheduler owns all blocks and serializes every registry mutation that
// affects them. Lock order is scheduler, then registry.
type Scheduler struct {
	mu      sync.Mutex
	reg     *registry.Registry
	blocks  map[string]*Block
	nextSeq uint64

	sink    CommandSink
	pub     Publisher
	events  Emitter
	metrics Recorder
	logger  *slog.Logger

	now   func() time.Time
	newID func() string
}

// New creates a Scheduler over reg.
func New(reg *registry.Registry, opts Options) *Scheduler {
	s := &Scheduler{
		reg:     reg,
		blocks:  make(map[string]*Block),
		sink:    opts.Sink,
		pub:     opts.Publisher,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}
	if s.pub == nil {
		s.pub = nopPublisher{}
	}
	if s.events == nil {
		s.events = nopEmitter{}
	}
	if s.metrics == nil {
		s.metrics = nopRecorder{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateBlock adds an unassigned block covering [start, end].
func (s *Scheduler) CreateBlock(scene string, start, end int) (Block, error) {
	scene = strings.TrimSpace(scene)
	if scene == "" {
		return Block{}, ErrInvalidLabel
	}
	if start < 0 || end <= start {
		return Block{}, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	b := &Block{
		ID:        s.newID(),
		Scene:     scene,
		Start:     start,
		End:       end,
		State:     Unassigned,
		Color:     ColorFor(scene),
		CreatedAt: s.now(),
		seq:       s.nextSeq,
	}
	s.blocks[b.ID] = b
	s.metrics.BlockTransition("", string(Unassigned))

	s.logger.Info("block created", "block", b.ID, "scene", scene, "start", start, "end", end)
	s.emit(events.BlockCreated, "", b.ID, fmt.Sprintf("%s [%d-%d]", scene, start, end))
	s.publishPool()
	return *b, nil
}

// AssignBlock moves a block to nodeID at display position index, or back to
// the unassigned pool when nodeID is empty. A negative index appends.
func (s *Scheduler) AssignBlock(blockID, nodeID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}

	if nodeID == "" {
		s.unassign(b)
		return nil
	}

	node, ok := s.reg.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	for _, id := range node.Blocks {
		other, ok := s.blocks[id]
		if !ok || id == b.ID {
			continue
		}
		if other.Overlaps(*b) {
			return fmt.Errorf("%w: [%d-%d] intersects [%d-%d] on %s",
				ErrOverlapConflict, b.Start, b.End, other.Start, other.End, nodeID)
		}
	}

	if b.Node == nodeID {
		if err := s.reg.AttachBlock(nodeID, b.ID, index); err != nil {
			return err
		}
		s.publishNode(nodeID)
		return nil
	}

	if err := s.reg.AttachBlock(nodeID, b.ID, index); err != nil {
		return err
	}

	prev := b.Node
	if prev != "" {
		s.interrupt(b)
		_ = s.reg.DetachBlock(prev, b.ID)
	}

	b.Node = nodeID
	b.Frame = 0
	b.Error = ""
	s.setState(b, Assigned)

	s.logger.Info("block assigned", "block", b.ID, "node", nodeID, "previous", prev)
	s.emit(events.BlockAssigned, nodeID, b.ID, "")

	if prev == "" {
		s.publishPool()
	} else {
		s.publishNode(prev)
	}
	s.publishNode(nodeID)
	return nil
}

// DeleteBlock removes a block, stopping its node if it was rendering.
func (s *Scheduler) DeleteBlock(blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}

	owner := b.Node
	if owner != "" {
		s.interrupt(b)
		_ = s.reg.DetachBlock(owner, b.ID)
	}
	delete(s.blocks, blockID)
	s.metrics.BlockTransition(string(b.State), "deleted")

	s.logger.Info("block deleted", "block", blockID, "node", owner)
	s.emit(events.BlockDeleted, owner, blockID, "")

	if owner != "" {
		s.publishNode(owner)
	} else {
		s.publishPool()
	}
	return nil
}

// SetNodeRendering starts or pauses a node. Starting picks the assigned
// block with the lowest start frame.
func (s *Scheduler) SetNodeRendering(nodeID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.reg.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return s.setRendering(node, on)
}

// ToggleRendering flips a node between rendering and paused.
func (s *Scheduler) ToggleRendering(nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.reg.Get(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return s.setRendering(node, node.Status != registry.StatusRendering)
}

// ReportCompletion records an agent's outcome for its active block and
// starts the next one. Reports for blocks that are not active on the node
// are ignored and false is returned.
func (s *Scheduler) ReportCompletion(nodeID, blockID string, ok bool, errText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.activeOn(nodeID, blockID)
	if b == nil {
		s.logger.Debug("ignoring stale completion", "node", nodeID, "block", blockID)
		return false
	}

	if ok {
		b.Frame = b.End
		b.Error = ""
		s.setState(b, Done)
		s.logger.Info("block done", "block", b.ID, "node", nodeID)
		s.emit(events.BlockDone, nodeID, b.ID, "")
	} else {
		b.Error = errText
		s.setState(b, Failed)
		s.logger.Warn("block failed", "block", b.ID, "node", nodeID, "error", errText)
		s.emit(events.BlockFailed, nodeID, b.ID, errText)
	}

	node, _ := s.reg.Get(nodeID)
	if next := s.nextAssigned(node); next != nil {
		s.start(nodeID, next)
	} else {
		_ = s.reg.SetStatus(nodeID, registry.StatusIdle)
		s.sink.Dispatch(Command{NodeID: nodeID, Kind: Stop})
		s.emit(events.NodeIdle, nodeID, "", "queue empty")
	}
	s.publishNode(nodeID)
	return true
}

// ReportProgress records the last frame an agent finished on its active block.
func (s *Scheduler) ReportProgress(nodeID, blockID string, frame int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.activeOn(nodeID, blockID)
	if b == nil {
		return false
	}

	b.Frame = max(b.Start, min(frame, b.End))
	percent := (b.Frame - b.Start + 1) * 100 / b.Frames()
	_ = s.reg.SetProgress(nodeID, percent)
	s.publishNode(nodeID)
	return true
}

// RetryBlock moves a failed block back to assigned, or to the pool if it
// has no owner.
func (s *Scheduler) RetryBlock(blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, blockID)
	}
	if b.State != Failed {
		return fmt.Errorf("%w: block %s is %s, not failed", ErrInvalidTransition, blockID, b.State)
	}

	b.Error = ""
	b.Frame = 0
	s.emit(events.BlockRetried, b.Node, b.ID, "")
	if b.Node == "" {
		s.setState(b, Unassigned)
		s.publishPool()
		return nil
	}
	s.setState(b, Assigned)
	s.publishNode(b.Node)
	return nil
}

// NodeConnected registers sess under its identity. On a reconnect the agent
// is told what it should be doing. Registering the live session again is a
// no-op; a different live session yields registry.ErrDuplicateActiveSession.
func (s *Scheduler) NodeConnected(sess registry.Session, engine string) (registry.RenderNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity := sess.Identity()
	if cur, ok := s.reg.Session(identity); ok && cur == sess {
		node, _ := s.reg.Get(identity)
		return node, false, nil
	}

	node, created, err := s.reg.Register(identity, engine, sess)
	if err != nil {
		return registry.RenderNode{}, false, err
	}

	if created {
		s.emit(events.NodeRegistered, identity, "", node.Engine)
	} else {
		s.emit(events.NodeConnected, identity, "", "")
		s.resync(node)
	}
	s.metrics.ConnectedNodes(s.reg.ConnectedCount())
	s.publishTopology()
	return node, created, nil
}

// NodeDisconnected marks the node offline if sess is still its session.
// Blocks and status are kept so the node can resume.
func (s *Scheduler) NodeDisconnected(identity string, sess registry.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reg.MarkDisconnected(identity, sess) {
		return false
	}
	s.emit(events.NodeDisconnected, identity, "", "")
	s.metrics.ConnectedNodes(s.reg.ConnectedCount())
	s.publishTopology()
	return true
}

// ReleaseNode returns a disconnected node's unfinished blocks to the pool
// and sets it idle. Done and failed blocks stay with the node.
func (s *Scheduler) ReleaseNode(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.reg.Get(identity)
	if !ok || node.Connection == registry.Connected {
		return false
	}

	released := 0
	for _, id := range node.Blocks {
		b, ok := s.blocks[id]
		if !ok || (b.State != Assigned && b.State != Rendering) {
			continue
		}
		_ = s.reg.DetachBlock(identity, id)
		b.Node = ""
		b.Frame = 0
		s.setState(b, Unassigned)
		s.emit(events.BlockUnassigned, identity, id, "node released")
		released++
	}
	_ = s.reg.SetStatus(identity, registry.StatusIdle)

	s.logger.Warn("node released after grace period", "node", identity, "blocks_released", released)
	s.emit(events.NodeReleased, identity, "", fmt.Sprintf("%d blocks returned to pool", released))
	s.publishTopology()
	return true
}

// View calls fn with a consistent snapshot while holding the scheduler
// lock, so a subscriber registered inside fn misses no update.
func (s *Scheduler) View(fn func(nodes []NodeView, pool []Block)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.views(), s.pool())
}

// Nodes returns every node with its blocks, in registration order.
func (s *Scheduler) Nodes() []NodeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.views()
}

// Node returns one node with its blocks.
func (s *Scheduler) Node(nodeID string) (NodeView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reg.Get(nodeID); !ok {
		return NodeView{}, false
	}
	return s.view(nodeID), true
}

// Blocks returns every block in creation order.
func (s *Scheduler) Blocks() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Block) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// Block returns a copy of one block.
func (s *Scheduler) Block(blockID string) (Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[blockID]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

// Pool returns the unassigned blocks in creation order.
func (s *Scheduler) Pool() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool()
}

func (s *Scheduler) setRendering(node registry.RenderNode, on bool) error {
	if on {
		if node.Connection != registry.Connected {
			return fmt.Errorf("%w: %s", ErrNodeOffline, node.ID)
		}
		if node.Status == registry.StatusRendering {
			return nil
		}
		next := s.nextAssigned(node)
		if next == nil {
			return fmt.Errorf("%w: %s", ErrNothingToRender, node.ID)
		}
		s.start(node.ID, next)
		s.publishNode(node.ID)
		return nil
	}

	if node.Status != registry.StatusRendering {
		return nil
	}
	if active := s.active(node); active != nil {
		s.setState(active, Assigned)
	}
	_ = s.reg.SetStatus(node.ID, registry.StatusPaused)
	s.sink.Dispatch(Command{NodeID: node.ID, Kind: Stop})
	s.logger.Info("node paused", "node", node.ID)
	s.emit(events.NodePaused, node.ID, "", "")
	s.publishNode(node.ID)
	return nil
}

func (s *Scheduler) start(nodeID string, b *Block) {
	b.Frame = 0
	b.Error = ""
	s.setState(b, Rendering)
	_ = s.reg.SetStatus(nodeID, registry.StatusRendering)
	_ = s.reg.SetProgress(nodeID, 0)
	s.sink.Dispatch(Command{NodeID: nodeID, Kind: Start, Block: *b})

	s.logger.Info("block started", "block", b.ID, "node", nodeID, "start", b.Start, "end", b.End)
	s.emit(events.BlockStarted, nodeID, b.ID, "")
}

// interrupt stops b's node if b is the block it is rendering. The caller
// moves b to its next state.
func (s *Scheduler) interrupt(b *Block) {
	if b.State != Rendering || b.Node == "" {
		return
	}
	_ = s.reg.SetStatus(b.Node, registry.StatusPaused)
	s.sink.Dispatch(Command{NodeID: b.Node, Kind: Stop})
	s.logger.Info("active block moved, node paused", "node", b.Node, "block", b.ID)
	s.emit(events.NodePaused, b.Node, b.ID, "active block moved")
}

func (s *Scheduler) unassign(b *Block) {
	if b.Node == "" {
		return
	}

	prev := b.Node
	s.interrupt(b)
	_ = s.reg.DetachBlock(prev, b.ID)
	b.Node = ""
	b.Frame = 0
	b.Error = ""
	s.setState(b, Unassigned)

	s.logger.Info("block returned to pool", "block", b.ID, "previous", prev)
	s.emit(events.BlockUnassigned, prev, b.ID, "")
	s.publishNode(prev)
	s.publishPool()
}

// resync tells a reconnected agent what it should be doing.
func (s *Scheduler) resync(node registry.RenderNode) {
	if node.Status == registry.StatusRendering {
		if active := s.active(node); active != nil {
			s.sink.Dispatch(Command{NodeID: node.ID, Kind: Start, Block: *active})
			return
		}
		_ = s.reg.SetStatus(node.ID, registry.StatusIdle)
	}
	s.sink.Dispatch(Command{NodeID: node.ID, Kind: Stop})
}

func (s *Scheduler) setState(b *Block, to BlockState) {
	if b.State == to {
		return
	}
	s.metrics.BlockTransition(string(b.State), string(to))
	b.State = to
}

func (s *Scheduler) activeOn(nodeID, blockID string) *Block {
	b, ok := s.blocks[blockID]
	if !ok || b.Node != nodeID || b.State != Rendering {
		return nil
	}
	return b
}

func (s *Scheduler) active(node registry.RenderNode) *Block {
	for _, id := range node.Blocks {
		if b, ok := s.blocks[id]; ok && b.State == Rendering {
			return b
		}
	}
	return nil
}

// nextAssigned returns the node's assigned block with the lowest start frame.
func (s *Scheduler) nextAssigned(node registry.RenderNode) *Block {
	var next *Block
	for _, id := range node.Blocks {
		b, ok := s.blocks[id]
		if !ok || b.State != Assigned {
			continue
		}
		if next == nil || b.Start < next.Start || (b.Start == next.Start && b.seq < next.seq) {
			next = b
		}
	}
	return next
}

func (s *Scheduler) view(nodeID string) NodeView {
	node, _ := s.reg.Get(nodeID)
	return s.resolve(node)
}

func (s *Scheduler) resolve(node registry.RenderNode) NodeView {
	blocks := make([]Block, 0, len(node.Blocks))
	for _, id := range node.Blocks {
		if b, ok := s.blocks[id]; ok {
			blocks = append(blocks, *b)
		}
	}
	return NodeView{Node: node, Blocks: blocks}
}

func (s *Scheduler) views() []NodeView {
	nodes := s.reg.Snapshot()
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, s.resolve(n))
	}
	return out
}

func (s *Scheduler) pool() []Block {
	out := []Block{}
	for _, b := range s.blocks {
		if b.Node == "" {
			out = append(out, *b)
		}
	}
	slices.SortFunc(out, func(a, b Block) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (s *Scheduler) publishNode(nodeID string) {
	s.pub.NodeChanged(s.view(nodeID))
}

func (s *Scheduler) publishPool() {
	s.pub.PoolChanged(s.pool())
}

func (s *Scheduler) publishTopology() {
	s.pub.Topology(s.views(), s.pool())
}

func (s *Scheduler) emit(kind events.Kind, node, block, detail string) {
	s.events.Emit(events.Event{Kind: kind, Node: node, Block: block, Detail: detail, At: s.now()})
}

type nopSink struct{}

func (nopSink) Dispatch(Command) {}

type nopPublisher struct{}

func (nopPublisher) Topology([]NodeView, []Block) {}
func (nopPublisher) NodeChanged(NodeView)         {}
func (nopPublisher) PoolChanged([]Block)          {}

type nopEmitter struct{}

func (nopEmitter) Emit(events.Event) {}

type nopRecorder struct{}

func (nopRecorder) BlockTransition(string, string) {}
func (nopRecorder) ConnectedNodes(int)             {}
