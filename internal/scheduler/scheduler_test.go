// ABOUTME: Tests for block scheduling and the node/block state machines
// ABOUTME: Uses recording fakes for the command sink and observer publisher

package scheduler

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sheepfarm/internal/events"
	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/registry"
)

type fakeSession struct{ id string }

func (f *fakeSession) Identity() string            { return f.id }
func (f *fakeSession) Send(protocol.Message) error { return nil }
func (f *fakeSession) Close() error                { return nil }

type recordingSink struct {
	mu   sync.Mutex
	cmds []Command
}

func (r *recordingSink) Dispatch(cmd Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
}

func (r *recordingSink) last(t *testing.T) Command {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.cmds, "expected a command")
	return r.cmds[len(r.cmds)-1]
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cmds)
}

type recordingPublisher struct {
	topology, nodes, pools int
	lastPool               []Block
}

func (p *recordingPublisher) Topology([]NodeView, []Block) { p.topology++ }
func (p *recordingPublisher) NodeChanged(NodeView)         { p.nodes++ }
func (p *recordingPublisher) PoolChanged(pool []Block) {
	p.pools++
	p.lastPool = pool
}

type recordingEmitter struct{ kinds []events.Kind }

func (e *recordingEmitter) Emit(ev events.Event) { e.kinds = append(e.kinds, ev.Kind) }

type harness struct {
	reg    *registry.Registry
	sched  *Scheduler
	sink   *recordingSink
	pub    *recordingPublisher
	events *recordingEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := registry.New(nil)
	h := &harness{
		reg:    reg,
		sink:   &recordingSink{},
		pub:    &recordingPublisher{},
		events: &recordingEmitter{},
	}
	h.sched = New(reg, Options{Sink: h.sink, Publisher: h.pub, Events: h.events})
	return h
}

func (h *harness) connect(t *testing.T, id string) *fakeSession {
	t.Helper()
	s := &fakeSession{id: id}
	_, _, err := h.sched.NodeConnected(s, "")
	require.NoError(t, err)
	return s
}

func (h *harness) block(t *testing.T, start, end int) Block {
	t.Helper()
	b, err := h.sched.CreateBlock("Scene A", start, end)
	require.NoError(t, err)
	return b
}

func (h *harness) assign(t *testing.T, blockID, nodeID string) {
	t.Helper()
	require.NoError(t, h.sched.AssignBlock(blockID, nodeID, -1))
}

func (h *harness) state(t *testing.T, blockID string) BlockState {
	t.Helper()
	b, ok := h.sched.Block(blockID)
	require.True(t, ok)
	return b.State
}

func (h *harness) status(t *testing.T, nodeID string) registry.Status {
	t.Helper()
	n, ok := h.reg.Get(nodeID)
	require.True(t, ok)
	return n.Status
}

func TestCreateBlock_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := h.sched.CreateBlock("Scene A", 10, 5)
	assert.True(t, errors.Is(err, ErrInvalidRange))

	_, err = h.sched.CreateBlock("Scene A", 10, 10)
	assert.True(t, errors.Is(err, ErrInvalidRange))

	_, err = h.sched.CreateBlock("Scene A", -1, 10)
	assert.True(t, errors.Is(err, ErrInvalidRange))

	_, err = h.sched.CreateBlock("   ", 1, 10)
	assert.True(t, errors.Is(err, ErrInvalidLabel))

	assert.Empty(t, h.sched.Blocks(), "rejected blocks must not be stored")

	b, err := h.sched.CreateBlock("Scene A", 10, 50)
	require.NoError(t, err)
	assert.Equal(t, Unassigned, b.State)
	assert.Empty(t, b.Node)
	assert.Equal(t, ColorFor("Scene A"), b.Color)
	assert.NotEmpty(t, b.ID)

	require.Len(t, h.pub.lastPool, 1)
	assert.Equal(t, b.ID, h.pub.lastPool[0].ID)
}

func TestColorFor(t *testing.T) {
	assert.Equal(t, ColorFor("shot_010"), ColorFor("shot_010"))
	// 'A' = 65, 65 % 6 = 5
	assert.Equal(t, "pink", ColorFor("A"))
	// 'B' = 66, 66 % 6 = 0
	assert.Equal(t, "red", ColorFor("B"))
}

func TestAssignBlock_ContainedOverlapRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")

	outer := h.block(t, 1, 100)
	h.assign(t, outer.ID, "n1")
	inner := h.block(t, 20, 30)

	err := h.sched.AssignBlock(inner.ID, "n1", -1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverlapConflict))
	assert.Equal(t, "overlap_conflict", ErrorCode(err))

	// Neither block changed.
	gotInner, _ := h.sched.Block(inner.ID)
	assert.Equal(t, Unassigned, gotInner.State)
	assert.Empty(t, gotInner.Node)

	gotOuter, _ := h.sched.Block(outer.ID)
	assert.Equal(t, Assigned, gotOuter.State)
	assert.Equal(t, "n1", gotOuter.Node)

	view, _ := h.sched.Node("n1")
	require.Len(t, view.Blocks, 1)
	assert.Equal(t, outer.ID, view.Blocks[0].ID)
}

func TestAssignBlock_EdgeOverlapRejected(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")

	a := h.block(t, 1, 100)
	h.assign(t, a.ID, "n1")
	b := h.block(t, 100, 200)

	err := h.sched.AssignBlock(b.ID, "n1", -1)
	assert.True(t, errors.Is(err, ErrOverlapConflict), "ranges are inclusive")

	c := h.block(t, 101, 200)
	assert.NoError(t, h.sched.AssignBlock(c.ID, "n1", -1))
}

func TestAssignBlock_UnknownTargets(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	b := h.block(t, 1, 10)

	err := h.sched.AssignBlock("missing", "n1", -1)
	assert.True(t, errors.Is(err, ErrBlockNotFound))

	err = h.sched.AssignBlock(b.ID, "ghost", -1)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
	assert.Equal(t, "node_not_found", ErrorCode(err))
}

func TestAssignBlock_ReturnToPool(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	b := h.block(t, 1, 10)
	h.assign(t, b.ID, "n1")

	require.NoError(t, h.sched.AssignBlock(b.ID, "", -1))

	got, _ := h.sched.Block(b.ID)
	assert.Equal(t, Unassigned, got.State)
	assert.Empty(t, got.Node)
	view, _ := h.sched.Node("n1")
	assert.Empty(t, view.Blocks)
	require.Len(t, h.sched.Pool(), 1)
}

func TestAssignBlock_DisplayIndex(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	a := h.block(t, 1, 10)
	b := h.block(t, 11, 20)
	c := h.block(t, 21, 30)
	h.assign(t, a.ID, "n1")
	h.assign(t, b.ID, "n1")
	require.NoError(t, h.sched.AssignBlock(c.ID, "n1", 0))

	view, _ := h.sched.Node("n1")
	assert.Equal(t, []string{c.ID, a.ID, b.ID}, blockIDs(view.Blocks))

	// Reordering keeps state and execution order by start frame.
	require.NoError(t, h.sched.AssignBlock(a.ID, "n1", 2))
	view, _ = h.sched.Node("n1")
	assert.Equal(t, []string{c.ID, b.ID, a.ID}, blockIDs(view.Blocks))

	require.NoError(t, h.sched.SetNodeRendering("n1", true))
	cmd := h.sink.last(t)
	assert.Equal(t, a.ID, cmd.Block.ID, "lowest start frame runs first regardless of display order")
}

func TestSequentialExecution(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")

	second := h.block(t, 101, 200)
	first := h.block(t, 1, 100)
	h.assign(t, second.ID, "n1")
	h.assign(t, first.ID, "n1")

	require.NoError(t, h.sched.SetNodeRendering("n1", true))
	cmd := h.sink.last(t)
	assert.Equal(t, Start, cmd.Kind)
	assert.Equal(t, 1, cmd.Block.Start)
	assert.Equal(t, 100, cmd.Block.End)
	assert.Equal(t, Rendering, h.state(t, first.ID))
	assert.Equal(t, Assigned, h.state(t, second.ID), "only one block renders at a time")
	assert.Equal(t, registry.StatusRendering, h.status(t, "n1"))

	assert.True(t, h.sched.ReportCompletion("n1", first.ID, true, ""))
	cmd = h.sink.last(t)
	assert.Equal(t, Start, cmd.Kind)
	assert.Equal(t, 101, cmd.Block.Start)
	assert.Equal(t, 200, cmd.Block.End)
	assert.Equal(t, Done, h.state(t, first.ID))
	assert.Equal(t, Rendering, h.state(t, second.ID))

	assert.True(t, h.sched.ReportCompletion("n1", second.ID, true, ""))
	cmd = h.sink.last(t)
	assert.Equal(t, Stop, cmd.Kind)
	assert.Equal(t, registry.StatusIdle, h.status(t, "n1"))
	assert.Equal(t, Done, h.state(t, second.ID))
}

func TestFailureDoesNotHaltQueue(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	a := h.block(t, 1, 10)
	b := h.block(t, 11, 20)
	h.assign(t, a.ID, "n1")
	h.assign(t, b.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))

	assert.True(t, h.sched.ReportCompletion("n1", a.ID, false, "exit status 1"))

	got, _ := h.sched.Block(a.ID)
	assert.Equal(t, Failed, got.State)
	assert.Equal(t, "exit status 1", got.Error)
	assert.Equal(t, Rendering, h.state(t, b.ID))
	assert.Equal(t, b.ID, h.sink.last(t).Block.ID)
	assert.Contains(t, h.events.kinds, events.BlockFailed)
}

func TestReportCompletion_StaleIgnored(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	h.connect(t, "n2")
	a := h.block(t, 1, 10)
	h.assign(t, a.ID, "n1")

	// Not rendering yet.
	assert.False(t, h.sched.ReportCompletion("n1", a.ID, true, ""))

	require.NoError(t, h.sched.SetNodeRendering("n1", true))
	sent := h.sink.count()

	assert.False(t, h.sched.ReportCompletion("n2", a.ID, true, ""), "wrong node")
	assert.False(t, h.sched.ReportCompletion("n1", "nope", true, ""), "unknown block")
	assert.Equal(t, Rendering, h.state(t, a.ID))
	assert.Equal(t, sent, h.sink.count(), "stale reports emit no commands")
}

func TestToggleRendering(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	a := h.block(t, 1, 10)
	h.assign(t, a.ID, "n1")

	require.NoError(t, h.sched.ToggleRendering("n1"))
	assert.Equal(t, registry.StatusRendering, h.status(t, "n1"))
	assert.Equal(t, Start, h.sink.last(t).Kind)

	require.NoError(t, h.sched.ToggleRendering("n1"))
	assert.Equal(t, registry.StatusPaused, h.status(t, "n1"))
	assert.Equal(t, Assigned, h.state(t, a.ID))
	assert.Equal(t, Stop, h.sink.last(t).Kind)

	require.NoError(t, h.sched.ToggleRendering("n1"))
	assert.Equal(t, registry.StatusRendering, h.status(t, "n1"))
	assert.Equal(t, a.ID, h.sink.last(t).Block.ID)
}

func TestSetNodeRendering_Preconditions(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t, "n1")

	err := h.sched.SetNodeRendering("n1", true)
	assert.True(t, errors.Is(err, ErrNothingToRender))

	a := h.block(t, 1, 10)
	h.assign(t, a.ID, "n1")
	require.True(t, h.sched.NodeDisconnected("n1", s))

	err = h.sched.SetNodeRendering("n1", true)
	assert.True(t, errors.Is(err, ErrNodeOffline))
	assert.Equal(t, "node_offline", ErrorCode(err))

	err = h.sched.SetNodeRendering("ghost", true)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestReassignActiveBlockStopsOldNode(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	h.connect(t, "n2")
	a := h.block(t, 1, 10)
	h.assign(t, a.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))

	h.assign(t, a.ID, "n2")

	var stop Command
	h.sink.mu.Lock()
	for _, c := range h.sink.cmds {
		if c.NodeID == "n1" && c.Kind == Stop {
			stop = c
		}
	}
	h.sink.mu.Unlock()
	assert.Equal(t, Stop, stop.Kind, "old node must be told to stop")
	assert.Equal(t, registry.StatusPaused, h.status(t, "n1"))

	got, _ := h.sched.Block(a.ID)
	assert.Equal(t, Assigned, got.State)
	assert.Equal(t, "n2", got.Node)
}

func TestReassignDoneBlockRerenders(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	h.connect(t, "n2")
	a := h.block(t, 1, 10)
	h.assign(t, a.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))
	require.True(t, h.sched.ReportCompletion("n1", a.ID, true, ""))

	h.assign(t, a.ID, "n2")
	assert.Equal(t, Assigned, h.state(t, a.ID))
}

func TestDeleteBlock(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	a := h.block(t, 1, 10)
	h.assign(t, a.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))

	require.NoError(t, h.sched.DeleteBlock(a.ID))
	assert.Equal(t, Stop, h.sink.last(t).Kind)
	assert.Equal(t, registry.StatusPaused, h.status(t, "n1"))

	_, ok := h.sched.Block(a.ID)
	assert.False(t, ok)
	view, _ := h.sched.Node("n1")
	assert.Empty(t, view.Blocks)

	err := h.sched.DeleteBlock(a.ID)
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestRetryBlock(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	a := h.block(t, 1, 10)

	err := h.sched.RetryBlock(a.ID)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	h.assign(t, a.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))
	require.True(t, h.sched.ReportCompletion("n1", a.ID, false, "crash"))

	require.NoError(t, h.sched.RetryBlock(a.ID))
	got, _ := h.sched.Block(a.ID)
	assert.Equal(t, Assigned, got.State)
	assert.Empty(t, got.Error)
	assert.Equal(t, "n1", got.Node)

	err = h.sched.RetryBlock("missing")
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestReportProgress(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "n1")
	a := h.block(t, 1, 100)
	h.assign(t, a.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))

	assert.True(t, h.sched.ReportProgress("n1", a.ID, 50))
	node, _ := h.reg.Get("n1")
	assert.Equal(t, 50, node.Progress)
	got, _ := h.sched.Block(a.ID)
	assert.Equal(t, 50, got.Frame)

	assert.False(t, h.sched.ReportProgress("n1", "other", 10))
}

func TestDisconnectReconnectRoundTrip(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, "n1")
	a := h.block(t, 1, 10)
	b := h.block(t, 11, 20)
	h.assign(t, a.ID, "n1")
	h.assign(t, b.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))

	before, _ := h.sched.Node("n1")

	require.True(t, h.sched.NodeDisconnected("n1", first))
	assert.False(t, h.sched.NodeDisconnected("n1", first), "second disconnect is a no-op")

	mid, _ := h.sched.Node("n1")
	assert.Equal(t, registry.Disconnected, mid.Node.Connection)

	second := &fakeSession{id: "n1"}
	node, created, err := h.sched.NodeConnected(second, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, registry.Connected, node.Connection)

	after, _ := h.sched.Node("n1")
	assert.Equal(t, before.Node.Status, after.Node.Status)
	assert.Equal(t, before.Blocks, after.Blocks)

	cmd := h.sink.last(t)
	assert.Equal(t, Start, cmd.Kind, "reconnected agent is told to resume")
	assert.Equal(t, a.ID, cmd.Block.ID)
}

func TestNodeConnected_IdempotentAndDuplicate(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t, "n1")
	topology := h.pub.topology
	sent := h.sink.count()

	_, created, err := h.sched.NodeConnected(s, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, topology, h.pub.topology, "late duplicate registration publishes nothing")
	assert.Equal(t, sent, h.sink.count())

	_, _, err = h.sched.NodeConnected(&fakeSession{id: "n1"}, "")
	assert.True(t, errors.Is(err, registry.ErrDuplicateActiveSession))
}

func TestReleaseNode(t *testing.T) {
	h := newHarness(t)
	s := h.connect(t, "n1")
	done := h.block(t, 1, 10)
	queued := h.block(t, 11, 20)
	h.assign(t, done.ID, "n1")
	h.assign(t, queued.ID, "n1")
	require.NoError(t, h.sched.SetNodeRendering("n1", true))
	require.True(t, h.sched.ReportCompletion("n1", done.ID, true, ""))
	require.Equal(t, Rendering, h.state(t, queued.ID))

	assert.False(t, h.sched.ReleaseNode("n1"), "connected nodes are not released")

	require.True(t, h.sched.NodeDisconnected("n1", s))
	require.True(t, h.sched.ReleaseNode("n1"))

	assert.Equal(t, registry.StatusIdle, h.status(t, "n1"))
	got, _ := h.sched.Block(queued.ID)
	assert.Equal(t, Unassigned, got.State)
	assert.Empty(t, got.Node)
	assert.Equal(t, Done, h.state(t, done.ID))

	view, _ := h.sched.Node("n1")
	assert.Equal(t, []string{done.ID}, blockIDs(view.Blocks))
	assert.Equal(t, []string{queued.ID}, blockIDs(h.sched.Pool()))
}

func TestView_RegistrationOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "gamma")
	h.connect(t, "alpha")
	h.connect(t, "beta")

	var names []string
	h.sched.View(func(nodes []NodeView, pool []Block) {
		for _, n := range nodes {
			names = append(names, n.Node.ID)
		}
		assert.Empty(t, pool)
	})
	assert.Equal(t, []string{"gamma", "alpha", "beta"}, names)
}

// Random operations never leave two overlapping blocks on one node.
func TestOverlapInvariant_RandomOperations(t *testing.T) {
	h := newHarness(t)
	nodes := []string{"n1", "n2", "n3"}
	for _, n := range nodes {
		h.connect(t, n)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	var ids []string
	for i := 0; i < 500; i++ {
		switch rng.IntN(4) {
		case 0:
			start := rng.IntN(1000)
			b, err := h.sched.CreateBlock(fmt.Sprintf("scene-%d", i%5), start, start+1+rng.IntN(100))
			require.NoError(t, err)
			ids = append(ids, b.ID)
		case 1, 2:
			if len(ids) == 0 {
				continue
			}
			target := nodes[rng.IntN(len(nodes))]
			if rng.IntN(5) == 0 {
				target = ""
			}
			err := h.sched.AssignBlock(ids[rng.IntN(len(ids))], target, rng.IntN(4)-1)
			if err != nil {
				require.True(t, errors.Is(err, ErrOverlapConflict), "unexpected error: %v", err)
			}
		case 3:
			n := nodes[rng.IntN(len(nodes))]
			err := h.sched.ToggleRendering(n)
			if err != nil {
				require.True(t, errors.Is(err, ErrNothingToRender), "unexpected error: %v", err)
			}
		}

		for _, view := range h.sched.Nodes() {
			for x := 0; x < len(view.Blocks); x++ {
				for y := x + 1; y < len(view.Blocks); y++ {
					require.False(t, view.Blocks[x].Overlaps(view.Blocks[y]),
						"node %s has overlapping blocks after step %d", view.Node.ID, i)
				}
			}
			rendering := 0
			for _, b := range view.Blocks {
				require.Equal(t, view.Node.ID, b.Node)
				if b.State == Rendering {
					rendering++
				}
			}
			require.LessOrEqual(t, rendering, 1, "node %s renders more than one block", view.Node.ID)
		}
	}
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "invalid_range", ErrorCode(fmt.Errorf("wrapped: %w", ErrInvalidRange)))
	assert.Equal(t, "nothing_to_render", ErrorCode(ErrNothingToRender))
	assert.Equal(t, "internal", ErrorCode(errors.New("boom")))
}

func blockIDs(blocks []Block) []string {
	out := make([]string, len(blocks))
	for i, b := range blocks {
		out[i] = b.ID
	}
	return out
}
