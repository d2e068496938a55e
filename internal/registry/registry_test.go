// ABOUTME: Tests for the node registry
// ABOUTME: Covers registration order, reconnect preservation and stale-session guards

package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sheepfarm/internal/protocol"
)

type fakeSession struct {
	id string

	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func (f *fakeSession) Identity() string { return f.id }

func (f *fakeSession) Send(m protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegister_NewNode(t *testing.T) {
	r := New(nil)
	s := &fakeSession{id: "render-01"}

	node, created, err := r.Register("render-01", "", s)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "render-01", node.ID)
	assert.Equal(t, DefaultEngine, node.Engine)
	assert.Equal(t, Connected, node.Connection)
	assert.Equal(t, StatusIdle, node.Status)
	assert.Empty(t, node.Blocks)

	got, ok := r.Session("render-01")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestRegister_SameSessionIsNoop(t *testing.T) {
	r := New(nil)
	s := &fakeSession{id: "render-01"}

	_, _, err := r.Register("render-01", "karma", s)
	require.NoError(t, err)

	node, created, err := r.Register("render-01", "karma", s)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, Connected, node.Connection)
	assert.Len(t, r.Snapshot(), 1)
}

func TestRegister_DuplicateActiveSession(t *testing.T) {
	r := New(nil)
	first := &fakeSession{id: "render-01"}
	second := &fakeSession{id: "render-01"}

	_, _, err := r.Register("render-01", "", first)
	require.NoError(t, err)

	_, _, err = r.Register("render-01", "", second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateActiveSession))

	var dup *DuplicateSessionError
	require.True(t, errors.As(err, &dup))
	assert.Same(t, first, dup.Existing)

	// The live session is untouched until the caller releases it.
	got, _ := r.Session("render-01")
	assert.Same(t, first, got)
}

func TestReconnect_PreservesStatusAndBlocks(t *testing.T) {
	r := New(nil)
	first := &fakeSession{id: "render-01"}

	_, _, err := r.Register("render-01", "", first)
	require.NoError(t, err)
	require.NoError(t, r.AttachBlock("render-01", "b1", -1))
	require.NoError(t, r.AttachBlock("render-01", "b2", -1))
	require.NoError(t, r.SetStatus("render-01", StatusRendering))

	before, _ := r.Get("render-01")

	require.True(t, r.MarkDisconnected("render-01", first))
	mid, _ := r.Get("render-01")
	assert.Equal(t, Disconnected, mid.Connection)
	assert.Equal(t, StatusRendering, mid.Status)
	assert.Equal(t, []string{"b1", "b2"}, mid.Blocks)

	second := &fakeSession{id: "render-01"}
	after, created, err := r.Register("render-01", "", second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, Connected, after.Connection)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Blocks, after.Blocks)
	assert.Equal(t, before.Seq, after.Seq)
}

func TestMarkDisconnected_StaleSessionIgnored(t *testing.T) {
	r := New(nil)
	old := &fakeSession{id: "render-01"}
	current := &fakeSession{id: "render-01"}

	_, _, err := r.Register("render-01", "", old)
	require.NoError(t, err)
	require.True(t, r.MarkDisconnected("render-01", old))
	_, _, err = r.Register("render-01", "", current)
	require.NoError(t, err)

	assert.False(t, r.MarkDisconnected("render-01", old), "stale session must not disconnect its replacement")
	node, _ := r.Get("render-01")
	assert.Equal(t, Connected, node.Connection)

	assert.False(t, r.MarkDisconnected("nobody", old))
}

func TestSnapshot_RegistrationOrder(t *testing.T) {
	r := New(nil)
	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, _, err := r.Register(id, "", &fakeSession{id: id})
		require.NoError(t, err)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "zeta", snap[0].ID)
	assert.Equal(t, "alpha", snap[1].ID)
	assert.Equal(t, "mid", snap[2].ID)
	assert.Less(t, snap[0].Seq, snap[1].Seq)
}

func TestSnapshot_IsACopy(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("render-01", "", &fakeSession{id: "render-01"})
	require.NoError(t, err)
	require.NoError(t, r.AttachBlock("render-01", "b1", -1))

	snap := r.Snapshot()
	snap[0].Blocks[0] = "mutated"
	snap[0].Status = StatusPaused

	node, _ := r.Get("render-01")
	assert.Equal(t, []string{"b1"}, node.Blocks)
	assert.Equal(t, StatusIdle, node.Status)
}

func TestAttachBlock_Index(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("n", "", &fakeSession{id: "n"})
	require.NoError(t, err)

	require.NoError(t, r.AttachBlock("n", "a", -1))
	require.NoError(t, r.AttachBlock("n", "b", -1))
	require.NoError(t, r.AttachBlock("n", "c", 0))
	node, _ := r.Get("n")
	assert.Equal(t, []string{"c", "a", "b"}, node.Blocks)

	// Moving within the list.
	require.NoError(t, r.AttachBlock("n", "b", 1))
	node, _ = r.Get("n")
	assert.Equal(t, []string{"c", "b", "a"}, node.Blocks)

	require.NoError(t, r.DetachBlock("n", "b"))
	node, _ = r.Get("n")
	assert.Equal(t, []string{"c", "a"}, node.Blocks)

	err = r.AttachBlock("ghost", "a", 0)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestStale(t *testing.T) {
	r := New(nil)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	quiet := &fakeSession{id: "quiet"}
	_, _, err := r.Register("quiet", "", quiet)
	require.NoError(t, err)

	clock = clock.Add(20 * time.Second)
	_, _, err = r.Register("chatty", "", &fakeSession{id: "chatty"})
	require.NoError(t, err)

	clock = clock.Add(20 * time.Second)
	r.Touch("chatty")

	stale := r.Stale(clock.Add(-30 * time.Second))
	require.Len(t, stale, 1)
	assert.Same(t, quiet, stale["quiet"])
	assert.Equal(t, 2, r.ConnectedCount())
}

func TestSetProgress_Clamped(t *testing.T) {
	r := New(nil)
	_, _, err := r.Register("n", "", &fakeSession{id: "n"})
	require.NoError(t, err)

	require.NoError(t, r.SetProgress("n", 140))
	node, _ := r.Get("n")
	assert.Equal(t, 100, node.Progress)

	require.NoError(t, r.SetStatus("n", StatusIdle))
	node, _ = r.Get("n")
	assert.Equal(t, 0, node.Progress, "leaving rendering resets progress")
}
