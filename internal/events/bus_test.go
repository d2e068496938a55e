// ABOUTME: Tests for the event bus
// ABOUTME: Verifies ordering, draining on close and drop-on-full behavior

package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Handle(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if s.fail {
		return errors.New("sink unavailable")
	}
	return nil
}

func (s *recordingSink) kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func TestBus_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(16, nil, sink)
	go bus.Run(t.Context())

	bus.Emit(Event{Kind: BlockCreated, Block: "b1"})
	bus.Emit(Event{Kind: BlockAssigned, Block: "b1", Node: "n1"})
	bus.Emit(Event{Kind: BlockStarted, Block: "b1", Node: "n1"})
	bus.Close()

	assert.Equal(t, []Kind{BlockCreated, BlockAssigned, BlockStarted}, sink.kinds())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.NotEmpty(t, sink.events[0].ID)
	assert.False(t, sink.events[0].At.IsZero())
}

func TestBus_SinkErrorDoesNotStopDelivery(t *testing.T) {
	failing := &recordingSink{fail: true}
	healthy := &recordingSink{}
	bus := NewBus(16, nil, failing, healthy)
	go bus.Run(t.Context())

	bus.Emit(Event{Kind: NodeConnected, Node: "n1"})
	bus.Emit(Event{Kind: NodeDisconnected, Node: "n1"})
	bus.Close()

	assert.Len(t, failing.kinds(), 2)
	assert.Len(t, healthy.kinds(), 2)
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus(2, nil)

	// Nobody is consuming yet.
	for i := 0; i < 5; i++ {
		bus.Emit(Event{Kind: ConsoleLine})
	}
	assert.Equal(t, uint64(3), bus.Dropped())
}

func TestBus_EmitAfterCloseIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(4, nil, sink)
	go bus.Run(t.Context())
	bus.Close()

	bus.Emit(Event{Kind: BlockDeleted})
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, sink.kinds())
}

func TestBus_ContextCancelDrains(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(4, nil, sink)

	bus.Emit(Event{Kind: BlockDone})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Run(ctx)

	assert.Equal(t, []Kind{BlockDone}, sink.kinds())
}

func TestEvent_Subject(t *testing.T) {
	ev := Event{Kind: BlockFailed}
	assert.Equal(t, "sheepfarm.block.failed", ev.Subject("sheepfarm"))
	assert.Equal(t, "block.failed", ev.Subject(""))

	data, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"block.failed"`)
}
