// ABOUTME: Fan-out of farm state to observer connections
// ABOUTME: Each observer has a bounded queue; a full queue drops that observer

package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/scheduler"
)

// Sender is an observer connection. Send must not block; *transport.Conn
// fails itself when its queue is full.
type Sender interface {
	Send(m protocol.Message) error
	Close() error
}

// Recorder receives observer metrics.
type Recorder interface {
	ObserversConnected(n int)
	ObserverDropped()
}

// Broadcaster keeps only the observer set. State lives in the scheduler,
// which calls the Publisher methods while holding its lock, so every
// observer sees updates in the order they happened.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]Sender
	seq         uint64
	metrics     Recorder
	logger      *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New(metrics Recorder, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Broadcaster{
		subscribers: make(map[string]Sender),
		metrics:     metrics,
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe sends the snapshot to s and adds it to the observer set.
// Call it from scheduler.View so no update falls between the snapshot and
// the subscription.
func (b *Broadcaster) Subscribe(s Sender, nodes []scheduler.NodeView, pool []scheduler.Block) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if err := s.Send(nodeList(b.seq, nodes, pool)); err != nil {
		return "", err
	}

	id := uuid.New().String()
	b.subscribers[id] = s
	b.metrics.ObserversConnected(len(b.subscribers))
	b.logger.Debug("observer subscribed", "sub_id", id, "observers", len(b.subscribers))
	return id, nil
}

// Unsubscribe removes an observer. It does not close the connection.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[id]; !ok {
		return
	}
	delete(b.subscribers, id)
	b.metrics.ObserversConnected(len(b.subscribers))
	b.logger.Debug("observer unsubscribed", "sub_id", id, "observers", len(b.subscribers))
}

// Count returns the number of observers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Topology implements scheduler.Publisher.
func (b *Broadcaster) Topology(nodes []scheduler.NodeView, pool []scheduler.Block) {
	b.publish(func(seq uint64) protocol.Message {
		return nodeList(seq, nodes, pool)
	})
}

// NodeChanged implements scheduler.Publisher.
func (b *Broadcaster) NodeChanged(node scheduler.NodeView) {
	b.publish(func(seq uint64) protocol.Message {
		return &protocol.NodeUpdate{Seq: seq, Node: NodeInfo(node)}
	})
}

// PoolChanged implements scheduler.Publisher.
func (b *Broadcaster) PoolChanged(pool []scheduler.Block) {
	b.publish(func(seq uint64) protocol.Message {
		return &protocol.PoolUpdate{Seq: seq, Pool: BlockInfos(pool)}
	})
}

// Console relays a line of agent output.
func (b *Broadcaster) Console(node, text string) {
	b.publish(func(seq uint64) protocol.Message {
		return &protocol.ConsoleOutput{Seq: seq, Node: node, Text: text}
	})
}

// Close disconnects every observer.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subscribers {
		_ = s.Close()
		delete(b.subscribers, id)
	}
	b.metrics.ObserversConnected(0)
	b.logger.Debug("broadcaster closed")
}

// publish stamps the next sequence number and enqueues the message for
// every observer. Observers that cannot accept it are dropped.
func (b *Broadcaster) publish(build func(seq uint64) protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	if len(b.subscribers) == 0 {
		return
	}
	msg := build(b.seq)

	for id, s := range b.subscribers {
		if err := s.Send(msg); err != nil {
			b.logger.Warn("dropping slow observer",
				"sub_id", id,
				"type", msg.MessageType(),
				"error", err)
			delete(b.subscribers, id)
			_ = s.Close()
			b.metrics.ObserverDropped()
		}
	}
	b.metrics.ObserversConnected(len(b.subscribers))
}

type nopRecorder struct{}

func (nopRecorder) ObserversConnected(int) {}
func (nopRecorder) ObserverDropped()       {}
