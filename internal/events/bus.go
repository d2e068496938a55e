// ABOUTME: Asynchronous fan-out of farm events to pluggable sinks
// ABOUTME: Emit never blocks the caller; a full buffer drops the event

package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBufferSize = 1024
	sinkTimeout       = 5 * time.Second
)

// Sink persists or forwards events. Handle is called from the bus goroutine
// only, one event at a time.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// Bus decouples event producers from slow sinks. Producers call Emit while
// holding their own locks, so Emit only enqueues.
type Bus struct {
	events chan Event
	sinks  []Sink
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	stopped   chan struct{}
	dropped   atomic.Uint64
}

// NewBus creates a Bus delivering to sinks. A bufferSize of 0 selects the default.
func NewBus(bufferSize int, logger *slog.Logger, sinks ...Sink) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		events:  make(chan Event, bufferSize),
		sinks:   sinks,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Emit queues ev for delivery. ID and At are filled in when empty.
func (b *Bus) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.events <- ev:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.logger.Warn("event buffer full, dropping events",
				"kind", ev.Kind,
				"dropped_total", b.dropped.Load(),
			)
		}
	}
}

// Dropped returns how many events were lost to a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Run delivers events until ctx is cancelled or Close is called, then
// delivers whatever is still buffered.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)

	for {
		select {
		case ev := <-b.events:
			b.deliver(ctx, ev)
		case <-ctx.Done():
			b.drain(context.WithoutCancel(ctx))
			return
		case <-b.done:
			b.drain(ctx)
			return
		}
	}
}

// Close stops accepting events and waits for Run to finish draining.
// It must only be called after Run has started.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.stopped
}

func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case ev := <-b.events:
			b.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, ev Event) {
	for _, sink := range b.sinks {
		sctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		if err := sink.Handle(sctx, ev); err != nil {
			b.logger.Warn("event sink failed",
				"sink", sink.Name(),
				"kind", ev.Kind,
				"error", err,
			)
		}
		cancel()
	}
}
