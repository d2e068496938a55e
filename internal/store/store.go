// ABOUTME: Journal interface and query types for sheepfarm persistence
// ABOUTME: The journal is an append-only history of farm events and console output

package store

import (
	"context"

	"github.com/2389/sheepfarm/internal/events"
)

// Default and maximum row counts for journal queries.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Query filters journal reads. Zero fields match everything.
type Query struct {
	Node  string
	Block string
	Kinds []events.Kind
	Limit int // clamped to [1, MaxLimit], defaults to DefaultLimit
}

// Journal records farm history. It is written asynchronously through the
// event bus and read by the hub's HTTP API.
type Journal interface {
	SaveEvent(ctx context.Context, ev events.Event) error

	// Events returns the most recent matching events, oldest first.
	Events(ctx context.Context, q Query) ([]events.Event, error)

	// ConsoleTail returns the last limit console lines of a node, oldest first.
	ConsoleTail(ctx context.Context, node string, limit int) ([]events.Event, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}
