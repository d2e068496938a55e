// ABOUTME: Farm events emitted on every node and block transition
// ABOUTME: Consumed asynchronously by the journal store and the NATS publisher

package events

import (
	"encoding/json"
	"time"
)

// Kind names what happened.
type Kind string

const (
	NodeRegistered   Kind = "node.registered"
	NodeConnected    Kind = "node.connected"
	NodeDisconnected Kind = "node.disconnected"
	NodeReleased     Kind = "node.released"
	NodeStarted      Kind = "node.started"
	NodePaused       Kind = "node.paused"
	NodeIdle         Kind = "node.idle"

	BlockCreated    Kind = "block.created"
	BlockAssigned   Kind = "block.assigned"
	BlockUnassigned Kind = "block.unassigned"
	BlockStarted    Kind = "block.started"
	BlockDone       Kind = "block.done"
	BlockFailed     Kind = "block.failed"
	BlockRetried    Kind = "block.retried"
	BlockDeleted    Kind = "block.deleted"

	ConsoleLine Kind = "console"
)

// Event is one entry in the farm's history.
type Event struct {
	ID     string    `json:"id"`
	Kind   Kind      `json:"kind"`
	Node   string    `json:"node,omitempty"`
	Block  string    `json:"block,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Subject returns the event's subject under prefix, e.g. "sheepfarm.block.done".
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		return string(e.Kind)
	}
	return prefix + "." + string(e.Kind)
}

// JSON returns the event's wire form.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
