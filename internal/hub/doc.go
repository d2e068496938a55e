// Package hub orchestrates the sheepfarm-hub server components.
//
// # Overview
//
// The hub owns the node registry, block scheduler, command dispatcher,
// observer broadcaster, liveness monitor, event journal and metrics, and
// serves them all from one HTTP listener.
//
// # Endpoints
//
//   - GET /ws/agent - render agent WebSocket (register first, then reports)
//   - GET /ws/observer - dashboard WebSocket (snapshot, deltas, commands)
//   - GET /api/nodes - nodes with their blocks plus the unassigned pool
//   - GET /api/nodes/{id}/console?limit=N - journaled console tail
//   - GET /api/blocks - every block in creation order
//   - GET /api/events?node=&block=&kind=&limit= - journal query
//   - GET /health - liveness check
//   - GET /health/ready - ready once a render node is connected
//   - GET /metrics - Prometheus (when metrics.enabled)
//
// # Agent Lifecycle
//
// An agent's first frame must be register. A second live connection for the
// same identity replaces the first. When a connection ends the node is
// marked disconnected and keeps its blocks for reconnect_grace_period; after
// that its unfinished blocks return to the pool.
//
// # Observer Commands
//
// Commands carry a requestId and are answered with a command-result.
// Retrying a requestId within five minutes returns the original result
// marked as a duplicate.
package hub
