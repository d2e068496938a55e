// Package protocol defines the messages exchanged between the hub, render
// agents and observing dashboards.
//
// # Framing
//
// Every message is a single JSON object carried in one WebSocket text frame.
// The object's "type" field selects the concrete message; all other fields are
// flat siblings of "type":
//
//	{"type":"register","identity":"render-01","engine":"karma"}
//	{"type":"render-state","isRendering":true,"block":{"id":"...","start":1,"end":100}}
//
// # Agent messages
//
//   - register (agent → hub): first message on every connection
//   - heartbeat (agent → hub): liveness refresh
//   - render-state (hub → agent): start or stop rendering a block
//   - console-output (agent → hub): free-text execution log
//   - render-progress (agent → hub): last frame finished
//   - render-complete (agent → hub): block finished or failed
//   - error (hub → peer): sent before a protocol-error disconnect
//
// # Observer messages
//
//   - node-list, node-update, pool-update, console-output, command-result (hub → observer)
//   - create-block, assign-block, delete-block, toggle-render, retry-block (observer → hub)
//
// Decode reports malformed input as *Error, which matches ErrProtocol under
// errors.Is.
package protocol
