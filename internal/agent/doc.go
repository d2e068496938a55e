// Package agent wraps the connection of a single render agent.
//
// # Handshake
//
// Every agent connection must open with a register message carrying the
// agent's identity (its hostname) and optionally its render engine:
//
//	{"type":"register","identity":"render-01","engine":"karma"}
//
// Accept reads that message and returns a Session. Anything else as the first
// message gets an error notice and the connection is closed.
//
// # Sessions
//
// A Session is created per connection and carries a random ID, so the
// registry can tell a stale session from its replacement after a reconnect:
//
//	sess, err := agent.Accept(conn, logger)
//	node, created, err := registry.Register(sess.Identity(), sess.Engine(), sess)
//
// Key operations:
//
//   - Send(msg): queue a message without blocking
//   - Receive(): block for the next agent message
//   - Reject(code, message): send an error notice and close
//   - Close(): flush and close
//
// # Thread Safety
//
// Send and Close may be called from any goroutine. Receive must only be
// called from the session's read loop.
package agent
