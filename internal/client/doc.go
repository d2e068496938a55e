// Package client is the observer side of the hub's WebSocket protocol.
//
// # Overview
//
// An observer connects to /ws/observer, receives a full node-list snapshot,
// and then a stream of node-list, node-update, pool-update and console-output
// messages. It may propose commands; each carries a request ID and the hub
// answers with exactly one command-result.
//
// # Commands
//
// Client wraps each command in a blocking call that returns once the
// matching result arrives:
//
//   - CreateBlock: adds an unassigned block and returns its ID
//   - AssignBlock / UnassignBlock: moves a block between nodes and the pool
//   - DeleteBlock: removes a block that is not rendering
//   - ToggleRender: starts or pauses a node
//   - RetryBlock: requeues a failed block
//
// Rejected commands come back as *CommandError carrying the hub's code
// (invalid_range, overlap_conflict, node_not_found and so on).
//
// # Usage
//
//	c, err := client.Dial(ctx, "http://localhost:8080", client.Options{Password: pw})
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	id, err := c.CreateBlock(ctx, "shot010.blend", 1, 120)
//	for msg := range c.Updates() {
//		...
//	}
package client
