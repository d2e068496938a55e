// ABOUTME: Conversion of scheduler state into observer wire views
// ABOUTME: Shared by the broadcaster and the hub's JSON API

package broadcast

import (
	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/scheduler"
)

// NodeInfo converts a node view for observers.
func NodeInfo(v scheduler.NodeView) protocol.NodeInfo {
	return protocol.NodeInfo{
		ID:         v.Node.ID,
		Name:       v.Node.ID,
		Engine:     v.Node.Engine,
		Connection: string(v.Node.Connection),
		Status:     string(v.Node.Status),
		Progress:   v.Node.Progress,
		LastSeen:   v.Node.LastSeen,
		Blocks:     BlockInfos(v.Blocks),
	}
}

// NodeInfos converts node views in order.
func NodeInfos(views []scheduler.NodeView) []protocol.NodeInfo {
	out := make([]protocol.NodeInfo, len(views))
	for i, v := range views {
		out[i] = NodeInfo(v)
	}
	return out
}

// BlockInfo converts a block for observers.
func BlockInfo(b scheduler.Block) protocol.BlockInfo {
	return protocol.BlockInfo{
		ID:    b.ID,
		Scene: b.Scene,
		Start: b.Start,
		End:   b.End,
		State: string(b.State),
		Node:  b.Node,
		Color: b.Color,
		Frame: b.Frame,
		Error: b.Error,
	}
}

// BlockInfos converts blocks in order. The result is never nil.
func BlockInfos(blocks []scheduler.Block) []protocol.BlockInfo {
	out := make([]protocol.BlockInfo, len(blocks))
	for i, b := range blocks {
		out[i] = BlockInfo(b)
	}
	return out
}

func nodeList(seq uint64, nodes []scheduler.NodeView, pool []scheduler.Block) *protocol.NodeList {
	return &protocol.NodeList{Seq: seq, Nodes: NodeInfos(nodes), Pool: BlockInfos(pool)}
}
