// ABOUTME: Wire message types for agent and observer connections
// ABOUTME: Each type maps to one "type" discriminator value on the wire

package protocol

import "time"

// Message type discriminators.
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeRenderState    = "render-state"
	TypeConsoleOutput  = "console-output"
	TypeRenderProgress = "render-progress"
	TypeRenderComplete = "render-complete"
	TypeError          = "error"

	TypeNodeList      = "node-list"
	TypeNodeUpdate    = "node-update"
	TypePoolUpdate    = "pool-update"
	TypeCommandResult = "command-result"

	TypeCreateBlock  = "create-block"
	TypeAssignBlock  = "assign-block"
	TypeDeleteBlock  = "delete-block"
	TypeToggleRender = "toggle-render"
	TypeRetryBlock   = "retry-block"
)

// maxIdentityLen bounds agent identities; hostnames never exceed 253 bytes.
const maxIdentityLen = 253

// Message is implemented by every wire message.
type Message interface {
	MessageType() string
}

// Command is an observer proposal that expects a CommandResult.
type Command interface {
	Message
	Request() string
}

// Register is the first message an agent sends on every connection.
type Register struct {
	Identity string `json:"identity"`
	Engine   string `json:"engine,omitempty"`
}

// Heartbeat refreshes an agent's liveness.
type Heartbeat struct{}

// BlockRange is the unit of work handed to an agent.
type BlockRange struct {
	ID    string `json:"id,omitempty"`
	Scene string `json:"scene,omitempty"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// RenderState commands an agent to start (with Block) or stop rendering.
type RenderState struct {
	IsRendering bool        `json:"isRendering"`
	Block       *BlockRange `json:"block,omitempty"`
}

// ConsoleOutput carries agent log text. Node and Seq are set only on the
// copy relayed to observers.
type ConsoleOutput struct {
	Seq  uint64 `json:"seq,omitempty"`
	Node string `json:"node,omitempty"`
	Text string `json:"text"`
}

// RenderProgress reports the last frame an agent finished.
type RenderProgress struct {
	BlockID string `json:"blockId"`
	Frame   int    `json:"frame"`
}

// RenderComplete reports the outcome of a block.
type RenderComplete struct {
	BlockID string `json:"blockId"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// ErrorNotice tells a peer why the hub is closing its connection.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BlockInfo is the observer view of a block.
type BlockInfo struct {
	ID    string `json:"id"`
	Scene string `json:"scene"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	State string `json:"state"`
	Node  string `json:"node,omitempty"`
	Color string `json:"color"`
	Frame int    `json:"frame,omitempty"`
	Error string `json:"error,omitempty"`
}

// NodeInfo is the observer view of a render node.
type NodeInfo struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Engine     string      `json:"engine"`
	Connection string      `json:"connection"`
	Status     string      `json:"status"`
	Progress   int         `json:"progress"`
	LastSeen   time.Time   `json:"lastSeen"`
	Blocks     []BlockInfo `json:"blocks"`
}

// NodeList is a full snapshot of the farm.
type NodeList struct {
	Seq   uint64      `json:"seq"`
	Nodes []NodeInfo  `json:"nodes"`
	Pool  []BlockInfo `json:"pool"`
}

// NodeUpdate is a delta for a single node.
type NodeUpdate struct {
	Seq  uint64   `json:"seq"`
	Node NodeInfo `json:"node"`
}

// PoolUpdate is a delta for the unassigned block pool.
type PoolUpdate struct {
	Seq  uint64      `json:"seq"`
	Pool []BlockInfo `json:"pool"`
}

// CommandResult acknowledges an observer command.
type CommandResult struct {
	RequestID string `json:"requestId"`
	OK        bool   `json:"ok"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	BlockID   string `json:"blockId,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// CreateBlock proposes a new unassigned block.
type CreateBlock struct {
	RequestID string `json:"requestId"`
	Scene     string `json:"scene"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
}

// AssignBlock proposes moving a block to a node, or back to the pool when
// NodeID is nil. Index positions the block in the node's display order.
type AssignBlock struct {
	RequestID string  `json:"requestId"`
	BlockID   string  `json:"blockId"`
	NodeID    *string `json:"nodeId"`
	Index     *int    `json:"index,omitempty"`
}

// DeleteBlock proposes removing a block.
type DeleteBlock struct {
	RequestID string `json:"requestId"`
	BlockID   string `json:"blockId"`
}

// ToggleRender proposes flipping a node between rendering and paused.
type ToggleRender struct {
	RequestID string `json:"requestId"`
	NodeID    string `json:"nodeId"`
}

// RetryBlock proposes moving a failed block back to assigned.
type RetryBlock struct {
	RequestID string `json:"requestId"`
	BlockID   string `json:"blockId"`
}

func (*Register) MessageType() string       { return TypeRegister }
func (*Heartbeat) MessageType() string      { return TypeHeartbeat }
func (*RenderState) MessageType() string    { return TypeRenderState }
func (*ConsoleOutput) MessageType() string  { return TypeConsoleOutput }
func (*RenderProgress) MessageType() string { return TypeRenderProgress }
func (*RenderComplete) MessageType() string { return TypeRenderComplete }
func (*ErrorNotice) MessageType() string    { return TypeError }
func (*NodeList) MessageType() string       { return TypeNodeList }
func (*NodeUpdate) MessageType() string     { return TypeNodeUpdate }
func (*PoolUpdate) MessageType() string     { return TypePoolUpdate }
func (*CommandResult) MessageType() string  { return TypeCommandResult }
func (*CreateBlock) MessageType() string    { return TypeCreateBlock }
func (*AssignBlock) MessageType() string    { return TypeAssignBlock }
func (*DeleteBlock) MessageType() string    { return TypeDeleteBlock }
func (*ToggleRender) MessageType() string   { return TypeToggleRender }
func (*RetryBlock) MessageType() string     { return TypeRetryBlock }

func (c *CreateBlock) Request() string  { return c.RequestID }
func (c *AssignBlock) Request() string  { return c.RequestID }
func (c *DeleteBlock) Request() string  { return c.RequestID }
func (c *ToggleRender) Request() string { return c.RequestID }
func (c *RetryBlock) Request() string   { return c.RequestID }
