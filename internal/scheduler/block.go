// ABOUTME: Block model, lifecycle states and the scheduler's validation errors
// ABOUTME: Errors map to stable codes reported back to observers

package scheduler

import (
	"errors"
	"time"
)

// BlockState is a block's lifecycle state.
type BlockState string

const (
	Unassigned BlockState = "unassigned"
	Assigned   BlockState = "assigned"
	Rendering  BlockState = "rendering"
	Done       BlockState = "done"
	Failed     BlockState = "failed"
)

// Block is a contiguous inclusive frame range of one scene.
type Block struct {
	ID        string
	Scene     string
	Start     int
	End       int
	State     BlockState
	Node      string // empty while unassigned
	Color     string
	Frame     int    // last frame the agent reported
	Error     string // last failure text
	CreatedAt time.Time

	seq uint64
}

// Overlaps reports whether the inclusive ranges of b and o intersect.
func (b Block) Overlaps(o Block) bool {
	return b.Start <= o.End && o.Start <= b.End
}

// Frames returns the number of frames in the block.
func (b Block) Frames() int {
	return b.End - b.Start + 1
}

// blockPalette is indexed by the scene's character sum.
var blockPalette = []string{"red", "blue", "green", "yellow", "purple", "pink"}

// ColorFor returns the display colour of a scene label. Blocks of the same
// scene always share a colour.
func ColorFor(scene string) string {
	sum := 0
	for _, r := range scene {
		sum += int(r)
	}
	return blockPalette[sum%len(blockPalette)]
}

var (
	ErrInvalidRange      = errors.New("start frame must be non-negative and less than end frame")
	ErrInvalidLabel      = errors.New("scene label is required")
	ErrOverlapConflict   = errors.New("block overlaps a block already assigned to the node")
	ErrBlockNotFound     = errors.New("block not found")
	ErrNodeNotFound      = errors.New("node not found")
	ErrNodeOffline       = errors.New("node is not connected")
	ErrNothingToRender   = errors.New("node has no assigned blocks")
	ErrInvalidTransition = errors.New("invalid block state transition")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidRange, "invalid_range"},
	{ErrInvalidLabel, "invalid_label"},
	{ErrOverlapConflict, "overlap_conflict"},
	{ErrBlockNotFound, "block_not_found"},
	{ErrNodeNotFound, "node_not_found"},
	{ErrNodeOffline, "node_offline"},
	{ErrNothingToRender, "nothing_to_render"},
	{ErrInvalidTransition, "invalid_transition"},
}

// ErrorCode returns the stable code observers see for err, or "internal"
// for errors the scheduler does not define.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
