// ABOUTME: Render engines the agent can drive for one block of frames
// ABOUTME: A simulated engine for development and a per-frame command runner

package renderagent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/2389/sheepfarm/internal/protocol"
)

// Reporter receives progress from a running render.
type Reporter interface {
	// Frame reports that frame finished rendering.
	Frame(frame int)
	// Console relays one line of engine output.
	Console(line string)
}

// Renderer renders every frame of a block in order. Render returns nil only
// when all frames succeeded and ctx.Err() when it was stopped.
type Renderer interface {
	Render(ctx context.Context, block protocol.BlockRange, report Reporter) error
}

// Greeter is implemented by renderers that announce themselves on connect.
type Greeter interface {
	Greeting() string
}

// SimulatedRenderer stands in for a real engine: each frame takes
// FrameDelay and FailFrame, when set, fails the block at that frame.
type SimulatedRenderer struct {
	FrameDelay time.Duration
	FailFrame  int

	mu     sync.Mutex
	frames []string
}

// Render implements Renderer.
func (r *SimulatedRenderer) Render(ctx context.Context, block protocol.BlockRange, report Reporter) error {
	report.Console(fmt.Sprintf("rendering %s frames %d-%d", block.Scene, block.Start, block.End))

	for f := block.Start; f <= block.End; f++ {
		timer := time.NewTimer(r.FrameDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if r.FailFrame != 0 && f == r.FailFrame {
			report.Console(fmt.Sprintf("Fra:%d error: simulated failure", f))
			return fmt.Errorf("frame %d failed", f)
		}

		name := frameFile(block.Scene, f)
		r.mu.Lock()
		r.frames = append(r.frames, name)
		r.mu.Unlock()

		report.Console(fmt.Sprintf("Fra:%d saved %s", f, name))
		report.Frame(f)
	}
	return nil
}

// Greeting lists the frames rendered so far, like a directory listing of
// the output folder.
func (r *SimulatedRenderer) Greeting() string {
	r.mu.Lock()
	files := slices.Clone(r.frames)
	r.mu.Unlock()

	if len(files) == 0 {
		return "files: (none)"
	}
	return "files: " + strings.Join(files, ",")
}

// Rendered returns the output file names produced so far.
func (r *SimulatedRenderer) Rendered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.frames)
}

func frameFile(scene string, frame int) string {
	base := strings.TrimSuffix(filepath.Base(scene), filepath.Ext(scene))
	if base == "" || base == "." {
		base = "frame"
	}
	return fmt.Sprintf("%s_%04d.exr", base, frame)
}

// CommandRenderer runs an external engine once per frame. Args may contain
// the placeholders {scene}, {frame} and {block}.
type CommandRenderer struct {
	Path string
	Args []string
}

// Render implements Renderer.
func (r *CommandRenderer) Render(ctx context.Context, block protocol.BlockRange, report Reporter) error {
	for f := block.Start; f <= block.End; f++ {
		args := make([]string, len(r.Args))
		for i, a := range r.Args {
			args[i] = expandArg(a, block, f)
		}

		cmd := exec.CommandContext(ctx, r.Path, args...)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		err := cmd.Run()

		for _, line := range strings.Split(strings.TrimRight(out.String(), "\n"), "\n") {
			if line != "" {
				report.Console(line)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", f, err)
		}
		report.Frame(f)
	}
	return nil
}

func expandArg(arg string, block protocol.BlockRange, frame int) string {
	return strings.NewReplacer(
		"{scene}", block.Scene,
		"{frame}", strconv.Itoa(frame),
		"{block}", block.ID,
	).Replace(arg)
}
