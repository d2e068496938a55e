// ABOUTME: Render agent runtime: keeps a hub session alive and executes blocks
// ABOUTME: Reconnects with backoff and replays completions the hub never saw

package renderagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/supervisor"
	"github.com/2389/sheepfarm/internal/transport"
)

// DefaultHeartbeatInterval matches the hub's default liveness interval.
const DefaultHeartbeatInterval = 10 * time.Second

// ErrNotConnected is returned when a message is sent between sessions.
var ErrNotConnected = errors.New("not connected to hub")

// Options configures an Agent.
type Options struct {
	HubURL            string
	Identity          string
	Engine            string
	HeartbeatInterval time.Duration
	Backoff           supervisor.BackoffConfig
	Renderer          Renderer
	Logger            *slog.Logger
}

// Agent is one render node's connection to the hub.
type Agent struct {
	opts    Options
	logger  *slog.Logger
	backoff *supervisor.Backoff
	state   atomic.Value // supervisor.BackoffState, mirrored for Backoff()

	mu       sync.Mutex
	conn     *transport.Conn
	job      *job
	lastDone *protocol.RenderComplete
	pending  []*protocol.RenderComplete

	wg sync.WaitGroup
}

type job struct {
	block  protocol.BlockRange
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Agent. Identity and Renderer are required.
func New(opts Options) (*Agent, error) {
	if opts.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if opts.HubURL == "" {
		return nil, errors.New("hub URL is required")
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	a := &Agent{
		opts:    opts,
		logger:  opts.Logger.With("component", "renderagent", "identity", opts.Identity),
		backoff: supervisor.NewBackoff(opts.Backoff),
	}
	a.state.Store(a.backoff.State())
	return a, nil
}

// Run connects to the hub and serves sessions until ctx ends or the
// reconnect attempts run out, in which case it returns supervisor.ErrGaveUp.
func (a *Agent) Run(ctx context.Context) error {
	defer a.stopJob()
	url := transport.WebSocketURL(a.opts.HubURL, "/ws/agent")

	for {
		conn, err := transport.Dial(ctx, url, nil, transport.Options{}, a.opts.Logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("connecting to hub failed", "error", err, "attempt", a.backoff.Attempt()+1)
		} else {
			err = a.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("hub session ended", "error", err)
		}

		delay, ok := a.backoff.Next()
		a.state.Store(a.backoff.State())
		if !ok {
			a.logger.Error("giving up on hub", "attempts", a.backoff.Attempt())
			return supervisor.ErrGaveUp
		}
		a.logger.Info("reconnecting", "attempt", a.backoff.Attempt(), "delay", delay)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Backoff returns the reconnect state. It is safe to call while Run is active.
func (a *Agent) Backoff() supervisor.BackoffState {
	return a.state.Load().(supervisor.BackoffState)
}

func (a *Agent) serve(ctx context.Context, conn *transport.Conn) error {
	defer conn.Close()

	if err := conn.Send(&protocol.Register{Identity: a.opts.Identity, Engine: a.opts.Engine}); err != nil {
		return fmt.Errorf("registering: %w", err)
	}
	a.backoff.Reset()
	a.state.Store(a.backoff.State())
	a.logger.Info("registered with hub", "hub", a.opts.HubURL)

	a.mu.Lock()
	a.conn = conn
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
	}()

	for _, done := range pending {
		if err := conn.Send(done); err != nil {
			a.queueCompletion(done)
		}
	}
	if g, ok := a.opts.Renderer.(Greeter); ok {
		_ = conn.Send(&protocol.ConsoleOutput{Text: g.Greeting()})
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeat(sessionCtx, conn)
	go func() {
		<-sessionCtx.Done()
		_ = conn.Close()
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				a.logger.Warn("ignoring malformed message from hub", "error", err)
				continue
			}
			return err
		}

		switch m := msg.(type) {
		case *protocol.RenderState:
			a.applyState(ctx, m)
		case *protocol.ErrorNotice:
			a.logger.Warn("hub rejected session", "code", m.Code, "message", m.Message)
		default:
			a.logger.Debug("ignoring message", "type", msg.MessageType())
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context, conn *transport.Conn) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Send(&protocol.Heartbeat{}); err != nil {
				return
			}
		}
	}
}

// applyState starts, keeps or stops the current job so it matches what the
// hub asked for.
// A start for the block that just finished means the hub missed the
// completion, so it is sent again instead of rendering twice.
func (a *Agent) applyState(ctx context.Context, state *protocol.RenderState) {
	a.mu.Lock()
	last := a.lastDone
	a.lastDone = nil
	a.mu.Unlock()

	if !state.IsRendering || state.Block == nil {
		if a.stopJob() {
			a.Console("render stopped")
		}
		return
	}

	block := *state.Block
	if last != nil && last.BlockID == block.ID {
		a.logger.Info("resending completion", "block", block.ID)
		a.mu.Lock()
		a.lastDone = last
		a.mu.Unlock()
		if err := a.send(last); err != nil {
			a.queueCompletion(last)
		}
		return
	}

	a.mu.Lock()
	if a.job != nil && a.job.block.ID == block.ID {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	a.stopJob()

	jobCtx, cancel := context.WithCancel(ctx)
	j := &job{block: block, cancel: cancel, done: make(chan struct{})}

	a.mu.Lock()
	a.job = j
	a.mu.Unlock()

	a.logger.Info("starting block", "block", block.ID, "scene", block.Scene, "start", block.Start, "end", block.End)
	a.wg.Add(1)
	go a.runJob(jobCtx, j)
}

func (a *Agent) runJob(ctx context.Context, j *job) {
	defer a.wg.Done()
	defer close(j.done)

	err := a.opts.Renderer.Render(ctx, j.block, &jobReporter{agent: a, blockID: j.block.ID})
	if ctx.Err() != nil {
		return
	}

	done := &protocol.RenderComplete{BlockID: j.block.ID, OK: err == nil}
	if err != nil {
		done.Error = err.Error()
		a.logger.Warn("block failed", "block", j.block.ID, "error", err)
	} else {
		a.logger.Info("block finished", "block", j.block.ID)
	}

	a.mu.Lock()
	if a.job == j {
		a.job = nil
	}
	a.lastDone = done
	a.mu.Unlock()

	if err := a.send(done); err != nil {
		a.queueCompletion(done)
	}
}

// stopJob cancels the running job and waits for it. It reports whether a
// job was running.
func (a *Agent) stopJob() bool {
	a.mu.Lock()
	j := a.job
	a.job = nil
	a.mu.Unlock()

	if j == nil {
		return false
	}
	j.cancel()
	<-j.done
	a.logger.Info("stopped block", "block", j.block.ID)
	return true
}

func (a *Agent) queueCompletion(done *protocol.RenderComplete) {
	a.mu.Lock()
	a.pending = append(a.pending, done)
	a.mu.Unlock()
	a.logger.Info("hub unreachable, completion queued", "block", done.BlockID)
}

func (a *Agent) send(m protocol.Message) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(m)
}

// Console relays a line to the hub, dropping it while disconnected.
func (a *Agent) Console(line string) {
	_ = a.send(&protocol.ConsoleOutput{Text: line})
}

// Wait blocks until every job goroutine has exited.
func (a *Agent) Wait() {
	a.wg.Wait()
}

type jobReporter struct {
	agent   *Agent
	blockID string
}

func (r *jobReporter) Frame(frame int) {
	_ = r.agent.send(&protocol.RenderProgress{BlockID: r.blockID, Frame: frame})
}

func (r *jobReporter) Console(line string) {
	r.agent.Console(line)
}
