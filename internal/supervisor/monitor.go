// ABOUTME: Hub-side liveness supervision of agent sessions
// ABOUTME: Detects silent nodes and releases their work after a grace period

package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/sheepfarm/internal/registry"
)

// NodeStates is the mutation path the monitor drives. *scheduler.Scheduler
// satisfies it.
type NodeStates interface {
	NodeDisconnected(identity string, sess registry.Session) bool
	ReleaseNode(identity string) bool
}

// LivenessSource reports sessions that have gone quiet. *registry.Registry
// satisfies it.
type LivenessSource interface {
	Stale(cutoff time.Time) map[string]registry.Session
}

// Recorder receives supervision metrics.
type Recorder interface {
	SessionLost(reason string)
	NodeReleased()
}

// MonitorConfig controls liveness timing.
type MonitorConfig struct {
	HeartbeatInterval time.Duration // sweep period
	HeartbeatTimeout  time.Duration // silence before a session is dropped
	GracePeriod       time.Duration // 0 keeps blocks with a lost node forever
}

type graceTimer struct {
	timer *time.Timer
	gen   uint64
}

// Monitor drops sessions that stop talking and arms a grace timer for each
// lost node. A node that reconnects before the timer fires keeps its work.
type Monitor struct {
	cfg     MonitorConfig
	nodes   NodeStates
	source  LivenessSource
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	timers  map[string]graceTimer
	nextGen uint64
}

// NewMonitor creates a Monitor. metrics may be nil.
func NewMonitor(cfg MonitorConfig, source LivenessSource, nodes NodeStates, metrics Recorder, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Monitor{
		cfg:     cfg,
		nodes:   nodes,
		source:  source,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		timers:  make(map[string]graceTimer),
	}
}

// HandleLoss closes sess, marks its node disconnected and arms the grace
// timer. It does nothing if sess was already replaced. Safe to call from any
// goroutine and more than once.
func (m *Monitor) HandleLoss(identity string, sess registry.Session, reason string) {
	_ = sess.Close()

	if !m.nodes.NodeDisconnected(identity, sess) {
		return
	}
	m.metrics.SessionLost(reason)
	m.logger.Warn("node lost", "node", identity, "reason", reason, "grace_period", m.cfg.GracePeriod)

	if m.cfg.GracePeriod <= 0 {
		return
	}
	m.arm(identity)
}

// Attached cancels a pending grace timer after the node reconnected.
func (m *Monitor) Attached(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[identity]; ok {
		t.timer.Stop()
		delete(m.timers, identity)
		m.logger.Info("node reattached within grace period", "node", identity)
	}
}

// Pending reports whether identity has a grace timer armed.
func (m *Monitor) Pending(identity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[identity]
	return ok
}

// Run sweeps for silent sessions every heartbeat interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.HeartbeatInterval <= 0 || m.cfg.HeartbeatTimeout <= 0 {
		m.logger.Info("liveness sweep disabled")
		<-ctx.Done()
		m.Stop()
		return
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep drops every session silent for longer than the heartbeat timeout
// and returns how many it dropped.
func (m *Monitor) Sweep() int {
	stale := m.source.Stale(m.now().Add(-m.cfg.HeartbeatTimeout))
	for identity, sess := range stale {
		m.HandleLoss(identity, sess, "heartbeat timeout")
	}
	return len(stale)
}

// Stop cancels every pending grace timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, t := range m.timers {
		t.timer.Stop()
		delete(m.timers, id)
	}
}

func (m *Monitor) arm(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.timers[identity]; ok {
		old.timer.Stop()
	}
	m.nextGen++
	gen := m.nextGen
	m.timers[identity] = graceTimer{
		gen:   gen,
		timer: time.AfterFunc(m.cfg.GracePeriod, func() { m.expire(identity, gen) }),
	}
}

func (m *Monitor) expire(identity string, gen uint64) {
	m.mu.Lock()
	t, ok := m.timers[identity]
	if !ok || t.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, identity)
	m.mu.Unlock()

	if m.nodes.ReleaseNode(identity) {
		m.metrics.NodeReleased()
	}
}

type nopRecorder struct{}

func (nopRecorder) SessionLost(string) {}
func (nopRecorder) NodeReleased()      {}
