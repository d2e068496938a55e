// ABOUTME: Prometheus instrumentation for the render hub
// ABOUTME: One Recorder satisfies the metric hooks of every hub component

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sheepfarm"

// Recorder owns a private Prometheus registry so tests and multiple hubs in
// one process never collide on the default registerer.
type Recorder struct {
	registry *prometheus.Registry

	nodesConnected     prometheus.Gauge
	blocks             *prometheus.GaugeVec
	blockTransitions   *prometheus.CounterVec
	commands           *prometheus.CounterVec
	consoleLines       prometheus.Counter
	sessionsLost       *prometheus.CounterVec
	nodesReleased      prometheus.Counter
	observersConnected prometheus.Gauge
	observersDropped   prometheus.Counter
	observerCommands   *prometheus.CounterVec
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		nodesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes_connected",
			Help:      "Render nodes with a live agent session.",
		}),
		blocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocks",
			Help:      "Blocks by lifecycle state.",
		}, []string{"state"}),
		blockTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_transitions_total",
			Help:      "Block state transitions.",
		}, []string{"from", "to"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_commands_total",
			Help:      "render-state commands by kind and delivery result.",
		}, []string{"kind", "result"}),
		consoleLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_lines_total",
			Help:      "Agent console lines relayed to observers.",
		}),
		sessionsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_sessions_lost_total",
			Help:      "Agent sessions dropped by the hub, by reason.",
		}, []string{"reason"}),
		nodesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_released_total",
			Help:      "Nodes whose blocks returned to the pool after the grace period.",
		}),
		observersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_connected",
			Help:      "Subscribed observer connections.",
		}),
		observersDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observers_dropped_total",
			Help:      "Observers disconnected for not draining their queue.",
		}),
		observerCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_commands_total",
			Help:      "Observer commands by type and result code.",
		}, []string{"type", "code"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.nodesConnected,
		r.blocks,
		r.blockTransitions,
		r.commands,
		r.consoleLines,
		r.sessionsLost,
		r.nodesReleased,
		r.observersConnected,
		r.observersDropped,
		r.observerCommands,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// BlockTransition implements scheduler.Recorder.
func (r *Recorder) BlockTransition(from, to string) {
	if from != "" {
		r.blocks.WithLabelValues(from).Dec()
	}
	if to != "deleted" {
		r.blocks.WithLabelValues(to).Inc()
	}
	if from == "" {
		from = "new"
	}
	r.blockTransitions.WithLabelValues(from, to).Inc()
}

// ConnectedNodes implements scheduler.Recorder.
func (r *Recorder) ConnectedNodes(n int) {
	r.nodesConnected.Set(float64(n))
}

// CommandSent implements dispatch.Recorder.
func (r *Recorder) CommandSent(kind string, delivered bool) {
	result := "delivered"
	if !delivered {
		result = "undelivered"
	}
	r.commands.WithLabelValues(kind, result).Inc()
}

// ConsoleLine implements dispatch.Recorder.
func (r *Recorder) ConsoleLine() {
	r.consoleLines.Inc()
}

// SessionLost implements supervisor.Recorder.
func (r *Recorder) SessionLost(reason string) {
	r.sessionsLost.WithLabelValues(reason).Inc()
}

// NodeReleased implements supervisor.Recorder.
func (r *Recorder) NodeReleased() {
	r.nodesReleased.Inc()
}

// ObserversConnected implements broadcast.Recorder.
func (r *Recorder) ObserversConnected(n int) {
	r.observersConnected.Set(float64(n))
}

// ObserverDropped implements broadcast.Recorder.
func (r *Recorder) ObserverDropped() {
	r.observersDropped.Inc()
}

// ObserverCommand counts an observer command and its result code.
func (r *Recorder) ObserverCommand(msgType, code string) {
	if code == "" {
		code = "ok"
	}
	r.observerCommands.WithLabelValues(msgType, code).Inc()
}
