// ABOUTME: Hub orchestrator that wires the render farm components together
// ABOUTME: Owns the HTTP server, WebSocket endpoints, journal and background loops

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sheepfarm/internal/broadcast"
	"github.com/2389/sheepfarm/internal/config"
	"github.com/2389/sheepfarm/internal/dedupe"
	"github.com/2389/sheepfarm/internal/dispatch"
	"github.com/2389/sheepfarm/internal/events"
	"github.com/2389/sheepfarm/internal/metrics"
	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/registry"
	"github.com/2389/sheepfarm/internal/scheduler"
	"github.com/2389/sheepfarm/internal/store"
	"github.com/2389/sheepfarm/internal/supervisor"
)

const eventBufferSize = 1024

// Hub coordinates render agents and dashboard observers.
type Hub struct {
	config *config.Config
	logger *slog.Logger

	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	monitor     *supervisor.Monitor
	dispatcher  *dispatch.Dispatcher
	broadcaster *broadcast.Broadcaster
	metrics     *metrics.Recorder
	journal     *store.SQLiteStore
	nats        *events.NATSSink
	bus         *events.Bus

	// dedupe remembers observer command results by request ID
	dedupe *dedupe.Cache[protocol.CommandResult]
	cmdMu  sync.Mutex

	upgrader   websocket.Upgrader
	httpServer *http.Server

	// sessions tracks live agent and observer connections for shutdown
	connMu sync.Mutex
	conns  map[closer]struct{}

	startedAt time.Time
	closeOnce sync.Once
}

type closer interface {
	Close() error
}

// initJournal opens the SQLite journal named in the config.
func initJournal(cfg *config.Config) (*store.SQLiteStore, error) {
	j, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing journal: %w", err)
	}
	return j, nil
}

// New creates a Hub and starts its event bus. Call Run to serve.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}

	journal, err := initJournal(cfg)
	if err != nil {
		return nil, err
	}

	sinks := []events.Sink{journal}
	var natsSink *events.NATSSink
	if cfg.Events.NATSURL != "" {
		natsSink, err = events.NewNATSSink(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			_ = journal.Close()
			return nil, err
		}
		sinks = append(sinks, natsSink)
	}

	rec := metrics.New()
	bus := events.NewBus(eventBufferSize, logger.With("component", "events"), sinks...)
	go bus.Run(context.Background())

	reg := registry.New(logger.With("component", "registry"))
	bcast := broadcast.New(rec, logger)
	disp := dispatch.New(reg, bcast, bus, rec, logger)
	sched := scheduler.New(reg, scheduler.Options{
		Sink:      disp,
		Publisher: bcast,
		Events:    bus,
		Metrics:   rec,
		Logger:    logger.With("component", "scheduler"),
	})
	mon := supervisor.NewMonitor(supervisor.MonitorConfig{
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Agents.HeartbeatTimeout,
		GracePeriod:       cfg.Agents.ReconnectGracePeriod,
	}, reg, sched, rec, logger.With("component", "supervisor"))
	disp.SetLossHandler(mon)

	h := &Hub{
		config:      cfg,
		logger:      logger.With("component", "hub"),
		registry:    reg,
		scheduler:   sched,
		monitor:     mon,
		dispatcher:  disp,
		broadcaster: bcast,
		metrics:     rec,
		journal:     journal,
		nats:        natsSink,
		bus:         bus,
		dedupe:      dedupe.New[protocol.CommandResult](dedupe.DefaultTTL, dedupe.DefaultMaxSize),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:     make(map[closer]struct{}),
		startedAt: time.Now(),
	}

	h.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return h, nil
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReady)

	// WebSocket endpoints
	mux.HandleFunc("GET /ws/agent", h.handleAgent)
	mux.HandleFunc("GET /ws/observer", h.handleObserver)

	// Read-only API
	mux.HandleFunc("GET /api/nodes", h.handleListNodes)
	mux.HandleFunc("GET /api/nodes/{id}/console", h.handleConsoleTail)
	mux.HandleFunc("GET /api/blocks", h.handleListBlocks)
	mux.HandleFunc("GET /api/events", h.handleListEvents)

	if h.config.Metrics.Enabled {
		mux.Handle("GET "+h.config.Metrics.Path, h.metrics.Handler())
	}
	return mux
}

// Scheduler exposes the scheduler for embedding and tests.
func (h *Hub) Scheduler() *scheduler.Scheduler { return h.scheduler }

// Run listens on server.http_addr and serves until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the listener fails.
func (h *Hub) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return h.Serve(ctx, ln)
}

// Serve runs the hub on ln until ctx is canceled.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	monCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go h.monitor.Run(monCtx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		h.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		h.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := h.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the original context is already canceled.
func (h *Hub) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every connection and flushes the
// journal. Safe to call more than once.
func (h *Hub) Shutdown(ctx context.Context) error {
	var errs []error
	h.closeOnce.Do(func() {
		h.logger.Info("shutting down hub")

		errs = appendCloseError(errs, "HTTP shutdown", h.httpServer.Shutdown(ctx))

		h.monitor.Stop()
		h.broadcaster.Close()
		h.closeConnections()
		h.dedupe.Close()

		// The bus drains into the journal, so it must stop first.
		h.bus.Close()
		if h.nats != nil {
			errs = appendCloseError(errs, "nats close", h.nats.Close())
		}
		errs = appendCloseError(errs, "journal close", h.journal.Close())
	})

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func (h *Hub) track(c closer) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Hub) untrack(c closer) {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	delete(h.conns, c)
}

func (h *Hub) closeConnections() {
	h.connMu.Lock()
	defer h.connMu.Unlock()
	for c := range h.conns {
		_ = c.Close()
		delete(h.conns, c)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one render node is connected.
func (h *Hub) handleReady(w http.ResponseWriter, r *http.Request) {
	n := h.registry.ConnectedCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no render nodes connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", n)
}
