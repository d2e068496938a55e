// ABOUTME: Publishes farm events to a NATS server for external consumers
// ABOUTME: Reconnects forever; publish failures are reported but never fatal

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when the NATS connection is closed.
var ErrNotConnected = errors.New("nats not connected")

// NATSSink publishes each event as JSON on "<prefix>.<kind>".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSSink connects to url. The client keeps reconnecting in the
// background if the server goes away.
func NewNATSSink(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "nats")

	opts := []nats.Option{
		nats.Name("sheepfarm-hub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	logger.Info("publishing events to nats", "url", nc.ConnectedUrl(), "prefix", prefix)

	return &NATSSink{nc: nc, prefix: prefix, logger: logger}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Handle implements Sink.
func (s *NATSSink) Handle(_ context.Context, ev Event) error {
	if s.nc == nil || s.nc.IsClosed() {
		return ErrNotConnected
	}
	payload, err := ev.JSON()
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := s.nc.Publish(ev.Subject(s.prefix), payload); err != nil {
		return fmt.Errorf("publishing %s: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes pending publishes and disconnects.
func (s *NATSSink) Close() error {
	if s.nc == nil {
		return nil
	}
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return fmt.Errorf("draining nats: %w", err)
	}
	return nil
}
