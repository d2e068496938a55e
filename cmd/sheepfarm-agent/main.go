// ABOUTME: Render node agent: connects to the hub and renders assigned blocks
// ABOUTME: Usage: sheepfarm-agent [-hub http://localhost:8080] [-exec husk -- args...]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/sheepfarm/internal/logging"
	"github.com/2389/sheepfarm/internal/renderagent"
	"github.com/2389/sheepfarm/internal/supervisor"
)

func main() {
	hostname, _ := os.Hostname()

	hubURL := flag.String("hub", envOr("SHEEPFARM_HUB", "http://localhost:8080"), "hub base URL")
	identity := flag.String("id", hostname, "node identity reported to the hub")
	engine := flag.String("engine", "simulated", "engine label shown to observers")
	execPath := flag.String("exec", "", "render command run per frame; arguments follow --, with {scene} {frame} {block} placeholders")
	frameDelay := flag.Duration("frame-delay", 500*time.Millisecond, "simulated time per frame")
	failFrame := flag.Int("fail-frame", 0, "simulated frame that fails (0 for none)")
	heartbeat := flag.Duration("heartbeat", renderagent.DefaultHeartbeatInterval, "heartbeat interval")
	logLevel := flag.String("log-level", "info", "log level (debug/info/warn/error)")
	logFormat := flag.String("log-format", "text", "log format (text/json)")
	flag.Parse()

	if err := run(*hubURL, *identity, *engine, *execPath, flag.Args(), *frameDelay, *failFrame, *heartbeat, *logLevel, *logFormat); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(hubURL, identity, engine, execPath string, execArgs []string, frameDelay time.Duration, failFrame int, heartbeat time.Duration, logLevel, logFormat string) error {
	if identity == "" {
		return errors.New("-id is required when the hostname is unknown")
	}

	var renderer renderagent.Renderer
	if execPath != "" {
		renderer = &renderagent.CommandRenderer{Path: execPath, Args: execArgs}
		if engine == "simulated" {
			engine = execPath
		}
	} else {
		renderer = &renderagent.SimulatedRenderer{FrameDelay: frameDelay, FailFrame: failFrame}
	}

	logger := logging.New(logLevel, logFormat, os.Stdout)

	agent, err := renderagent.New(renderagent.Options{
		HubURL:            hubURL,
		Identity:          identity,
		Engine:            engine,
		HeartbeatInterval: heartbeat,
		Backoff:           supervisor.DefaultBackoff(),
		Renderer:          renderer,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("%s rendering with %s for %s\n", identity, engine, hubURL)

	if err := agent.Run(ctx); err != nil {
		return fmt.Errorf("agent stopped: %w", err)
	}
	agent.Wait()
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
