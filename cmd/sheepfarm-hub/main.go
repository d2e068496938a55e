// ABOUTME: Entry point for the sheepfarm render hub
// ABOUTME: Serves agent and observer WebSockets plus the HTTP API

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/sheepfarm/internal/config"
	"github.com/2389/sheepfarm/internal/hub"
	"github.com/2389/sheepfarm/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _                     __
  ___| |__   ___  ___ _ __ / _| __ _ _ __ _ __ ___
 / __| '_ \ / _ \/ _ \ '_ \ |_ / _' | '__| '_ ' _ \
 \__ \ | | |  __/  __/ |_) |  _| (_| | |  | | | | | |
 |___/_| |_|\___|\___| .__/|_|  \__,_|_|  |_| |_| |_|
                     |_|
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sheepfarm-hub <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the render hub")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check hub health")
		fmt.Println("  nodes     Show how many render nodes are connected")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runProbe(ctx, "/health")
	case "nodes":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path does not exist.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, fs.ErrNotExist) && os.Getenv("SHEEPFARM_CONFIG") == "" {
		return config.Default(), "(defaults)", nil
	}
	return nil, path, fmt.Errorf("loading config: %w", err)
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Journal:   %s\n", displayPath(cfg.Database.Path))
	green.Print("    ▶ ")
	fmt.Printf("Liveness:  heartbeat %s, timeout %s, grace %s\n",
		cfg.Agents.HeartbeatInterval, cfg.Agents.HeartbeatTimeout, cfg.Agents.ReconnectGracePeriod)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Events.NATSURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("NATS:      %s ", cfg.Events.NATSURL)
		gray.Printf("(%s.>)\n", cfg.Events.SubjectPrefix)
	}
	if cfg.Observers.PasswordHash == "" {
		yellow.Println("    ! observers connect without a password")
	}

	fmt.Println()

	logger.Info("starting sheepfarm-hub",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	h, err := hub.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating hub: %w", err)
	}

	return h.Run(ctx)
}

func displayPath(p string) string {
	if p == "" || p == ":memory:" {
		return "in memory"
	}
	return p
}

// probeAddr turns a listen address into one a local client can dial.
func probeAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}

func runProbe(ctx context.Context, path string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", probeAddr(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	text := strings.TrimSpace(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, text)
	}
	fmt.Println(text)
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("sheepfarm-hub configuration setup")
	fmt.Println("=================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Journal ---")
	dbPath := prompt(reader, "SQLite database path (:memory: to disable)", defaultDBPath())

	fmt.Println("\n--- Observers ---")
	password := prompt(reader, "Observer password (empty for none)", "")
	var hash string
	if password != "" {
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing password: %w", err)
		}
		hash = string(b)
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# sheepfarm-hub configuration\n")
	cfg.WriteString("# Generated by sheepfarm-hub init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  heartbeat_interval: %q\n", config.DefaultHeartbeatInterval.String()))
	cfg.WriteString(fmt.Sprintf("  heartbeat_timeout: %q\n", config.DefaultHeartbeatTimeout.String()))
	cfg.WriteString(fmt.Sprintf("  reconnect_grace_period: %q\n\n", config.DefaultReconnectGracePeriod.String()))

	cfg.WriteString("observers:\n")
	cfg.WriteString(fmt.Sprintf("  queue_size: %d\n", config.DefaultObserverQueueSize))
	if hash != "" {
		cfg.WriteString(fmt.Sprintf("  password_hash: %q\n", hash))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the hub:")
	fmt.Printf("  sheepfarm-hub serve\n")
	return nil
}

// defaultDBPath returns $XDG_DATA_HOME/sheepfarm/journal.db or the
// ~/.local/share equivalent.
func defaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "journal.db"
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "sheepfarm", "journal.db")
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
