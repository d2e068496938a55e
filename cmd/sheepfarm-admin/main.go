// ABOUTME: Observer CLI for the sheepfarm hub
// ABOUTME: Lists nodes, manages blocks and tails console output

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/sheepfarm/internal/client"
	"github.com/2389/sheepfarm/internal/hub"
	"github.com/2389/sheepfarm/internal/protocol"
)

const banner = `
      _                     __                              _           _
  ___| |__   ___  ___ _ __ / _| __ _ _ __ _ __ ___     __ _| |_ __ ___ (_)_ __
 / __| '_ \ / _ \/ _ \ '_ \ |_ / _' | '__| '_ ' _ \   / _' | | '_ ' _ \| | '_ \
 \__ \ | | |  __/  __/ |_) |  _| (_| | |  | | | | | | | (_| | | | | | | | | | | |
 |___/_| |_|\___|\___| .__/|_|  \__,_|_|  |_| |_| |_|  \__,_|_|_| |_| |_|_|_| |_|
                     |_|
`

const dialTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	hubURL := getEnv("SHEEPFARM_HUB", "http://localhost:8080")
	password := os.Getenv("SHEEPFARM_PASSWORD")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "nodes", "ls":
		err = cmdNodes(ctx, hubURL, password)
	case "watch":
		err = cmdWatch(ctx, hubURL, password)
	case "create-block":
		err = cmdCreateBlock(ctx, hubURL, password, args)
	case "assign":
		err = cmdAssign(ctx, hubURL, password, args)
	case "unassign":
		err = withBlock(ctx, hubURL, password, args, "unassign", (*client.Client).UnassignBlock)
	case "delete-block", "rm":
		err = withBlock(ctx, hubURL, password, args, "delete-block", (*client.Client).DeleteBlock)
	case "retry":
		err = withBlock(ctx, hubURL, password, args, "retry", (*client.Client).RetryBlock)
	case "toggle":
		err = cmdToggle(ctx, hubURL, password, args)
	case "console":
		err = cmdConsole(ctx, hubURL, args)
	case "events":
		err = cmdEvents(ctx, hubURL, args)
	case "hash-password":
		err = cmdHashPassword(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: sheepfarm-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  nodes                          List render nodes, their blocks and the pool")
	fmt.Println("  watch                          Stream node, pool and console updates")
	fmt.Println("  create-block <scene> <s> <e>   Add an unassigned block of frames s..e")
	fmt.Println("  assign <block> <node> [index]  Assign a block to a node (optionally at a position)")
	fmt.Println("  unassign <block>               Return a block to the pool")
	fmt.Println("  delete-block <block>           Delete a block that is not rendering")
	fmt.Println("  toggle <node>                  Start or pause rendering on a node")
	fmt.Println("  retry <block>                  Requeue a failed block")
	fmt.Println("  console <node> [limit]         Show a node's recent console output")
	fmt.Println("  events [node=..] [block=..]    Show the hub's event journal")
	fmt.Println("  hash-password [password]       Print a bcrypt hash for observers.password_hash")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  SHEEPFARM_HUB       Hub base URL (default: http://localhost:8080)")
	fmt.Println("  SHEEPFARM_PASSWORD  Observer password, if the hub requires one")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  sheepfarm-admin create-block shots/sh010.usd 1 120")
	fmt.Println("  sheepfarm-admin assign 3f2a... render-01")
	fmt.Println("  sheepfarm-admin toggle render-01")
	fmt.Println()
}

func connect(ctx context.Context, hubURL, password string) (*client.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c, err := client.Dial(dialCtx, hubURL, client.Options{Password: password})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", hubURL, err)
	}
	return c, nil
}

func cmdNodes(ctx context.Context, hubURL, password string) error {
	c, err := connect(ctx, hubURL, password)
	if err != nil {
		return err
	}
	defer c.Close()

	snap := c.Snapshot()
	if len(snap.Nodes) == 0 {
		fmt.Println("No render nodes.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "  NODE\tENGINE\tCONNECTION\tSTATUS\tPROGRESS\tBLOCKS\tLAST SEEN")
		fmt.Fprintln(w, "  ----\t------\t----------\t------\t--------\t------\t---------")
		for _, n := range snap.Nodes {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d%%\t%d\t%s\n",
				truncate(n.Name, 24), n.Engine, connectionLabel(n.Connection), n.Status,
				n.Progress, len(n.Blocks), n.LastSeen.Local().Format("Jan 02 15:04:05"))
		}
		w.Flush()
	}

	fmt.Println()
	printBlocks("Blocks", snap)
	return nil
}

func printBlocks(title string, snap *protocol.NodeList) {
	var rows []protocol.BlockInfo
	for _, n := range snap.Nodes {
		rows = append(rows, n.Blocks...)
	}
	rows = append(rows, snap.Pool...)

	color.New(color.FgYellow).Println(title + ":")
	if len(rows) == 0 {
		fmt.Println("  (none)")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSCENE\tFRAMES\tSTATE\tNODE\tFRAME")
	fmt.Fprintln(w, "  --\t-----\t------\t-----\t----\t-----")
	for _, b := range rows {
		node := b.Node
		if node == "" {
			node = "-"
		}
		frame := "-"
		if b.Frame > 0 {
			frame = strconv.Itoa(b.Frame)
		}
		fmt.Fprintf(w, "  %s\t%s\t%d-%d\t%s\t%s\t%s\n",
			b.ID, truncate(b.Scene, 28), b.Start, b.End, stateLabel(b.State), node, frame)
	}
	w.Flush()
}

func connectionLabel(c string) string {
	switch c {
	case "connected":
		return color.GreenString(c)
	case "disconnected":
		return color.RedString(c)
	default:
		return color.YellowString(c)
	}
}

func stateLabel(s string) string {
	switch s {
	case "rendering":
		return color.CyanString(s)
	case "done":
		return color.GreenString(s)
	case "failed":
		return color.RedString(s)
	default:
		return s
	}
}

func cmdWatch(ctx context.Context, hubURL, password string) error {
	c, err := connect(ctx, hubURL, password)
	if err != nil {
		return err
	}
	defer c.Close()

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	snap := c.Snapshot()
	cyan.Printf("Watching %s (%d nodes, %d pooled blocks). Ctrl-C to stop.\n\n", hubURL, len(snap.Nodes), len(snap.Pool))

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.Updates():
			if !ok {
				return fmt.Errorf("hub closed the connection")
			}
			gray.Print(time.Now().Format("15:04:05") + " ")
			switch m := msg.(type) {
			case *protocol.NodeList:
				fmt.Printf("node-list: %d nodes, %d pooled\n", len(m.Nodes), len(m.Pool))
			case *protocol.NodeUpdate:
				fmt.Printf("%s %s %s %d%% (%d blocks)\n",
					m.Node.Name, connectionLabel(m.Node.Connection), m.Node.Status, m.Node.Progress, len(m.Node.Blocks))
			case *protocol.PoolUpdate:
				fmt.Printf("pool: %d blocks\n", len(m.Pool))
			case *protocol.ConsoleOutput:
				fmt.Println(m.Text)
			default:
				fmt.Println(msg.MessageType())
			}
		}
	}
}

func cmdCreateBlock(ctx context.Context, hubURL, password string, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("usage: create-block <scene> <start> <end>")
	}
	start, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("start frame: %w", err)
	}
	end, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("end frame: %w", err)
	}

	c, err := connect(ctx, hubURL, password)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.CreateBlock(ctx, args[0], start, end)
	if err != nil {
		return err
	}
	color.Green("✓ Created block %s (%s %d-%d)\n", id, args[0], start, end)
	return nil
}

func cmdAssign(ctx context.Context, hubURL, password string, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: assign <block> <node> [index]")
	}
	index := -1
	if len(args) == 3 {
		i, err := strconv.Atoi(args[2])
		if err != nil || i < 0 {
			return fmt.Errorf("index must be a non-negative integer")
		}
		index = i
	}

	c, err := connect(ctx, hubURL, password)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.AssignBlock(ctx, args[0], args[1], index); err != nil {
		return err
	}
	color.Green("✓ Assigned %s to %s\n", args[0], args[1])
	return nil
}

func cmdToggle(ctx context.Context, hubURL, password string, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: toggle <node>")
	}

	c, err := connect(ctx, hubURL, password)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.ToggleRender(ctx, args[0]); err != nil {
		return err
	}
	color.Green("✓ Toggled %s\n", args[0])
	return nil
}

func withBlock(ctx context.Context, hubURL, password string, args []string, name string, op func(*client.Client, context.Context, string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: %s <block>", name)
	}

	c, err := connect(ctx, hubURL, password)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := op(c, ctx, args[0]); err != nil {
		return err
	}
	color.Green("✓ %s %s\n", name, args[0])
	return nil
}

func cmdConsole(ctx context.Context, hubURL string, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("usage: console <node> [limit]")
	}
	path := "/api/nodes/" + url.PathEscape(args[0]) + "/console"
	if len(args) == 2 {
		path += "?limit=" + url.QueryEscape(args[1])
	}

	var resp hub.ConsoleResponse
	if err := getJSON(ctx, hubURL, path, &resp); err != nil {
		return err
	}
	if len(resp.Lines) == 0 {
		fmt.Println("No console output.")
		return nil
	}

	gray := color.New(color.FgHiBlack)
	for _, line := range resp.Lines {
		at := line.At
		if t, err := time.Parse(time.RFC3339Nano, line.At); err == nil {
			at = t.Local().Format("15:04:05")
		}
		gray.Print(at + " ")
		fmt.Println(line.Text)
	}
	return nil
}

func cmdEvents(ctx context.Context, hubURL string, args []string) error {
	q := url.Values{}
	for _, a := range args {
		key, value, ok := strings.Cut(a, "=")
		if !ok {
			return fmt.Errorf("filters look like key=value, got %q", a)
		}
		q.Add(key, value)
	}
	path := "/api/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp hub.EventsResponse
	if err := getJSON(ctx, hubURL, path, &resp); err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Println("No events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tKIND\tNODE\tBLOCK\tDETAIL")
	fmt.Fprintln(w, "  ----\t----\t----\t-----\t------")
	for _, ev := range resp.Events {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			ev.At.Local().Format("Jan 02 15:04:05"), ev.Kind, ev.Node, truncate(ev.Block, 12), truncate(ev.Detail, 48))
	}
	return w.Flush()
}

func getJSON(ctx context.Context, hubURL, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(hubURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s: %d %s", path, resp.StatusCode, e.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

func cmdHashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
