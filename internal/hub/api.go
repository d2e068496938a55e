// ABOUTME: Read-only HTTP API exposing farm state and the event journal as JSON
// ABOUTME: Provides /api/nodes, /api/nodes/{id}/console, /api/blocks and /api/events

package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/sheepfarm/internal/broadcast"
	"github.com/2389/sheepfarm/internal/events"
	"github.com/2389/sheepfarm/internal/protocol"
	"github.com/2389/sheepfarm/internal/scheduler"
	"github.com/2389/sheepfarm/internal/store"
)

// NodesResponse is the JSON response for GET /api/nodes.
type NodesResponse struct {
	Nodes []protocol.NodeInfo  `json:"nodes"`
	Pool  []protocol.BlockInfo `json:"pool"`
}

// BlocksResponse is the JSON response for GET /api/blocks.
type BlocksResponse struct {
	Blocks []protocol.BlockInfo `json:"blocks"`
}

// ConsoleLineResponse is one journaled console line.
type ConsoleLineResponse struct {
	Text string `json:"text"`
	At   string `json:"at"`
}

// ConsoleResponse is the JSON response for GET /api/nodes/{id}/console.
type ConsoleResponse struct {
	Node  string                `json:"node"`
	Lines []ConsoleLineResponse `json:"lines"`
}

// EventsResponse is the JSON response for GET /api/events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
}

// handleListNodes handles GET /api/nodes.
func (h *Hub) handleListNodes(w http.ResponseWriter, r *http.Request) {
	var resp NodesResponse
	h.scheduler.View(func(nodes []scheduler.NodeView, pool []scheduler.Block) {
		resp.Nodes = broadcast.NodeInfos(nodes)
		resp.Pool = broadcast.BlockInfos(pool)
	})
	sendJSON(w, http.StatusOK, resp)
}

// handleListBlocks handles GET /api/blocks.
func (h *Hub) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, BlocksResponse{
		Blocks: broadcast.BlockInfos(h.scheduler.Blocks()),
	})
}

// handleConsoleTail handles GET /api/nodes/{id}/console?limit=N.
func (h *Hub) handleConsoleTail(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("id")
	if _, ok := h.registry.Get(nodeID); !ok {
		sendJSONError(w, http.StatusNotFound, "node not found")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	tail, err := h.journal.ConsoleTail(r.Context(), nodeID, limit)
	if err != nil {
		h.logger.Error("failed to read console tail", "node", nodeID, "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ConsoleResponse{Node: nodeID, Lines: make([]ConsoleLineResponse, 0, len(tail))}
	for _, ev := range tail {
		resp.Lines = append(resp.Lines, ConsoleLineResponse{
			Text: ev.Detail,
			At:   ev.At.Format(time.RFC3339Nano),
		})
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleListEvents handles GET /api/events?node=&block=&kind=&limit=.
// kind may be repeated or comma separated.
func (h *Hub) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := store.Query{
		Node:  r.URL.Query().Get("node"),
		Block: r.URL.Query().Get("block"),
		Limit: limit,
	}
	for _, v := range r.URL.Query()["kind"] {
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				q.Kinds = append(q.Kinds, events.Kind(k))
			}
		}
	}

	evs, err := h.journal.Events(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to query events", "error", err)
		sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	sendJSON(w, http.StatusOK, EventsResponse{Events: evs})
}

// parseLimit reads ?limit=, returning 0 (the journal default) when absent.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errLimit
	}
	return n, nil
}

var errLimit = errors.New("limit must be a positive integer")

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
