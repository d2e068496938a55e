// ABOUTME: Tests for Prometheus instrumentation
// ABOUTME: Scrapes the handler and checks the exposition text

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestRecorder_BlockGauges(t *testing.T) {
	r := New()

	r.BlockTransition("", "unassigned")
	r.BlockTransition("", "unassigned")
	r.BlockTransition("unassigned", "assigned")
	r.BlockTransition("assigned", "rendering")
	r.BlockTransition("unassigned", "deleted")

	out := scrape(t, r)
	assert.Contains(t, out, `sheepfarm_blocks{state="unassigned"} 0`)
	assert.Contains(t, out, `sheepfarm_blocks{state="assigned"} 0`)
	assert.Contains(t, out, `sheepfarm_blocks{state="rendering"} 1`)
	assert.Contains(t, out, `sheepfarm_block_transitions_total{from="new",to="unassigned"} 2`)
	assert.NotContains(t, out, `state="deleted"`)
}

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.ConnectedNodes(3)
	r.CommandSent("start", true)
	r.CommandSent("stop", false)
	r.ConsoleLine()
	r.SessionLost("heartbeat timeout")
	r.NodeReleased()
	r.ObserversConnected(2)
	r.ObserverDropped()
	r.ObserverCommand("create-block", "")
	r.ObserverCommand("assign-block", "overlap_conflict")

	out := scrape(t, r)
	assert.Contains(t, out, "sheepfarm_nodes_connected 3")
	assert.Contains(t, out, `sheepfarm_agent_commands_total{kind="start",result="delivered"} 1`)
	assert.Contains(t, out, `sheepfarm_agent_commands_total{kind="stop",result="undelivered"} 1`)
	assert.Contains(t, out, "sheepfarm_console_lines_total 1")
	assert.Contains(t, out, `sheepfarm_agent_sessions_lost_total{reason="heartbeat timeout"} 1`)
	assert.Contains(t, out, "sheepfarm_nodes_released_total 1")
	assert.Contains(t, out, "sheepfarm_observers_connected 2")
	assert.Contains(t, out, "sheepfarm_observers_dropped_total 1")
	assert.Contains(t, out, `sheepfarm_observer_commands_total{code="ok",type="create-block"} 1`)
	assert.Contains(t, out, `sheepfarm_observer_commands_total{code="overlap_conflict",type="assign-block"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestRecorder_Isolated(t *testing.T) {
	a := New()
	b := New()
	a.ConsoleLine()

	assert.Contains(t, scrape(t, a), "sheepfarm_console_lines_total 1")
	assert.Contains(t, scrape(t, b), "sheepfarm_console_lines_total 0")
}
