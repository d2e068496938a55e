// ABOUTME: Client-side WebSocket dialing for agents and observer tools
// ABOUTME: Converts handshake failures into errors carrying the HTTP status

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 10 * time.Second

// HandshakeError reports a WebSocket upgrade the server refused.
type HandshakeError struct {
	URL    string
	Status int
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake with %s refused: %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

// Dial opens a WebSocket to url and wraps it in a Conn.
func Dial(ctx context.Context, url string, header http.Header, opts Options, logger *slog.Logger) (*Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, &HandshakeError{URL: url, Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	return New(ws, opts, logger), nil
}

// WebSocketURL joins a hub base URL and path, mapping http to ws and https
// to wss. A base without a scheme is treated as ws.
func WebSocketURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case !strings.HasPrefix(base, "ws://") && !strings.HasPrefix(base, "wss://"):
		base = "ws://" + base
	}
	return base + path
}
