package proxy

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sokoni/bff/internal/logging"
	"github.com/sokoni/bff/internal/metrics"
)

const (
	// closeUnknownService tells the client the service segment is not in
	// the route table.
	closeUnknownService = 4404
	// closeUpstreamFailed tells the client the upstream dial failed.
	closeUpstreamFailed = 4502

	// wsIdleTimeout bounds how long a relay direction may sit without a
	// frame before the bridge is torn down. The deadline is refreshed on
	// every frame.
	wsIdleTimeout = 60 * time.Second

	wsDialTimeout = 10 * time.Second
)

// WSHandler bridges /{service}/ws to the upstream's /ws endpoint.
type WSHandler struct {
	table    *RouteTable
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

// NewWSHandler builds the WebSocket proxy. Origin checking is left to the
// CORS layer; the upgrader accepts any origin.
func NewWSHandler(table *RouteTable, logger *logging.Logger) *WSHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WSHandler{
		table: table,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsDialTimeout,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeHTTP handles the /{service}/ws route.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]
	base, known := h.table.Lookup(service)

	client, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	if !known {
		closeConn(client, closeUnknownService, "unknown service")
		return
	}

	upstreamURL := wsURL(base) + "/ws"
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	upstream, resp, err := dialer.DialContext(r.Context(), upstreamURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		h.logger.WithContext(r.Context()).Error().
			Str("service", service).
			Str("url", upstreamURL).
			Err(err).
			Msg("websocket upstream dial failed")
		closeConn(client, closeUpstreamFailed, "upstream connect failed")
		return
	}

	metrics.WSSessionStarted()
	defer metrics.WSSessionEnded()

	bridge(client, upstream)
}

// bridge runs the two relay loops until either side disconnects or errors,
// then closes both connections best-effort.
func bridge(client, upstream *websocket.Conn) {
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer teardown()
		relay(client, upstream)
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		relay(upstream, client)
	}()

	wg.Wait()
}

// relay copies frames from src to dst, preserving the frame type and
// refreshing the idle deadline per frame. Returns on the first error.
func relay(src, dst *websocket.Conn) {
	for {
		_ = src.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		messageType, payload, err := src.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if err := dst.WriteMessage(messageType, payload); err != nil {
			return
		}
	}
}

// closeConn sends a close frame and closes the socket, swallowing errors.
func closeConn(c *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.Close()
}

// wsURL translates an http(s) base URL into its ws(s) form.
func wsURL(base string) string {
	if strings.HasPrefix(base, "https://") {
		return "wss://" + strings.TrimPrefix(base, "https://")
	}
	if strings.HasPrefix(base, "http://") {
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
