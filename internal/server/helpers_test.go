package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/clipsync/internal/metrics"
	"github.com/Tyrowin/clipsync/internal/relay"
	"github.com/Tyrowin/clipsync/internal/server"
)

const readTimeout = 2 * time.Second

type testRelay struct {
	hub     *server.Hub
	metrics *metrics.Metrics
	srv     *httptest.Server
}

// startRelay runs a hub and HTTP server on an ephemeral port. customize may
// adjust the configuration before anything is created.
func startRelay(t *testing.T, customize func(cfg *server.Config)) *testRelay {
	t.Helper()

	cfg := server.NewConfig()
	if customize != nil {
		customize(cfg)
	}
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	m := metrics.New()
	registry := relay.NewRegistry(relay.WithObserver(m))
	hub := server.NewHub(registry, zerolog.Nop(), m)
	server.StartHub(hub)

	srv := httptest.NewServer(server.SetupRoutes(hub, m.Handler()))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = hub.Shutdown(2 * time.Second) })

	return &testRelay{hub: hub, metrics: m, srv: srv}
}

func (tr *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tr.srv.URL, "http") + path
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	return tr.dialPath(t, "/ws", nil)
}

func (tr *testRelay) dialPath(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()

	dialer := websocket.Dialer{HandshakeTimeout: readTimeout}
	conn, resp, err := dialer.Dial(tr.wsURL(path), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// device is a connected test client with helpers for the envelope protocol.
type device struct {
	t    *testing.T
	conn *websocket.Conn
}

func (tr *testRelay) device(t *testing.T) *device {
	return &device{t: t, conn: tr.dial(t)}
}

func (d *device) send(v any) {
	d.t.Helper()
	require.NoError(d.t, d.conn.WriteJSON(v))
}

func (d *device) sendRaw(raw string) {
	d.t.Helper()
	require.NoError(d.t, d.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (d *device) read() map[string]any {
	d.t.Helper()
	require.NoError(d.t, d.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	msgType, raw, err := d.conn.ReadMessage()
	require.NoError(d.t, err)
	require.Equal(d.t, websocket.TextMessage, msgType)

	var msg map[string]any
	require.NoError(d.t, json.Unmarshal(raw, &msg), "frame must be a single JSON document: %s", raw)
	return msg
}

func (d *device) expect(msgType string) map[string]any {
	d.t.Helper()
	msg := d.read()
	require.Equal(d.t, msgType, msg["type"], "unexpected frame %v", msg)
	return msg
}

func (d *device) join(room string) map[string]any {
	d.t.Helper()
	d.send(map[string]any{"type": "join", "room": room})
	return d.expect("joined")
}

// sync round-trips a ping. Frames are delivered in order per connection, so
// anything queued for d before the ping was handled arrives before the pong.
func (d *device) sync() {
	d.t.Helper()
	d.send(map[string]any{"type": "ping"})
	d.expect("pong")
}

func (d *device) close() {
	_ = d.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = d.conn.Close()
}
