package server_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/clipsync/internal/relay"
	"github.com/Tyrowin/clipsync/internal/server"
)

func TestJoinAcknowledgesAndNotifies(t *testing.T) {
	tr := startRelay(t, nil)
	a := tr.device(t)
	b := tr.device(t)

	ack := a.join("1234")
	assert.Equal(t, "1234", ack["room"])
	assert.EqualValues(t, 1, ack["devices"])

	ack = b.join("1234")
	assert.EqualValues(t, 2, ack["devices"])

	joined := a.expect("device_joined")
	assert.EqualValues(t, 2, joined["devices"])
}

func TestClipboardReachesOtherDevicesOnly(t *testing.T) {
	tr := startRelay(t, nil)
	a, b, c := tr.device(t), tr.device(t), tr.device(t)
	other := tr.device(t)

	a.join("room-1")
	b.join("room-1")
	a.expect("device_joined")
	c.join("room-1")
	a.expect("device_joined")
	b.expect("device_joined")
	other.join("room-2")

	a.send(map[string]any{"type": "clipboard", "payload": "hello from A", "from": "laptop"})
	a.sync()

	for _, d := range []*device{b, c} {
		msg := d.expect("clipboard")
		assert.Equal(t, "hello from A", msg["payload"])
		assert.Equal(t, "laptop", msg["from"])
		d.sync()
	}
	other.sync()
}

func TestClipboardPayloadIsRelayedVerbatim(t *testing.T) {
	tr := startRelay(t, nil)
	a, b := tr.device(t), tr.device(t)
	a.join("r")
	b.join("r")
	a.expect("device_joined")

	a.sendRaw(`{"type":"clipboard","payload":{"mime":"text/plain","text":"x","n":[1,2]}}`)

	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, raw, err := b.conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"clipboard","payload":{"mime":"text/plain","text":"x","n":[1,2]}}`, string(raw))
}

func TestClipboardWithoutRoomIsDropped(t *testing.T) {
	tr := startRelay(t, nil)
	a, b := tr.device(t), tr.device(t)
	b.join("r")

	a.send(map[string]any{"type": "clipboard", "payload": "nobody hears this"})
	a.sync()
	b.sync()
}

func TestDisconnectNotifiesRemainingDevices(t *testing.T) {
	tr := startRelay(t, nil)
	a, b := tr.device(t), tr.device(t)
	a.join("r")
	b.join("r")
	a.expect("device_joined")

	b.close()

	left := a.expect("device_left")
	assert.EqualValues(t, 1, left["devices"])
}

func TestLastDisconnectRemovesRoom(t *testing.T) {
	tr := startRelay(t, nil)
	a := tr.device(t)
	a.join("solo")
	require.Equal(t, 1, tr.hub.Registry().Stats().Rooms)

	a.close()

	assert.Eventually(t, func() bool {
		return tr.hub.Registry().Stats() == relay.Stats{} && tr.hub.ClientCount() == 0
	}, readTimeout, 10*time.Millisecond)
}

func TestJoinAnotherRoomMovesDevice(t *testing.T) {
	tr := startRelay(t, nil)
	a, b, c := tr.device(t), tr.device(t), tr.device(t)
	a.join("one")
	b.join("one")
	a.expect("device_joined")
	c.join("two")

	ack := b.join("two")
	assert.EqualValues(t, 2, ack["devices"])

	left := a.expect("device_left")
	assert.EqualValues(t, 1, left["devices"])
	joined := c.expect("device_joined")
	assert.EqualValues(t, 2, joined["devices"])

	assert.Equal(t, 1, tr.hub.Registry().Members("one"))
	assert.Equal(t, 2, tr.hub.Registry().Members("two"))
	assert.Equal(t, relay.Stats{Rooms: 2, Members: 3}, tr.hub.Registry().Stats())
}

func TestPingGetsPong(t *testing.T) {
	tr := startRelay(t, nil)
	a := tr.device(t)

	a.sendRaw(`{"type":"ping"}`)
	assert.Equal(t, map[string]any{"type": "pong"}, a.read())
}

func TestInvalidFramesAreIgnored(t *testing.T) {
	tr := startRelay(t, nil)
	a, b := tr.device(t), tr.device(t)
	a.join("r")
	b.join("r")
	a.expect("device_joined")

	for _, raw := range []string{
		`not json`,
		`{"room":"r"}`,
		`{"type":"join"}`,
		`{"type":"teleport","room":"r"}`,
		`[]`,
	} {
		a.sendRaw(raw)
	}
	a.sync()
	b.sync()

	assert.Equal(t, 2, tr.hub.Registry().Members("r"))
}

func TestUpgradeOnAnyPath(t *testing.T) {
	tr := startRelay(t, nil)
	conn := tr.dialPath(t, "/", nil)
	d := &device{t: t, conn: conn}

	d.join("root")
	d.sync()

	other := &device{t: t, conn: tr.dialPath(t, "/devices/phone", nil)}
	other.join("root")
	d.expect("device_joined")
}

func TestOriginEnforcement(t *testing.T) {
	tr := startRelay(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"https://clips.example.com"}
	})

	header := http.Header{}
	header.Set("Origin", "https://clips.example.com")
	tr.dialPath(t, "/ws", header)

	header.Set("Origin", "https://evil.example.com")
	dialer := websocket.Dialer{HandshakeTimeout: readTimeout}
	conn, resp, err := dialer.Dial(tr.wsURL("/ws"), header)
	if conn != nil {
		_ = conn.Close()
	}
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// native clients send no Origin at all
	tr.dialPath(t, "/ws", nil)
}

func TestOversizedMessageClosesConnection(t *testing.T) {
	tr := startRelay(t, func(cfg *server.Config) { cfg.MaxMessageSize = 256 })
	a, b := tr.device(t), tr.device(t)
	a.join("r")
	b.join("r")
	a.expect("device_joined")

	b.send(map[string]any{"type": "clipboard", "payload": strings.Repeat("x", 1024)})

	left := a.expect("device_left")
	assert.EqualValues(t, 1, left["devices"])

	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, _, err := b.conn.ReadMessage()
	assert.Error(t, err)
}

func TestRateLimitDiscardsExcessMessages(t *testing.T) {
	tr := startRelay(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 3, RefillInterval: time.Hour}
	})
	a, b := tr.device(t), tr.device(t)
	b.join("r")
	// every device has its own bucket; a spends one token on the join
	a.join("r")
	b.expect("device_joined")

	for i := 0; i < 5; i++ {
		a.send(map[string]any{"type": "clipboard", "payload": fmt.Sprintf("clip-%d", i)})
	}

	assert.Equal(t, "clip-0", b.expect("clipboard")["payload"])
	assert.Equal(t, "clip-1", b.expect("clipboard")["payload"])
	b.sync()

	// the connection stays open even though messages were discarded
	assert.Equal(t, 2, tr.hub.Registry().Members("r"))
}

func TestClipboardOrderIsPreserved(t *testing.T) {
	tr := startRelay(t, nil)
	a, b := tr.device(t), tr.device(t)
	a.join("r")
	b.join("r")
	a.expect("device_joined")

	const n = 15
	for i := 0; i < n; i++ {
		a.send(map[string]any{"type": "clipboard", "payload": i})
	}
	for i := 0; i < n; i++ {
		assert.EqualValues(t, i, b.expect("clipboard")["payload"])
	}
}

func TestManyDevicesShareRooms(t *testing.T) {
	tr := startRelay(t, nil)

	const rooms, perRoom = 4, 5
	var wg sync.WaitGroup
	devices := make([][]*device, rooms)
	for r := range devices {
		devices[r] = make([]*device, perRoom)
		for i := range devices[r] {
			devices[r][i] = tr.device(t)
		}
	}

	for r := range devices {
		for _, d := range devices[r] {
			wg.Add(1)
			go func(d *device, room string) {
				defer wg.Done()
				_ = d.conn.WriteJSON(map[string]any{"type": "join", "room": room})
			}(d, fmt.Sprintf("room-%d", r))
		}
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		s := tr.hub.Registry().Stats()
		return s.Rooms == rooms && s.Members == rooms*perRoom
	}, readTimeout, 10*time.Millisecond)
	for r := 0; r < rooms; r++ {
		assert.Equal(t, perRoom, tr.hub.Registry().Members(fmt.Sprintf("room-%d", r)))
	}
}

func TestFramesAreSingleJSONDocuments(t *testing.T) {
	tr := startRelay(t, nil)
	a, b := tr.device(t), tr.device(t)
	a.join("r")
	b.join("r")
	a.expect("device_joined")

	for i := 0; i < 10; i++ {
		a.send(map[string]any{"type": "clipboard", "payload": i})
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(readTimeout)))
		_, raw, err := b.conn.ReadMessage()
		require.NoError(t, err)
		assert.True(t, json.Valid(raw), "frame %d: %s", i, raw)
	}
}
