// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

const (
	healthText = "ClipSync Server Running ✓"
	statusText = "ClipSync WebSocket Server"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler returns a handler that upgrades requests to WebSocket and
// registers the resulting client with hub, which starts its read/write pumps.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			httpLog().Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr)
		if !hub.Register(client) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			_ = conn.Close()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, healthText)
}

// StatusHandler answers every path without a dedicated route. WebSocket
// upgrade requests are passed to ws so devices can connect on any path.
func StatusHandler(ws http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			ws(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = fmt.Fprint(w, statusText)
	}
}

// TestPageHandler serves an HTML page for trying the relay from a browser:
// join a room, push clipboard text and watch what the other devices send.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		httpLog().Warn().Err(err).Msg("error writing HTML response")
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>ClipSync Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #log {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"], textarea { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:disabled { background-color: #999; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>ClipSync Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="room" placeholder="Room code" value="1234">
        <button id="connect" onclick="toggleConnection()">Connect</button>
        <button id="ping" onclick="send({type: 'ping'})" disabled>Ping</button>
    </div>
    <div style="margin-top: 10px">
        <textarea id="clip" rows="3" placeholder="Clipboard text..." disabled></textarea>
        <button id="push" onclick="pushClipboard()" disabled>Send clipboard</button>
    </div>

    <div id="log"></div>

    <script>
        let ws = null;
        const device = 'browser-' + Math.random().toString(36).slice(2, 8);
        const logDiv = document.getElementById('log');

        function addLine(text) {
            const line = document.createElement('div');
            line.textContent = new Date().toLocaleTimeString() + ' ' + text;
            logDiv.appendChild(line);
            logDiv.scrollTop = logDiv.scrollHeight;
        }

        function setConnected(connected) {
            const status = document.getElementById('status');
            status.textContent = connected ? 'Connected as ' + device : 'Disconnected';
            status.className = 'status ' + (connected ? 'connected' : 'disconnected');
            for (const id of ['ping', 'clip', 'push']) {
                document.getElementById(id).disabled = !connected;
            }
            document.getElementById('connect').textContent = connected ? 'Disconnect' : 'Connect';
        }

        function send(msg) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(msg));
                addLine('> ' + JSON.stringify(msg));
            }
        }

        function pushClipboard() {
            const clip = document.getElementById('clip');
            send({type: 'clipboard', payload: clip.value, from: device});
        }

        function toggleConnection() {
            if (ws) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = function() {
                setConnected(true);
                send({type: 'join', room: document.getElementById('room').value});
            };
            ws.onmessage = function(event) { addLine('< ' + event.data); };
            ws.onclose = function() {
                addLine('connection closed');
                setConnected(false);
                ws = null;
            };
            ws.onerror = function() { addLine('connection error'); };
        }
    </script>
</body>
</html>`
