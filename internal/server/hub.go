// Package server coordinates client registration, connection cleanup and
// shutdown for the ClipSync WebSocket relay via the Hub type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/clipsync/internal/metrics"
	"github.com/Tyrowin/clipsync/internal/relay"
)

// Hub tracks every live WebSocket client and ties the transport lifecycle to
// the room registry: a client that disconnects or fails is removed from its
// room before its send channel is closed.
type Hub struct {
	registry   *relay.Registry
	metrics    *metrics.Metrics
	log        zerolog.Logger
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates and initializes a new Hub around registry. m may be nil.
func NewHub(registry *relay.Registry, log zerolog.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   registry,
		metrics:    m,
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Registry returns the room registry the hub dispatches to.
func (h *Hub) Registry() *relay.Registry {
	return h.registry
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Register hands a new client to the hub, which starts its pumps. It returns
// false if the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client from its room and closes it. During shutdown
// the removal happens inline since Run no longer reads the channel.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
		h.removeClient(client)
	}
}

// Run starts the hub's main event loop, handling client registration and
// unregistration. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("received nil client registration; skipping")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionOpened()
	}
	client.log.Info().Int("clients", clientCount).Msg("client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// removeClient is idempotent. Leave runs before the send channel is closed so
// the registry never holds a member whose channel is gone.
func (h *Hub) removeClient(client *Client) {
	if client == nil {
		return
	}

	h.mutex.Lock()
	_, ok := h.clients[client]
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	if !ok {
		return
	}

	h.registry.Leave(client)
	client.close()

	if h.metrics != nil {
		h.metrics.ConnectionClosed()
	}
	client.log.Info().Int("clients", clientCount).Msg("client unregistered")
}

// shutdownClients sends a going-away close frame to every client and closes
// the sockets; the read pumps then unregister themselves.
func (h *Hub) shutdownClients() {
	h.log.Info().Msg("shutting down all client connections")

	h.mutex.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.RUnlock()

	closeMsg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		_ = client.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			client.log.Warn().Err(err).Msg("error closing client connection")
		}
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")

	h.cancel()

	select {
	case <-h.done:
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached before the event loop stopped")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

func (h *Hub) logger() zerolog.Logger {
	if h == nil {
		return zerolog.Nop()
	}
	return h.log
}

func (h *Hub) discarded(reason string) {
	if h == nil || h.metrics == nil {
		return
	}
	h.metrics.Discarded(reason)
}
