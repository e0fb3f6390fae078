// Package server wires HTTP handlers into a ServeMux for the ClipSync
// relay via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// It sets up handlers for the health check, the WebSocket endpoint, the test
// page, and metrics when metricsHandler is not nil. Every other path answers
// with the status text, or upgrades when the request asks for a WebSocket.
func SetupRoutes(hub *Hub, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	ws := WebSocketHandler(hub)

	mux.HandleFunc("/", StatusHandler(ws))
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/ws", ws)
	mux.HandleFunc("/test", TestPageHandler)

	if metricsHandler != nil {
		if path := currentConfig().MetricsPath; path != "" {
			mux.Handle(path, metricsHandler)
		}
	}
	return mux
}
