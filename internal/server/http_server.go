// Package server constructs and starts the ClipSync HTTP service with helpers
// that apply sensible production defaults.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Tyrowin/clipsync/internal/logging"
)

// httpLog tags lines from the HTTP front door. It derives from log.Logger on
// every call so it follows whatever logging.Setup installed.
func httpLog() *zerolog.Logger {
	l := logging.Component(log.Logger, "http")
	return &l
}

// CreateServer creates and configures an HTTP server with the specified port and handler.
// WriteTimeout is left unset: hijacked WebSocket connections manage their own
// deadlines.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartHub starts the hub's event loop in a separate goroutine.
// This should be called before starting the HTTP server.
func StartHub(hub *Hub) {
	go hub.Run()
	l := hub.logger()
	l.Info().Msg("hub started and ready to manage WebSocket connections")
}

// StartServer starts the HTTP server and blocks until it stops. A server
// stopped through Shutdown returns nil.
func StartServer(server *http.Server) error {
	httpLog().Info().Str("addr", server.Addr).Msg("server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

// ShutdownServer gracefully shuts down the HTTP server without interrupting active connections.
// It waits for active connections to close or until the timeout is reached.
func ShutdownServer(server *http.Server, timeout time.Duration) error {
	httpLog().Info().Msg("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		httpLog().Error().Err(err).Msg("HTTP server shutdown error")
		return err
	}

	httpLog().Info().Msg("HTTP server shutdown completed")
	return nil
}
