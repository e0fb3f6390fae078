// Package server implements the HTTP and WebSocket front door of the ClipSync
// relay: it accepts device connections and feeds their messages to the room
// registry in package relay.
//
// The implementation is organized into specialized files for configuration, hub
// management, clients, routing, and HTTP handlers.
package server
