// Package server defines shared helpers that are reused across client and hub
// logic.
package server

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/Tyrowin/clipsync/internal/relay"
)

// Reasons reported to metrics for inbound frames that never reach a room.
const (
	discardMalformed   = "malformed"
	discardUnknownType = "unknown_type"
	discardRateLimited = "rate_limited"
)

func discardReason(err error) string {
	if errors.Is(err, relay.ErrUnknownType) {
		return discardUnknownType
	}
	return discardMalformed
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
