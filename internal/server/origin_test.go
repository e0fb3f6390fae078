package server

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestIsOriginAllowed(t *testing.T) {
	resetConfig(t)
	SetConfig(&Config{AllowedOrigins: []string{"https://clips.example.com", "http://localhost:3000"}})

	tests := []struct {
		name   string
		origin string
		want   bool
	}{
		{"no origin header", "", true},
		{"exact match", "https://clips.example.com", true},
		{"case insensitive", "HTTPS://CLIPS.EXAMPLE.COM", true},
		{"path ignored", "http://localhost:3000/app", true},
		{"other host", "https://evil.example.com", false},
		{"other scheme", "http://clips.example.com", false},
		{"other port", "http://localhost:3001", false},
		{"garbage", "::not-a-url", false},
		{"null origin", "null", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checkOrigin(r))
		})
	}
}

func TestBlockedOriginIsLoggedAsHTTP(t *testing.T) {
	resetConfig(t)
	SetConfig(&Config{AllowedOrigins: []string{"https://clips.example.com"}})

	var buf bytes.Buffer
	saved := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = saved })

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, checkOrigin(r))

	assert.Contains(t, buf.String(), `"component":"http"`)
	assert.Contains(t, buf.String(), "blocked WebSocket connection from disallowed origin")
}

func TestWildcardOriginAllowsAnything(t *testing.T) {
	resetConfig(t)
	SetConfig(&Config{AllowedOrigins: []string{"*"}})

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.test")
	assert.True(t, isOriginAllowed(r))
	assert.Equal(t, []string{"*"}, CurrentConfig().AllowedOrigins)
}

func TestNormalizeOrigins(t *testing.T) {
	normalized, allowAll := normalizeOrigins([]string{"HTTP://A.test:80/x", " ", "bad", "*"})
	assert.True(t, allowAll)
	assert.Equal(t, []string{"http://a.test:80"}, normalized)

	normalized, allowAll = normalizeOrigins(nil)
	assert.False(t, allowAll)
	assert.Empty(t, normalized)
}
