package websocket

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	allowed := []string{"https://dashboard.signage.example.com/app", " https://kiosk.example.com ", "not a url"}

	tests := []struct {
		name          string
		origin        string
		isDevelopment bool
		want          bool
	}{
		{"player without origin", "", false, true},
		{"dashboard origin", "https://dashboard.signage.example.com", false, true},
		{"second listed origin", "https://kiosk.example.com", false, true},

		{"unknown host", "https://evil.example.net", false, false},
		{"wrong port", "https://kiosk.example.com:9443", false, false},
		{"plain http", "http://kiosk.example.com", false, false},

		{"localhost in development", "http://localhost:5173", true, true},
		{"loopback in development", "http://127.0.0.1:3000", true, true},
		{"localhost in production", "http://localhost:5173", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewCheckOrigin(allowed, tt.isDevelopment)
			r, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checker(r))
		})
	}
}

func TestExtractOrigin(t *testing.T) {
	assert.Equal(t, "https://example.com:8443", extractOrigin("https://example.com:8443/path"))
	assert.Equal(t, "", extractOrigin(""))
	assert.Equal(t, "", extractOrigin("mailto:ops@example.com"))
}

func TestConnectionLimiter_AcquireRelease(t *testing.T) {
	l := newConnectionLimiter(2)

	assert.True(t, l.acquire())
	assert.True(t, l.acquire())
	assert.False(t, l.acquire())

	l.release()
	assert.True(t, l.acquire())
}
