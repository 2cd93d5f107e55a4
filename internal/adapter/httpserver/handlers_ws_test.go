package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pscheid92/signpulse/internal/adapter/websocket"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func aliceSessionApp() *mockAppService {
	return &mockAppService{
		sessionFn: func(_ context.Context, caller domain.Identity, sessionID string) (domain.Session, error) {
			if caller.TenantID != "acme" || sessionID != "s-1" {
				return domain.Session{}, domain.ErrSessionNotFound
			}
			return domain.Session{ID: "s-1", UserID: "alice", TenantID: "acme"}, nil
		},
	}
}

func wsRequest(query, header string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/ws"+query, nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	return req
}

func TestHandleWebSocket_Attaches(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		header string
	}{
		{"token in query", "?session=s-1&token=" + aliceToken, ""},
		{"token in header", "?session=s-1", "Bearer " + aliceToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sockets := &mockSockets{}
			srv := newTestServer(t, aliceSessionApp(), withSockets(sockets))

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, wsRequest(tt.query, tt.header))

			assert.Equal(t, []string{"s-1"}, sockets.served)
		})
	}
}

func TestHandleWebSocket_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"no credential", "?session=s-1", http.StatusUnauthorized},
		{"bad token", "?session=s-1&token=forged", http.StatusUnauthorized},
		{"missing session", "?token=" + aliceToken, http.StatusBadRequest},
		{"unknown session", "?session=nope&token=" + aliceToken, http.StatusNotFound},
		{"other user's session", "?session=s-1&token=" + bobToken, http.StatusForbidden},
		{"other tenant's session", "?session=s-1&token=mallory-token", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sockets := &mockSockets{}
			srv := newTestServer(t, aliceSessionApp(), withSockets(sockets))

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, wsRequest(tt.query, ""))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Empty(t, sockets.served)
		})
	}
}

func TestHandleWebSocket_AtCapacity(t *testing.T) {
	sockets := &mockSockets{
		serveFn: func(http.ResponseWriter, *http.Request, string) error { return websocket.ErrAtCapacity },
	}
	srv := newTestServer(t, aliceSessionApp(), withSockets(sockets))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, wsRequest("?session=s-1&token="+aliceToken, ""))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleWebSocket_UpgradeFailureIsNotAnsweredTwice(t *testing.T) {
	sockets := &mockSockets{
		serveFn: func(w http.ResponseWriter, _ *http.Request, _ string) error {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return errors.New("websocket upgrade failed: not a websocket handshake")
		},
	}
	srv := newTestServer(t, aliceSessionApp(), withSockets(sockets))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, wsRequest("?session=s-1&token="+aliceToken, ""))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Bad Request\n", rec.Body.String())
}
