package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/auth"
	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCmd(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("JWT_ISSUER", "signpulse-dev")

	out, err := run(t, "token", "--user", "alice", "--tenant", "acme", "--ttl", "5m")
	require.NoError(t, err)

	verifier := auth.NewJWTVerifier(testSecret, "signpulse-dev", clockwork.NewRealClock())
	id, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, domain.Identity{UserID: "alice", TenantID: "acme"}, id)
}

func TestTokenCmd_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BROKERCTL_JWT_SECRET", "")

	_, err := run(t, "token", "--user", "alice", "--tenant", "acme")
	require.ErrorContains(t, err, "JWT_SECRET")
}

func TestTokenCmd_RequiresFlags(t *testing.T) {
	t.Setenv("JWT_SECRET", testSecret)

	_, err := run(t, "token", "--user", "alice")
	require.ErrorContains(t, err, "tenant")
}

func TestStatusCmd(t *testing.T) {
	opened := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(broker.Snapshot{
			Sessions: []domain.Session{{ID: "s-1", UserID: "alice", TenantID: "acme", DeviceID: "lobby-1", Channels: []string{"tenant:acme", "user:alice"}, OpenedAt: opened, LastSeen: opened}},
			Channels: []broker.ChannelStat{{TenantID: "acme", Name: "tenant:acme", Members: 1}},
		})
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "status", "--server", srv.URL, "--token", "tok")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Contains(t, out, "SESSION")
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "lobby-1")
	assert.Contains(t, out, "tenant:acme")
}

func TestStatusCmd_Cluster(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/status/cluster", r.URL.Path)
		_, _ = w.Write([]byte(`{"sessions":[{"id":"s-9","userId":"bob","tenantId":"acme","channels":[],"openedAt":"2026-03-01T09:00:00Z","lastSeen":"2026-03-01T09:00:00Z","instanceId":"broker-b"}]}`))
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "status", "--cluster", "--server", srv.URL, "--token", "tok")
	require.NoError(t, err)

	assert.Contains(t, out, "s-9")
	assert.Contains(t, out, "broker-b")
}

func TestStatusCmd_ReportsBrokerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"authentication required","type":"unauthenticated"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := run(t, "status", "--server", srv.URL, "--token", "expired")

	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthenticated", apiErr.Type)
}

func TestStatusCmd_RequiresToken(t *testing.T) {
	t.Setenv("BROKERCTL_TOKEN", "")

	_, err := run(t, "status", "--server", "http://127.0.0.1:1")
	require.ErrorContains(t, err, "no token")
}

func TestDevicesCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices", r.URL.Path)
		_, _ = w.Write([]byte(`{"devices":[{"deviceId":"lobby-1","tenantId":"acme","status":"online","lastSeen":"2026-03-01T09:00:00Z"}]}`))
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "devices", "--server", srv.URL, "--token", "tok")
	require.NoError(t, err)

	assert.Contains(t, out, "lobby-1")
	assert.Contains(t, out, "online")
}

func TestPublishCmd(t *testing.T) {
	var got publishRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"deliveryCount":4}`))
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "publish", "--server", srv.URL, "--token", "tok",
		"--type", "layout_update", "--channel", "lobby-screens", "--payload", `{"layout":"grid"}`)
	require.NoError(t, err)

	assert.Equal(t, "Delivered to 4 session(s)\n", out)
	assert.Equal(t, domain.MessageLayoutUpdate, got.Type)
	assert.Equal(t, "lobby-screens", got.Channel)
	assert.JSONEq(t, `{"layout":"grid"}`, string(got.Payload))
}

func TestPublishCmd_RejectsInvalidPayload(t *testing.T) {
	_, err := run(t, "publish", "--server", "http://127.0.0.1:1", "--token", "tok", "--type", "broadcast", "--payload", "{nope")
	require.ErrorContains(t, err, "valid JSON")
}
