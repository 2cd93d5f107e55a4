package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/config"
)

// --- Mock implementations ---

type mockAppService struct {
	connectFn       func(ctx context.Context, caller domain.Identity, deviceID string, channels []string) (domain.Session, error)
	disconnectFn    func(ctx context.Context, caller domain.Identity, sessionID, deviceID string) (int, error)
	heartbeatFn     func(ctx context.Context, caller domain.Identity, sessionID string) error
	subscribeFn     func(ctx context.Context, caller domain.Identity, sessionID, channel string) error
	unsubscribeFn   func(ctx context.Context, caller domain.Identity, sessionID, channel string) error
	publishFn       func(ctx context.Context, caller domain.Identity, addr domain.Addressing, msg domain.Message) (int, error)
	sessionFn       func(ctx context.Context, caller domain.Identity, sessionID string) (domain.Session, error)
	statusFn        func(ctx context.Context, caller domain.Identity) broker.Snapshot
	clusterStatusFn func(ctx context.Context, caller domain.Identity) ([]domain.ClusterSession, error)
	deviceFn        func(ctx context.Context, caller domain.Identity, deviceID string) (domain.DeviceRecord, error)
	devicesFn       func(ctx context.Context, caller domain.Identity) ([]domain.DeviceRecord, error)
}

func (m *mockAppService) Connect(ctx context.Context, caller domain.Identity, deviceID string, channels []string) (domain.Session, error) {
	if m.connectFn != nil {
		return m.connectFn(ctx, caller, deviceID, channels)
	}
	return domain.Session{}, errors.New("not implemented")
}

func (m *mockAppService) Disconnect(ctx context.Context, caller domain.Identity, sessionID, deviceID string) (int, error) {
	if m.disconnectFn != nil {
		return m.disconnectFn(ctx, caller, sessionID, deviceID)
	}
	return 0, nil
}

func (m *mockAppService) Heartbeat(ctx context.Context, caller domain.Identity, sessionID string) error {
	if m.heartbeatFn != nil {
		return m.heartbeatFn(ctx, caller, sessionID)
	}
	return nil
}

func (m *mockAppService) Subscribe(ctx context.Context, caller domain.Identity, sessionID, channel string) error {
	if m.subscribeFn != nil {
		return m.subscribeFn(ctx, caller, sessionID, channel)
	}
	return nil
}

func (m *mockAppService) Unsubscribe(ctx context.Context, caller domain.Identity, sessionID, channel string) error {
	if m.unsubscribeFn != nil {
		return m.unsubscribeFn(ctx, caller, sessionID, channel)
	}
	return nil
}

func (m *mockAppService) Publish(ctx context.Context, caller domain.Identity, addr domain.Addressing, msg domain.Message) (int, error) {
	if m.publishFn != nil {
		return m.publishFn(ctx, caller, addr, msg)
	}
	return 0, nil
}

func (m *mockAppService) Session(ctx context.Context, caller domain.Identity, sessionID string) (domain.Session, error) {
	if m.sessionFn != nil {
		return m.sessionFn(ctx, caller, sessionID)
	}
	return domain.Session{}, domain.ErrSessionNotFound
}

func (m *mockAppService) Status(ctx context.Context, caller domain.Identity) broker.Snapshot {
	if m.statusFn != nil {
		return m.statusFn(ctx, caller)
	}
	return broker.Snapshot{}
}

func (m *mockAppService) ClusterStatus(ctx context.Context, caller domain.Identity) ([]domain.ClusterSession, error) {
	if m.clusterStatusFn != nil {
		return m.clusterStatusFn(ctx, caller)
	}
	return nil, nil
}

func (m *mockAppService) Device(ctx context.Context, caller domain.Identity, deviceID string) (domain.DeviceRecord, error) {
	if m.deviceFn != nil {
		return m.deviceFn(ctx, caller, deviceID)
	}
	return domain.DeviceRecord{}, domain.ErrDeviceNotFound
}

func (m *mockAppService) Devices(ctx context.Context, caller domain.Identity) ([]domain.DeviceRecord, error) {
	if m.devicesFn != nil {
		return m.devicesFn(ctx, caller)
	}
	return nil, nil
}

// mockGate accepts the tokens listed in identities.
type mockGate struct {
	identities map[string]domain.Identity
}

func (m *mockGate) Authenticate(header string) (domain.Identity, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	return m.AuthenticateToken(token)
}

func (m *mockGate) AuthenticateToken(token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, domain.ErrUnauthenticated
	}
	id, ok := m.identities[token]
	if !ok {
		return domain.Identity{}, domain.ErrInvalidToken
	}
	return id, nil
}

type mockSockets struct {
	serveFn     func(w http.ResponseWriter, r *http.Request, sessionID string) error
	served      []string
	connections int
}

func (m *mockSockets) Connections() int { return m.connections }

func (m *mockSockets) Serve(w http.ResponseWriter, r *http.Request, sessionID string) error {
	m.served = append(m.served, sessionID)
	if m.serveFn != nil {
		return m.serveFn(w, r, sessionID)
	}
	return nil
}

// --- Test helpers ---

var (
	alice   = domain.Identity{UserID: "alice", TenantID: "acme"}
	bob     = domain.Identity{UserID: "bob", TenantID: "acme"}
	mallory = domain.Identity{UserID: "mallory", TenantID: "globex"}
)

const (
	aliceToken = "alice-token"
	bobToken   = "bob-token"
)

func newTestServer(t *testing.T, app appService, opts ...func(*Server)) *Server {
	t.Helper()

	srv := NewServer(&config.Config{
		Port:             "0",
		PublishRateLimit: 1000,
		PublishRateBurst: 1000,
	}, Dependencies{
		App: app,
		Gate: &mockGate{identities: map[string]domain.Identity{
			aliceToken:      alice,
			bobToken:        bob,
			"mallory-token": mallory,
		}},
		Sockets: &mockSockets{},
	})

	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

func withSessions(sessions sessionCounter) func(*Server) {
	return func(s *Server) {
		s.sessions = sessions
	}
}

func withSockets(sockets socketServer) func(*Server) {
	return func(s *Server) {
		s.sockets = sockets
	}
}

// withMetrics re-registers routes with a fresh Prometheus registry.
func withMetrics() func(*Server) {
	return func(s *Server) {
		reg := metrics.NewRegistry("test")
		rebuilt := NewServer(s.config, Dependencies{
			App:          s.app,
			Gate:         s.gate,
			Sockets:      s.sockets,
			Registry:     reg,
			HTTPMetrics:  metrics.NewHTTPMetrics(reg),
			HealthChecks: s.healthChecks,
			Sessions:     s.sessions,
		})
		s.echo, s.registry, s.httpMetrics = rebuilt.echo, rebuilt.registry, rebuilt.httpMetrics
	}
}

func doJSON(t *testing.T, srv *Server, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
