package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/stretchr/testify/require"
)

var (
	userA = domain.Identity{UserID: "uA", TenantID: "t1"}
	userB = domain.Identity{UserID: "uB", TenantID: "t1"}
	userC = domain.Identity{UserID: "uC", TenantID: "t2"}
)

// recordingTransport stores every delivered message per session.
type recordingTransport struct {
	mu          sync.Mutex
	received    map[string][]domain.Message
	unreachable map[string]bool
	hang        map[string]bool
	onSend      func(sessionID string)
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{
		received:    make(map[string][]domain.Message),
		unreachable: make(map[string]bool),
		hang:        make(map[string]bool),
	}
}

func (t *recordingTransport) Send(ctx context.Context, sessionID string, data []byte) error {
	t.mu.Lock()
	unreachable := t.unreachable[sessionID]
	hang := t.hang[sessionID]
	hook := t.onSend
	t.mu.Unlock()

	if hook != nil {
		hook(sessionID)
	}
	if unreachable {
		return domain.ErrUnreachable
	}
	if hang {
		<-ctx.Done()
		return ctx.Err()
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	t.mu.Lock()
	t.received[sessionID] = append(t.received[sessionID], msg)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) setUnreachable(sessionID string) {
	t.mu.Lock()
	t.unreachable[sessionID] = true
	t.mu.Unlock()
}

func (t *recordingTransport) setHang(sessionID string) {
	t.mu.Lock()
	t.hang[sessionID] = true
	t.mu.Unlock()
}

func (t *recordingTransport) messages(sessionID string) []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Message, len(t.received[sessionID]))
	copy(out, t.received[sessionID])
	return out
}

func (t *recordingTransport) ofType(sessionID string, mt domain.MessageType) []domain.Message {
	var out []domain.Message
	for _, m := range t.messages(sessionID) {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

type statusWrite struct {
	DeviceID string
	TenantID string
	Status   domain.DeviceStatus
	LastSeen time.Time
}

type fakeDeviceStore struct {
	mu     sync.Mutex
	writes []statusWrite
	calls  int
	err    error
	// gate, when set, holds every write until it is closed.
	gate chan struct{}
}

func (s *fakeDeviceStore) SetStatus(ctx context.Context, deviceID, tenantID string, status domain.DeviceStatus, lastSeen time.Time) error {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, statusWrite{deviceID, tenantID, status, lastSeen})
	return nil
}

func (s *fakeDeviceStore) statuses() []domain.DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeviceStatus, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, w.Status)
	}
	return out
}

func (s *fakeDeviceStore) hold() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	return s.gate
}

func (s *fakeDeviceStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testBroker struct {
	clock       *clockwork.FakeClock
	metrics     *metrics.BrokerMetrics
	registry    *Registry
	transport   *recordingTransport
	broadcaster *Broadcaster
	presence    *PresenceCoordinator
	store       *fakeDeviceStore
}

func newTestBroker(t *testing.T, opts ...BroadcasterOption) *testBroker {
	t.Helper()

	tb := &testBroker{
		clock:     clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		metrics:   metrics.NewBrokerMetrics(prometheus.NewRegistry()),
		transport: newRecordingTransport(),
		store:     &fakeDeviceStore{},
	}
	tb.registry = NewRegistry(WithClock(tb.clock), WithRegistryMetrics(tb.metrics))
	opts = append([]BroadcasterOption{WithBroadcasterClock(tb.clock), WithBroadcasterMetrics(tb.metrics)}, opts...)
	tb.broadcaster = NewBroadcaster(tb.registry, tb.transport, BroadcasterConfig{SendTimeout: 200 * time.Millisecond, InstanceID: "test"}, opts...)
	tb.presence = NewPresenceCoordinator(tb.store, tb.broadcaster, tb.registry, tb.clock, tb.metrics)
	tb.presence.retry = newPresenceRetryPolicy(time.Millisecond, 5*time.Millisecond)
	tb.registry.Observe(tb.presence)
	t.Cleanup(tb.presence.Wait)
	return tb
}

func (tb *testBroker) open(t *testing.T, id domain.Identity, deviceID string, channels ...string) domain.Session {
	t.Helper()
	s, err := tb.registry.Open(context.Background(), id, deviceID, channels)
	require.NoError(t, err)
	tb.presence.Wait()
	return s
}

// close closes a session and waits for the resulting presence update.
func (tb *testBroker) close(sessionID string) {
	tb.registry.Close(context.Background(), sessionID, domain.CloseRequested)
	tb.presence.Wait()
}

func notification(payload string) domain.Message {
	return domain.Message{Type: domain.MessageNotification, Payload: json.RawMessage(payload)}
}
