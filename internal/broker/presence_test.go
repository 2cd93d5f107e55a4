package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeStatus(t *testing.T, msg domain.Message) domain.DeviceStatusPayload {
	t.Helper()
	var p domain.DeviceStatusPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p
}

func TestPresence_OnlineThenOffline(t *testing.T) {
	tb := newTestBroker(t)
	watcher := tb.open(t, userB, "")

	screen := tb.open(t, userA, "D")

	require.Len(t, tb.store.writes, 1)
	assert.Equal(t, statusWrite{"D", "t1", domain.DeviceOnline, tb.clock.Now()}, tb.store.writes[0])

	online := tb.transport.ofType(watcher.ID, domain.MessageDeviceStatus)
	require.Len(t, online, 1)
	assert.Equal(t, SystemSender, online[0].SenderID)
	assert.Equal(t, "D", decodeStatus(t, online[0]).DeviceID)
	assert.Equal(t, domain.DeviceOnline, decodeStatus(t, online[0]).Status)

	tb.close(screen.ID)

	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceOffline}, tb.store.statuses())
	events := tb.transport.ofType(watcher.ID, domain.MessageDeviceStatus)
	require.Len(t, events, 2)
	assert.Equal(t, domain.DeviceOffline, decodeStatus(t, events[1]).Status)
	assert.InDelta(t, 2, testutil.ToFloat64(tb.metrics.PresenceWrites.WithLabelValues("ok")), 0)
}

func TestPresence_OtherTenantsDoNotHear(t *testing.T) {
	tb := newTestBroker(t)
	outsider := tb.open(t, userC, "")

	tb.open(t, userA, "D")

	assert.Empty(t, tb.transport.ofType(outsider.ID, domain.MessageDeviceStatus))
}

func TestPresence_OfflineOnlyAfterLastSession(t *testing.T) {
	tb := newTestBroker(t)
	first := tb.open(t, userA, "D")
	second := tb.open(t, userA, "D")

	tb.close(first.ID)
	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceOnline}, tb.store.statuses())

	tb.close(second.ID)
	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceOnline, domain.DeviceOffline}, tb.store.statuses())
}

func TestPresence_NonDeviceSessionsAreIgnored(t *testing.T) {
	tb := newTestBroker(t)

	s := tb.open(t, userA, "")
	tb.close(s.ID)

	assert.Zero(t, tb.store.callCount())
}

func TestPresence_StoreFailureDoesNotBlockLifecycle(t *testing.T) {
	tb := newTestBroker(t)
	tb.store.err = errors.New("connection refused")
	watcher := tb.open(t, userB, "")

	screen, err := tb.registry.Open(context.Background(), userA, "D", nil)
	require.NoError(t, err)
	tb.presence.Wait()

	assert.Equal(t, presenceMaxRetries+1, tb.store.callCount())
	assert.Len(t, tb.transport.ofType(watcher.ID, domain.MessageDeviceStatus), 1, "status is still announced")
	assert.InDelta(t, 1, testutil.ToFloat64(tb.metrics.PresenceWrites.WithLabelValues("error")), 0)

	tb.close(screen.ID)
	_, err = tb.registry.Get(screen.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestPresence_TenantMismatchIsNotRetriedOrAnnounced(t *testing.T) {
	tb := newTestBroker(t)
	watcher := tb.open(t, userB, "")
	tb.store.err = domain.ErrDeviceTenantMismatch

	tb.open(t, userA, "D")

	assert.Equal(t, 1, tb.store.callCount())
	assert.Empty(t, tb.transport.ofType(watcher.ID, domain.MessageDeviceStatus))
	assert.InDelta(t, 1, testutil.ToFloat64(tb.metrics.PresenceWrites.WithLabelValues("rejected")), 0)
}

func TestPresence_BlockingStoreDoesNotDelayLifecycle(t *testing.T) {
	tb := newTestBroker(t)
	release := tb.store.hold()
	defer close(release)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := tb.registry.Open(context.Background(), userA, "D", nil)
		if !assert.NoError(t, err) {
			return
		}
		tb.registry.Close(context.Background(), s.ID, domain.CloseRequested)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Open/Close waited on the device store")
	}
	assert.Zero(t, tb.registry.Len())
	assert.Empty(t, tb.store.statuses(), "the write is still held")
}

func TestPresence_ReconnectWhileOfflineWriteInFlightEndsOnline(t *testing.T) {
	tb := newTestBroker(t)
	watcher := tb.open(t, userB, "")
	old := tb.open(t, userA, "D")

	release := tb.store.hold()
	// The close schedules an offline write that parks on the gate.
	tb.registry.Close(context.Background(), old.ID, domain.CloseTransport)
	require.Eventually(t, func() bool { return tb.store.callCount() == 2 }, time.Second, time.Millisecond)

	fresh, err := tb.registry.Open(context.Background(), userA, "D", nil)
	require.NoError(t, err)

	close(release)
	tb.presence.Wait()

	statuses := tb.store.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, domain.DeviceOnline, statuses[len(statuses)-1])

	events := tb.transport.ofType(watcher.ID, domain.MessageDeviceStatus)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.DeviceOnline, decodeStatus(t, events[len(events)-1]).Status)

	_, err = tb.registry.Get(fresh.ID)
	assert.NoError(t, err)
}

func TestPresence_BurstsCollapsePerDevice(t *testing.T) {
	tb := newTestBroker(t)
	release := tb.store.hold()

	first, err := tb.registry.Open(context.Background(), userA, "D", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tb.store.callCount() == 1 }, time.Second, time.Millisecond)

	for range 5 {
		s, err := tb.registry.Open(context.Background(), userA, "D", nil)
		require.NoError(t, err)
		tb.registry.Close(context.Background(), s.ID, domain.CloseRequested)
	}

	close(release)
	tb.presence.Wait()

	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceOnline}, tb.store.statuses(),
		"queued changes run as one more pass")

	tb.close(first.ID)
	assert.Equal(t, domain.DeviceOffline, tb.store.statuses()[2])
}

func TestPresence_ClusterSessionsKeepDeviceOnline(t *testing.T) {
	tb := newTestBroker(t)
	cluster := &fakeClusterStore{}
	cluster.setDeviceSessions("D", "t1", 1)
	tb.presence.cluster = cluster

	s := tb.open(t, userA, "D")
	tb.close(s.ID)

	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline}, tb.store.statuses(),
		"another instance still holds a session")

	cluster.setDeviceSessions("D", "t1", 0)
	tb.presence.MarkOffline(context.Background(), "D", "t1")
	tb.presence.Wait()

	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceOffline}, tb.store.statuses())
}

func TestPresence_ClusterCountFailureFallsBackToLocal(t *testing.T) {
	tb := newTestBroker(t)
	tb.presence.cluster = &fakeClusterStore{err: errors.New("redis down")}

	s := tb.open(t, userA, "D")
	tb.close(s.ID)

	assert.Equal(t, []domain.DeviceStatus{domain.DeviceOnline, domain.DeviceOffline}, tb.store.statuses())
}
