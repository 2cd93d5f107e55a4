package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
)

const (
	presenceWriteTimeout = 3 * time.Second
	presenceCountTimeout = time.Second
	presenceMaxRetries   = 2
	presenceRetryDelay   = 100 * time.Millisecond
	presenceRetryMax     = 500 * time.Millisecond
)

type channelPublisher interface {
	PublishToChannel(ctx context.Context, channel domain.ScopedChannel, msg domain.Message) (int, error)
}

type deviceCounter interface {
	DeviceSessions(deviceID, tenantID string) int
}

type clusterDeviceCounter interface {
	CountDeviceSessions(ctx context.Context, deviceID, tenantID string) (int64, error)
}

type deviceKey struct{ deviceID, tenantID string }

// deviceWork is the queued state of one device. A worker goroutine exists
// for the device while its entry is present.
type deviceWork struct {
	dirty  bool
	opened bool
}

type PresenceOption func(*PresenceCoordinator)

// WithClusterDevices makes the offline decision count the device's sessions
// on every instance, not just this one.
func WithClusterDevices(c clusterDeviceCounter) PresenceOption {
	return func(p *PresenceCoordinator) { p.cluster = c }
}

// PresenceCoordinator writes device connectivity through to the DeviceStore
// and announces it on the owning tenant's channel.
//
// Session lifecycle never waits on it. Each device gets at most one worker,
// and requests arriving while it runs collapse into one more pass, so writes
// for a device are serialized and the last one reflects the live count.
type PresenceCoordinator struct {
	store     domain.DeviceStore
	publisher channelPublisher
	devices   deviceCounter
	cluster   clusterDeviceCounter
	clock     clockwork.Clock
	retry     retrypolicy.RetryPolicy[any]
	metrics   *metrics.BrokerMetrics

	mu      sync.Mutex
	pending map[deviceKey]*deviceWork
	wg      sync.WaitGroup
}

func NewPresenceCoordinator(store domain.DeviceStore, publisher channelPublisher, devices deviceCounter, clock clockwork.Clock, m *metrics.BrokerMetrics, opts ...PresenceOption) *PresenceCoordinator {
	p := &PresenceCoordinator{
		store:     store,
		publisher: publisher,
		devices:   devices,
		clock:     clock,
		retry:     newPresenceRetryPolicy(presenceRetryDelay, presenceRetryMax),
		metrics:   m,
		pending:   make(map[deviceKey]*deviceWork),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// newPresenceRetryPolicy retries transient store errors. A tenant mismatch
// will never succeed and an expired deadline leaves no time, so both abort.
func newPresenceRetryPolicy(delay, maxDelay time.Duration) retrypolicy.RetryPolicy[any] {
	return retrypolicy.NewBuilder[any]().
		AbortOnErrors(domain.ErrDeviceTenantMismatch, context.DeadlineExceeded, context.Canceled).
		WithMaxRetries(presenceMaxRetries).
		WithBackoff(delay, maxDelay).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			slog.Debug("Retrying device status write", "attempt", e.Attempts(), "error", e.LastError())
		}).
		Build()
}

func (p *PresenceCoordinator) SessionOpened(ctx context.Context, s domain.Session) {
	if s.DeviceID == "" {
		return
	}
	p.MarkOnline(ctx, s.DeviceID, s.TenantID)
}

func (p *PresenceCoordinator) SessionClosed(ctx context.Context, s domain.Session, _ domain.CloseReason) {
	if s.DeviceID == "" {
		return
	}
	p.MarkOffline(ctx, s.DeviceID, s.TenantID)
}

// MarkOnline queues an online write and announcement for the device. It
// returns immediately.
func (p *PresenceCoordinator) MarkOnline(ctx context.Context, deviceID, tenantID string) {
	p.schedule(ctx, deviceKey{deviceID, tenantID}, true)
}

// MarkOffline queues an offline check for the device. The device is only
// written and announced offline if, when the check runs, no live session for
// it remains on this instance or, with a cluster store, on any instance.
func (p *PresenceCoordinator) MarkOffline(ctx context.Context, deviceID, tenantID string) {
	p.schedule(ctx, deviceKey{deviceID, tenantID}, false)
}

// Wait blocks until every queued status change has been written and announced.
func (p *PresenceCoordinator) Wait() {
	p.wg.Wait()
}

func (p *PresenceCoordinator) schedule(ctx context.Context, key deviceKey, opened bool) {
	p.mu.Lock()
	if w, running := p.pending[key]; running {
		w.dirty = true
		w.opened = w.opened || opened
		p.mu.Unlock()
		return
	}
	w := &deviceWork{opened: opened}
	p.pending[key] = w
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(context.WithoutCancel(ctx), key, w)
}

func (p *PresenceCoordinator) run(ctx context.Context, key deviceKey, w *deviceWork) {
	defer p.wg.Done()

	opened := w.opened
	for {
		p.reconcile(ctx, key, opened)

		p.mu.Lock()
		if !w.dirty {
			delete(p.pending, key)
			p.mu.Unlock()
			return
		}
		opened = w.opened
		w.dirty, w.opened = false, false
		p.mu.Unlock()
	}
}

// reconcile writes the device's current status. Online is only written when
// a session opened since the last pass; a close that leaves the device
// connected changes nothing.
func (p *PresenceCoordinator) reconcile(ctx context.Context, key deviceKey, opened bool) {
	status := p.currentStatus(ctx, key)
	if status == domain.DeviceOnline && !opened {
		slog.DebugContext(ctx, "Device still connected through other sessions", "device_id", key.deviceID)
		return
	}
	p.apply(ctx, key.deviceID, key.tenantID, status)
}

func (p *PresenceCoordinator) currentStatus(ctx context.Context, key deviceKey) domain.DeviceStatus {
	if p.devices.DeviceSessions(key.deviceID, key.tenantID) > 0 {
		return domain.DeviceOnline
	}
	if p.cluster == nil {
		return domain.DeviceOffline
	}

	ctx, cancel := context.WithTimeout(ctx, presenceCountTimeout)
	defer cancel()
	n, err := p.cluster.CountDeviceSessions(ctx, key.deviceID, key.tenantID)
	if err != nil {
		slog.WarnContext(ctx, "Cluster device count failed, using local count", "device_id", key.deviceID, "error", err)
		return domain.DeviceOffline
	}
	if n > 0 {
		return domain.DeviceOnline
	}
	return domain.DeviceOffline
}

// apply never fails the caller: a store outage is logged and the status
// change is still announced. A device owned by another tenant is neither
// written nor announced.
func (p *PresenceCoordinator) apply(ctx context.Context, deviceID, tenantID string, status domain.DeviceStatus) {
	now := p.clock.Now().UTC()

	writeCtx, cancel := context.WithTimeout(ctx, presenceWriteTimeout)
	err := failsafe.With[any](p.retry).WithContext(writeCtx).Run(func() error {
		return p.store.SetStatus(writeCtx, deviceID, tenantID, status, now)
	})
	cancel()

	switch {
	case errors.Is(err, domain.ErrDeviceTenantMismatch):
		slog.WarnContext(ctx, "Device belongs to another tenant, status not announced", "device_id", deviceID, "tenant_id", tenantID)
		p.countWrite("rejected")
		return
	case err != nil:
		slog.WarnContext(ctx, "Device status write failed", "device_id", deviceID, "tenant_id", tenantID, "status", status, "error", err)
		p.countWrite("error")
	default:
		p.countWrite("ok")
	}

	payload, err := json.Marshal(domain.DeviceStatusPayload{DeviceID: deviceID, Status: status, LastSeen: now})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode device status", "error", err)
		return
	}

	msg := domain.Message{
		Type:      domain.MessageDeviceStatus,
		Payload:   payload,
		Timestamp: now,
		SenderID:  SystemSender,
	}
	channel := domain.Scope(tenantID, domain.TenantChannel(tenantID))
	if _, err := p.publisher.PublishToChannel(ctx, channel, msg); err != nil {
		slog.WarnContext(ctx, "Device status broadcast failed", "device_id", deviceID, "error", err)
	}
}

func (p *PresenceCoordinator) countWrite(result string) {
	if p.metrics != nil {
		p.metrics.PresenceWrites.WithLabelValues(result).Inc()
	}
}
