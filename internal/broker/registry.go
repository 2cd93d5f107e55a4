package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/correlation"
)

const (
	clusterTimeout      = 2 * time.Second
	touchMirrorInterval = 10 * time.Second
)

// liveSession is the registry's record of an open session. Identity fields are
// immutable; lastSeen is guarded by Registry.mu and closed by gate.
type liveSession struct {
	id       string
	userID   string
	tenantID string
	deviceID string
	openedAt time.Time

	lastSeen        time.Time
	touchMirroredAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// gate serialises deliveries with close: once closed is set no delivery
	// may start, and Close holds gate until in-flight deliveries return.
	gate   sync.Mutex
	closed bool
}

// Registry owns the set of live sessions and the channel index.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*liveSession
	index     *channelIndex
	observers []domain.SessionObserver

	clock      clockwork.Clock
	cluster    domain.ClusterStore
	instanceID string
	metrics    *metrics.BrokerMetrics
	newID      func() string
}

type RegistryOption func(*Registry)

func WithClock(clock clockwork.Clock) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// WithClusterStore mirrors every membership change into store.
func WithClusterStore(store domain.ClusterStore, instanceID string) RegistryOption {
	return func(r *Registry) {
		r.cluster = store
		r.instanceID = instanceID
	}
}

func WithRegistryMetrics(m *metrics.BrokerMetrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*liveSession),
		index:    newChannelIndex(),
		clock:    clockwork.NewRealClock(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe registers o for open and close notifications. Call before serving.
func (r *Registry) Observe(o domain.SessionObserver) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Open registers a new session subscribed to the default channels of id plus
// requested. It is the only way sessions come into existence.
func (r *Registry) Open(ctx context.Context, id domain.Identity, deviceID string, requested []string) (domain.Session, error) {
	if id.UserID == "" || id.TenantID == "" {
		return domain.Session{}, fmt.Errorf("%w: identity is incomplete", domain.ErrUnauthenticated)
	}
	deviceID = strings.TrimSpace(deviceID)

	channels, err := mergeChannels(domain.DefaultChannels(id, deviceID), requested)
	if err != nil {
		return domain.Session{}, err
	}

	now := r.clock.Now()
	sessionID := r.newID()
	sctx, cancel := context.WithCancel(correlation.WithSessionID(context.Background(), sessionID))
	s := &liveSession{
		id:       sessionID,
		userID:   id.UserID,
		tenantID: id.TenantID,
		deviceID: deviceID,
		openedAt: now,
		lastSeen: now,
		ctx:      sctx,
		cancel:   cancel,
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	for _, ch := range channels {
		r.index.subscribe(domain.Scope(s.tenantID, ch), s.id)
	}
	snap := r.snapshotLocked(s)
	observers := slices.Clone(r.observers)
	r.updateGaugesLocked()
	r.mu.Unlock()

	ctx = correlation.WithSessionID(ctx, s.id)
	slog.InfoContext(ctx, "Session opened", "user_id", s.userID, "tenant_id", s.tenantID, "device_id", s.deviceID, "channels", len(channels))
	if r.metrics != nil {
		r.metrics.SessionsOpened.Inc()
	}

	r.mirror(ctx, "register", func(ctx context.Context) error {
		return r.cluster.Register(ctx, snap, r.instanceID)
	})

	for _, o := range observers {
		o.SessionOpened(ctx, snap)
	}

	return snap, nil
}

// Close tears down a session. Unknown or already-closed ids are a no-op.
// When Close returns, no delivery to the session is running or can start.
func (r *Registry) Close(ctx context.Context, sessionID string, reason domain.CloseReason) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	snap := r.snapshotLocked(s)
	r.index.removeAll(sessionID)
	delete(r.sessions, sessionID)
	observers := slices.Clone(r.observers)
	r.updateGaugesLocked()
	r.mu.Unlock()

	s.cancel()
	s.gate.Lock()
	s.closed = true
	s.gate.Unlock()

	ctx = correlation.WithSessionID(ctx, sessionID)
	slog.InfoContext(ctx, "Session closed", "reason", reason, "device_id", s.deviceID)
	if r.metrics != nil {
		r.metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
	}

	r.mirror(ctx, "remove", func(ctx context.Context) error {
		return r.cluster.Remove(ctx, sessionID)
	})

	for _, o := range observers {
		o.SessionClosed(ctx, snap, reason)
	}
}

// CloseAll closes every live session, used on shutdown.
func (r *Registry) CloseAll(ctx context.Context, reason domain.CloseReason) int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(ctx, id, reason)
	}
	return len(ids)
}

// Touch records a liveness signal for the session.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	now := r.clock.Now()

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	s.lastSeen = now
	mirror := now.Sub(s.touchMirroredAt) >= touchMirrorInterval
	if mirror {
		s.touchMirroredAt = now
	}
	r.mu.Unlock()

	if mirror {
		r.mirror(ctx, "touch", func(ctx context.Context) error {
			return r.cluster.Touch(ctx, sessionID, now)
		})
	}
	return nil
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return r.snapshotLocked(s), nil
}

func (r *Registry) Subscribe(ctx context.Context, sessionID, channel string) error {
	if err := domain.ValidateChannel(channel); err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	scoped := domain.Scope(s.tenantID, channel)
	added := r.index.subscribe(scoped, sessionID)
	r.updateGaugesLocked()
	r.mu.Unlock()

	if added {
		r.mirror(ctx, "subscribe", func(ctx context.Context) error {
			return r.cluster.AddMembership(ctx, sessionID, scoped)
		})
	}
	return nil
}

// Unsubscribe is a no-op when the session is not a member of channel.
func (r *Registry) Unsubscribe(ctx context.Context, sessionID, channel string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrSessionNotFound
	}
	scoped := domain.Scope(s.tenantID, channel)
	removed := r.index.unsubscribe(scoped, sessionID)
	r.updateGaugesLocked()
	r.mu.Unlock()

	if removed {
		r.mirror(ctx, "unsubscribe", func(ctx context.Context) error {
			return r.cluster.RemoveMembership(ctx, sessionID, scoped)
		})
	}
	return nil
}

// Members returns a snapshot of the sessions subscribed to channel.
func (r *Registry) Members(channel domain.ScopedChannel) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.membersOf(channel)
}

// Stale returns the ids of sessions whose last liveness signal is before cutoff.
func (r *Registry) Stale(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if s.lastSeen.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// DeviceSessions counts live sessions bound to deviceID within tenantID.
func (r *Registry) DeviceSessions(deviceID, tenantID string) int {
	return len(r.SessionsOfDevice(deviceID, tenantID))
}

// SessionsOfDevice returns the ids of live sessions bound to deviceID within tenantID.
func (r *Registry) SessionsOfDevice(deviceID, tenantID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, s := range r.sessions {
		if s.deviceID == deviceID && s.tenantID == tenantID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// snapshot copies all sessions and per-channel member counts in one critical section.
func (r *Registry) snapshot() ([]domain.Session, map[domain.ScopedChannel]int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]domain.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, r.snapshotLocked(s))
	}
	return sessions, r.index.counts()
}

// deliver runs send under the session's delivery gate. It reports false,
// without calling send, when the session is unknown or already closed.
func (r *Registry) deliver(sessionID string, send func(ctx context.Context) error) (bool, error) {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	s.gate.Lock()
	defer s.gate.Unlock()
	if s.closed {
		return false, nil
	}
	return true, send(s.ctx)
}

func (r *Registry) snapshotLocked(s *liveSession) domain.Session {
	channels := r.index.channelsOf(s.id)
	slices.Sort(channels)
	return domain.Session{
		ID:       s.id,
		UserID:   s.userID,
		TenantID: s.tenantID,
		DeviceID: s.deviceID,
		Channels: channels,
		OpenedAt: s.openedAt,
		LastSeen: s.lastSeen,
	}
}

func (r *Registry) updateGaugesLocked() {
	if r.metrics == nil {
		return
	}
	r.metrics.SessionsOpen.Set(float64(len(r.sessions)))
	r.metrics.Channels.Set(float64(r.index.channelCount()))
}

// mirror applies op to the cluster store, if any. Failures are logged; the
// local registry stays authoritative for this instance.
func (r *Registry) mirror(ctx context.Context, operation string, op func(ctx context.Context) error) {
	if r.cluster == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clusterTimeout)
	defer cancel()

	if err := op(ctx); err != nil {
		slog.WarnContext(ctx, "Cluster store update failed", "operation", operation, "error", err)
		if r.metrics != nil {
			r.metrics.ClusterErrors.WithLabelValues(operation).Inc()
		}
	}
}

// mergeChannels returns defaults followed by requested, deduplicated.
// Blank requested names are dropped.
func mergeChannels(defaults, requested []string) ([]string, error) {
	seen := make(map[string]struct{}, len(defaults)+len(requested))
	out := make([]string, 0, len(defaults)+len(requested))

	add := func(ch string) {
		if _, dup := seen[ch]; dup {
			return
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}

	for _, ch := range defaults {
		add(ch)
	}
	for _, ch := range requested {
		ch = strings.TrimSpace(ch)
		if ch == "" {
			continue
		}
		if err := domain.ValidateChannel(ch); err != nil {
			return nil, err
		}
		add(ch)
	}
	return out, nil
}
