package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/pscheid92/signpulse/internal/platform/correlation"
)

const (
	reaperOpTimeout      = 5 * time.Second
	leaseReleaseTimeout  = 2 * time.Second
	reaperMaxAgeMultiple = 2
)

type leaderLock interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

type offlineMarker interface {
	MarkOffline(ctx context.Context, deviceID, tenantID string)
}

// Reaper removes cluster sessions left behind by broker instances that died
// without closing them. Only the lease holder reaps; sessions owned by this
// instance are left to the local sweeper.
type Reaper struct {
	cluster    domain.ClusterStore
	lock       leaderLock
	presence   offlineMarker
	clock      clockwork.Clock
	instanceID string
	maxAge     time.Duration
	interval   time.Duration
	metrics    *metrics.BrokerMetrics

	leading bool
}

// NewReaper collects sessions idle for twice idleTimeout.
func NewReaper(cluster domain.ClusterStore, lock leaderLock, presence offlineMarker, clock clockwork.Clock, instanceID string, idleTimeout, interval time.Duration, m *metrics.BrokerMetrics) *Reaper {
	return &Reaper{
		cluster:    cluster,
		lock:       lock,
		presence:   presence,
		clock:      clock,
		instanceID: instanceID,
		maxAge:     reaperMaxAgeMultiple * idleTimeout,
		interval:   interval,
		metrics:    m,
	}
}

// Run reaps every interval while leader, until ctx is cancelled. The lease is
// released on the way out.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.release(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			tickCtx := correlation.WithID(ctx, correlation.NewID())
			if r.ensureLeader(tickCtx) {
				r.Reap(tickCtx)
			}
		}
	}
}

func (r *Reaper) ensureLeader(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, reaperOpTimeout)
	defer cancel()

	if r.leading {
		err := r.lock.Renew(ctx)
		if err == nil {
			return true
		}
		slog.WarnContext(ctx, "Reaper: lost leadership", "error", err)
		r.leading = false
	}

	ok, err := r.lock.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Reaper: leader election failed", "error", err)
		return false
	}
	if ok {
		slog.InfoContext(ctx, "Reaper: acquired leadership", "instance_id", r.instanceID)
		r.leading = true
	}
	return ok
}

// Reap removes orphaned sessions and hands devices with no surviving session
// to presence, which re-checks and announces them offline. It returns how many
// were removed.
func (r *Reaper) Reap(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, reaperOpTimeout)
	defer cancel()

	stale, err := r.cluster.ListStale(ctx, r.clock.Now().Add(-r.maxAge))
	if err != nil {
		slog.WarnContext(ctx, "Reaper: failed to list stale sessions", "error", err)
		return 0
	}

	type deviceKey struct{ deviceID, tenantID string }
	devices := make(map[deviceKey]struct{})
	removed := 0

	for _, s := range stale {
		if s.InstanceID == r.instanceID {
			continue
		}
		if err := r.cluster.Remove(ctx, s.ID); err != nil {
			slog.WarnContext(ctx, "Reaper: failed to remove session", "session_id", s.ID, "error", err)
			continue
		}
		removed++
		if s.DeviceID != "" {
			devices[deviceKey{s.DeviceID, s.TenantID}] = struct{}{}
		}
	}

	if removed == 0 {
		return 0
	}

	slog.InfoContext(ctx, "Reaper: removed orphaned sessions", "count", removed, "max_age", r.maxAge)
	if r.metrics != nil {
		r.metrics.ReaperCollected.Add(float64(removed))
	}

	if len(devices) == 0 {
		return removed
	}

	remaining, err := r.cluster.Snapshot(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Reaper: failed to read remaining sessions, skipping offline announcements", "error", err)
		return removed
	}
	for _, s := range remaining {
		delete(devices, deviceKey{s.DeviceID, s.TenantID})
	}
	for d := range devices {
		r.presence.MarkOffline(ctx, d.deviceID, d.tenantID)
	}
	return removed
}

func (r *Reaper) release(ctx context.Context) {
	if !r.leading {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
	defer cancel()

	if err := r.lock.Release(ctx); err != nil {
		slog.WarnContext(ctx, "Reaper: failed to release leadership", "error", err)
	}
	r.leading = false
}
