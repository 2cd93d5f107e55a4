package broker

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const clusterSnapshotTimeout = 5 * time.Second

type ChannelStat struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Members  int    `json:"members"`
}

// Snapshot is a diagnostics view of sessions and channel membership.
// It never contains message contents.
type Snapshot struct {
	Sessions []domain.Session `json:"sessions"`
	Channels []ChannelStat    `json:"channels"`
}

type StatusReporter struct {
	registry *Registry
	cluster  domain.ClusterStore
	group    singleflight.Group
}

func NewStatusReporter(registry *Registry, cluster domain.ClusterStore) *StatusReporter {
	return &StatusReporter{registry: registry, cluster: cluster}
}

// Snapshot returns every live session on this instance and every channel with
// its member count, sorted by id and by tenant and name.
func (r *StatusReporter) Snapshot() Snapshot {
	sessions, counts := r.registry.snapshot()
	return Snapshot{
		Sessions: sortSessions(sessions),
		Channels: channelStats(counts),
	}
}

// ForTenant restricts the snapshot to one tenant; member counts only include
// that tenant's sessions.
func (r *StatusReporter) ForTenant(tenantID string) Snapshot {
	sessions, _ := r.registry.snapshot()
	mine := lo.Filter(sessions, func(s domain.Session, _ int) bool {
		return s.TenantID == tenantID
	})

	counts := lo.CountValues(lo.FlatMap(mine, func(s domain.Session, _ int) []domain.ScopedChannel {
		return lo.Map(s.Channels, func(ch string, _ int) domain.ScopedChannel {
			return domain.Scope(s.TenantID, ch)
		})
	}))

	return Snapshot{
		Sessions: sortSessions(mine),
		Channels: channelStats(counts),
	}
}

// Cluster returns the sessions recorded by every instance. Concurrent callers
// share one store read.
func (r *StatusReporter) Cluster(ctx context.Context, tenantID string) ([]domain.ClusterSession, error) {
	if r.cluster == nil {
		local := r.ForTenant(tenantID).Sessions
		return lo.Map(local, func(s domain.Session, _ int) domain.ClusterSession {
			return domain.ClusterSession{Session: s, InstanceID: r.registry.instanceID}
		}), nil
	}

	v, err, _ := r.group.Do("cluster-snapshot", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), clusterSnapshotTimeout)
		defer cancel()
		return r.cluster.Snapshot(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster snapshot: %w", err)
	}

	all, _ := v.([]domain.ClusterSession)
	mine := lo.Filter(all, func(s domain.ClusterSession, _ int) bool {
		return s.TenantID == tenantID
	})
	slices.SortFunc(mine, func(a, b domain.ClusterSession) int { return strings.Compare(a.ID, b.ID) })
	return mine, nil
}

func sortSessions(sessions []domain.Session) []domain.Session {
	slices.SortFunc(sessions, func(a, b domain.Session) int { return strings.Compare(a.ID, b.ID) })
	return sessions
}

func channelStats(counts map[domain.ScopedChannel]int) []ChannelStat {
	stats := lo.MapToSlice(counts, func(ch domain.ScopedChannel, n int) ChannelStat {
		return ChannelStat{TenantID: ch.TenantID, Name: ch.Name, Members: n}
	})
	slices.SortFunc(stats, func(a, b ChannelStat) int {
		if c := strings.Compare(a.TenantID, b.TenantID); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return stats
}
