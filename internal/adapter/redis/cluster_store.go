package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pscheid92/signpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	fieldUserID     = "user_id"
	fieldTenantID   = "tenant_id"
	fieldDeviceID   = "device_id"
	fieldInstanceID = "instance_id"
	fieldOpenedAt   = "opened_at"
	fieldLastSeen   = "last_seen"

	// sessionsIndexKey scores every mirrored session by its last-seen time.
	sessionsIndexKey = "broker:sessions"
)

func sessionKey(sessionID string) string { return "broker:session:" + sessionID }

func sessionChannelsKey(sessionID string) string { return "broker:session:" + sessionID + ":channels" }

// channelMembersKey and deviceSessionsKey carry the tenant, so equal names in
// two tenants never share a set.
func channelMembersKey(channel domain.ScopedChannel) string { return "broker:channel:" + channel.Key() }

func deviceSessionsKey(deviceID, tenantID string) string {
	return "broker:device:" + domain.Scope(tenantID, deviceID).Key()
}

// ClusterStore mirrors session membership into Redis so that every broker
// instance can count channel members and device sessions, and the reaper can
// find orphans.
type ClusterStore struct {
	rdb *goredis.Client
}

var _ domain.ClusterStore = (*ClusterStore)(nil)

func NewClusterStore(rdb *goredis.Client) *ClusterStore {
	return &ClusterStore{rdb: rdb}
}

func (s *ClusterStore) Register(ctx context.Context, session domain.Session, instanceID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(session.ID), map[string]any{
			fieldUserID:     session.UserID,
			fieldTenantID:   session.TenantID,
			fieldDeviceID:   session.DeviceID,
			fieldInstanceID: instanceID,
			fieldOpenedAt:   formatMillis(session.OpenedAt),
			fieldLastSeen:   formatMillis(session.LastSeen),
		})
		pipe.ZAdd(ctx, sessionsIndexKey, goredis.Z{Score: float64(session.LastSeen.UnixMilli()), Member: session.ID})
		if len(session.Channels) > 0 {
			pipe.SAdd(ctx, sessionChannelsKey(session.ID), toAny(session.Channels)...)
			for _, ch := range session.Channels {
				pipe.SAdd(ctx, channelMembersKey(domain.Scope(session.TenantID, ch)), session.ID)
			}
		}
		if session.DeviceID != "" {
			pipe.SAdd(ctx, deviceSessionsKey(session.DeviceID, session.TenantID), session.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	return nil
}

func (s *ClusterStore) Remove(ctx context.Context, sessionID string) error {
	var (
		owner    *goredis.SliceCmd
		channels *goredis.StringSliceCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		owner = pipe.HMGet(ctx, sessionKey(sessionID), fieldTenantID, fieldDeviceID)
		channels = pipe.SMembers(ctx, sessionChannelsKey(sessionID))
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return fmt.Errorf("failed to read session channels: %w", err)
	}
	tenantID, deviceID := fieldString(owner.Val(), 0), fieldString(owner.Val(), 1)

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, ch := range channels.Val() {
			pipe.SRem(ctx, channelMembersKey(domain.Scope(tenantID, ch)), sessionID)
		}
		if deviceID != "" {
			pipe.SRem(ctx, deviceSessionsKey(deviceID, tenantID), sessionID)
		}
		pipe.Del(ctx, sessionKey(sessionID), sessionChannelsKey(sessionID))
		pipe.ZRem(ctx, sessionsIndexKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (s *ClusterStore) AddMembership(ctx context.Context, sessionID string, channel domain.ScopedChannel) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, sessionChannelsKey(sessionID), channel.Name)
		pipe.SAdd(ctx, channelMembersKey(channel), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}
	return nil
}

func (s *ClusterStore) RemoveMembership(ctx context.Context, sessionID string, channel domain.ScopedChannel) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SRem(ctx, sessionChannelsKey(sessionID), channel.Name)
		pipe.SRem(ctx, channelMembersKey(channel), sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return nil
}

// touchScript updates last-seen only for sessions that are still registered,
// so a late touch cannot resurrect a removed session.
var touchScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[2], ARGV[3])
return 1
`)

func (s *ClusterStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	keys := []string{sessionKey(sessionID), sessionsIndexKey}
	err := touchScript.Run(ctx, s.rdb, keys, fieldLastSeen, formatMillis(at), sessionID).Err()
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

func (s *ClusterStore) CountMembers(ctx context.Context, channel domain.ScopedChannel) (int64, error) {
	n, err := s.rdb.SCard(ctx, channelMembersKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count channel members: %w", err)
	}
	return n, nil
}

// CountDeviceSessions counts the sessions any instance holds for the device.
func (s *ClusterStore) CountDeviceSessions(ctx context.Context, deviceID, tenantID string) (int64, error) {
	n, err := s.rdb.SCard(ctx, deviceSessionsKey(deviceID, tenantID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count device sessions: %w", err)
	}
	return n, nil
}

// ListStale returns sessions whose last-seen time is at or before cutoff.
func (s *ClusterStore) ListStale(ctx context.Context, cutoff time.Time) ([]domain.ClusterSession, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, sessionsIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	return s.load(ctx, ids)
}

func (s *ClusterStore) Snapshot(ctx context.Context) ([]domain.ClusterSession, error) {
	ids, err := s.rdb.ZRange(ctx, sessionsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return s.load(ctx, ids)
}

// load fetches sessions in one round trip. Ids whose hash has vanished are
// dropped from the index on the way.
func (s *ClusterStore) load(ctx context.Context, ids []string) ([]domain.ClusterSession, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	hashes := make([]*goredis.MapStringStringCmd, len(ids))
	members := make([]*goredis.StringSliceCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			hashes[i] = pipe.HGetAll(ctx, sessionKey(id))
			members[i] = pipe.SMembers(ctx, sessionChannelsKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]domain.ClusterSession, 0, len(ids))
	var orphans []any
	for i, id := range ids {
		fields := hashes[i].Val()
		if len(fields) == 0 {
			orphans = append(orphans, id)
			continue
		}
		sessions = append(sessions, domain.ClusterSession{
			Session: domain.Session{
				ID:       id,
				UserID:   fields[fieldUserID],
				TenantID: fields[fieldTenantID],
				DeviceID: fields[fieldDeviceID],
				Channels: members[i].Val(),
				OpenedAt: parseMillis(fields[fieldOpenedAt]),
				LastSeen: parseMillis(fields[fieldLastSeen]),
			},
			InstanceID: fields[fieldInstanceID],
		})
	}

	if len(orphans) > 0 {
		_ = s.rdb.ZRem(ctx, sessionsIndexKey, orphans...).Err()
	}
	return sessions, nil
}

func formatMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fieldString(values []any, i int) string {
	if i >= len(values) {
		return ""
	}
	v, _ := values[i].(string)
	return v
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}
