package redis

import (
	"context"
	"testing"
	"time"

	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testSession(id string, lastSeen time.Time, channels ...string) domain.Session {
	return domain.Session{
		ID:       id,
		UserID:   "user-" + id,
		TenantID: "acme",
		DeviceID: "screen-" + id,
		Channels: channels,
		OpenedAt: baseTime,
		LastSeen: lastSeen,
	}
}

func acme(name string) domain.ScopedChannel { return domain.Scope("acme", name) }

func TestClusterStore_RegisterAndCount(t *testing.T) {
	store := NewClusterStore(setupTestClient(t))
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testSession("a", baseTime, "tenant:acme", "user:user-a"), "node-1"))
	require.NoError(t, store.Register(ctx, testSession("b", baseTime, "tenant:acme"), "node-2"))

	n, err := store.CountMembers(ctx, acme("tenant:acme"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.CountMembers(ctx, acme("user:user-a"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.CountMembers(ctx, acme("nobody"))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClusterStore_MembershipChanges(t *testing.T) {
	store := NewClusterStore(setupTestClient(t))
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testSession("a", baseTime, "tenant:acme"), "node-1"))
	require.NoError(t, store.AddMembership(ctx, "a", acme("lobby")))

	n, _ := store.CountMembers(ctx, acme("lobby"))
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.RemoveMembership(ctx, "a", acme("lobby")))
	n, _ = store.CountMembers(ctx, acme("lobby"))
	assert.Zero(t, n)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, []string{"tenant:acme"}, snap[0].Channels)
}

func TestClusterStore_RemoveCleansEverything(t *testing.T) {
	client := setupTestClient(t)
	store := NewClusterStore(client)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testSession("a", baseTime, "tenant:acme", "lobby"), "node-1"))
	require.NoError(t, store.Remove(ctx, "a"))

	for _, ch := range []string{"tenant:acme", "lobby"} {
		n, err := store.CountMembers(ctx, acme(ch))
		require.NoError(t, err)
		assert.Zero(t, n, ch)
	}

	keys, err := client.Keys(ctx, "broker:*").Result()
	require.NoError(t, err)
	assert.Empty(t, keys)

	// removing twice is harmless
	require.NoError(t, store.Remove(ctx, "a"))
}

func TestClusterStore_SameNamesInTwoTenantsAreSeparate(t *testing.T) {
	store := NewClusterStore(setupTestClient(t))
	ctx := context.Background()

	other := testSession("b", baseTime, "lobby")
	other.TenantID = "globex"
	other.DeviceID = "screen-a"
	require.NoError(t, store.Register(ctx, testSession("a", baseTime, "lobby"), "node-1"))
	require.NoError(t, store.Register(ctx, other, "node-2"))
	require.NoError(t, store.AddMembership(ctx, "b", domain.Scope("globex", "room")))

	for _, tenant := range []string{"acme", "globex"} {
		n, err := store.CountMembers(ctx, domain.Scope(tenant, "lobby"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, tenant)

		n, err = store.CountDeviceSessions(ctx, "screen-a", tenant)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, tenant)
	}

	n, err := store.CountMembers(ctx, acme("room"))
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.Remove(ctx, "b"))
	n, err = store.CountMembers(ctx, acme("lobby"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "removing globex's session leaves acme's lobby alone")
	n, err = store.CountDeviceSessions(ctx, "screen-a", "globex")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClusterStore_CountDeviceSessions(t *testing.T) {
	store := NewClusterStore(setupTestClient(t))
	ctx := context.Background()

	first := testSession("a", baseTime)
	second := testSession("b", baseTime)
	second.DeviceID = first.DeviceID
	require.NoError(t, store.Register(ctx, first, "node-1"))
	require.NoError(t, store.Register(ctx, second, "node-2"))

	n, err := store.CountDeviceSessions(ctx, first.DeviceID, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, store.Remove(ctx, "a"))
	n, err = store.CountDeviceSessions(ctx, first.DeviceID, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.CountDeviceSessions(ctx, "unknown", "acme")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClusterStore_SnapshotRoundTrip(t *testing.T) {
	store := NewClusterStore(setupTestClient(t))
	ctx := context.Background()

	s := testSession("a", baseTime.Add(time.Minute), "tenant:acme")
	require.NoError(t, store.Register(ctx, s, "node-1"))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)

	got := snap[0]
	assert.Equal(t, "node-1", got.InstanceID)
	assert.Equal(t, s.UserID, got.UserID)
	assert.Equal(t, s.TenantID, got.TenantID)
	assert.Equal(t, s.DeviceID, got.DeviceID)
	assert.True(t, s.OpenedAt.Equal(got.OpenedAt))
	assert.True(t, s.LastSeen.Equal(got.LastSeen))
}

func TestClusterStore_ListStale(t *testing.T) {
	store := NewClusterStore(setupTestClient(t))
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, testSession("old", baseTime), "node-1"))
	require.NoError(t, store.Register(ctx, testSession("fresh", baseTime.Add(5*time.Minute)), "node-1"))

	stale, err := store.ListStale(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "old", stale[0].ID)

	require.NoError(t, store.Touch(ctx, "old", baseTime.Add(10*time.Minute)))

	stale, err = store.ListStale(ctx, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestClusterStore_TouchDoesNotResurrect(t *testing.T) {
	client := setupTestClient(t)
	store := NewClusterStore(client)
	ctx := context.Background()

	require.NoError(t, store.Touch(ctx, "ghost", baseTime))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)

	exists, err := client.Exists(ctx, sessionKey("ghost")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}
