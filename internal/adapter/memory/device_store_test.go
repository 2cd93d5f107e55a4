package memory

import (
	"context"
	"testing"
	"time"

	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seenAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeviceStore_SetAndGet(t *testing.T) {
	store := NewDeviceStore()
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "screen-7", "acme", domain.DeviceOnline, seenAt))
	require.NoError(t, store.SetStatus(ctx, "screen-7", "acme", domain.DeviceOffline, seenAt.Add(time.Minute)))

	rec, err := store.GetStatus(ctx, "screen-7", "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceOffline, rec.Status)
	assert.Equal(t, seenAt.Add(time.Minute), rec.LastSeen)
}

func TestDeviceStore_TenantOwnership(t *testing.T) {
	store := NewDeviceStore()
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "screen-7", "acme", domain.DeviceOnline, seenAt))
	assert.ErrorIs(t, store.SetStatus(ctx, "screen-7", "globex", domain.DeviceOffline, seenAt), domain.ErrDeviceTenantMismatch)

	_, err := store.GetStatus(ctx, "screen-7", "globex")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	_, err = store.GetStatus(ctx, "missing", "acme")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestDeviceStore_ListByTenantSorted(t *testing.T) {
	store := NewDeviceStore()
	ctx := context.Background()

	require.NoError(t, store.SetStatus(ctx, "c", "acme", domain.DeviceOnline, seenAt))
	require.NoError(t, store.SetStatus(ctx, "a", "acme", domain.DeviceOnline, seenAt))
	require.NoError(t, store.SetStatus(ctx, "b", "globex", domain.DeviceOnline, seenAt))

	records, err := store.ListByTenant(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].DeviceID)
	assert.Equal(t, "c", records[1].DeviceID)
}
