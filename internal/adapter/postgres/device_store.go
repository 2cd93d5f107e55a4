package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/signpulse/internal/domain"
)

const upsertDeviceStatus = `-- name: UpsertDeviceStatus
INSERT INTO devices (id, tenant_id, status, last_seen_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status,
    last_seen_at = EXCLUDED.last_seen_at,
    updated_at = now()
WHERE devices.tenant_id = EXCLUDED.tenant_id
RETURNING id`

const getDeviceStatus = `-- name: GetDeviceStatus
SELECT id, tenant_id, status, last_seen_at
FROM devices
WHERE id = $1 AND tenant_id = $2`

const listTenantDevices = `-- name: ListTenantDevices
SELECT id, tenant_id, status, last_seen_at
FROM devices
WHERE tenant_id = $1
ORDER BY id`

// DeviceStore persists device connectivity in the devices table. Every row is
// owned by one tenant; writes from any other tenant are refused.
type DeviceStore struct {
	pool *pgxpool.Pool
}

var (
	_ domain.DeviceStore     = (*DeviceStore)(nil)
	_ domain.DeviceDirectory = (*DeviceStore)(nil)
)

func NewDeviceStore(pool *pgxpool.Pool) *DeviceStore {
	return &DeviceStore{pool: pool}
}

func (s *DeviceStore) SetStatus(ctx context.Context, deviceID, tenantID string, status domain.DeviceStatus, lastSeen time.Time) error {
	var id string
	err := s.pool.QueryRow(ctx, upsertDeviceStatus, deviceID, tenantID, string(status), lastSeen).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrDeviceTenantMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to upsert device status: %w", err)
	}
	return nil
}

func (s *DeviceStore) GetStatus(ctx context.Context, deviceID, tenantID string) (domain.DeviceRecord, error) {
	rec, err := scanDevice(s.pool.QueryRow(ctx, getDeviceStatus, deviceID, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.DeviceRecord{}, domain.ErrDeviceNotFound
	}
	if err != nil {
		return domain.DeviceRecord{}, fmt.Errorf("failed to get device status: %w", err)
	}
	return rec, nil
}

func (s *DeviceStore) ListByTenant(ctx context.Context, tenantID string) ([]domain.DeviceRecord, error) {
	rows, err := s.pool.Query(ctx, listTenantDevices, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DeviceRecord, error) {
		return scanDevice(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return records, nil
}

func scanDevice(row pgx.Row) (domain.DeviceRecord, error) {
	var (
		rec    domain.DeviceRecord
		status string
	)
	if err := row.Scan(&rec.DeviceID, &rec.TenantID, &status, &rec.LastSeen); err != nil {
		return domain.DeviceRecord{}, err
	}
	rec.Status = domain.DeviceStatus(status)
	rec.LastSeen = rec.LastSeen.UTC()
	return rec, nil
}
