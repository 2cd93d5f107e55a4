package domain

import (
	"context"
	"time"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
)

// DeviceStatusPayload is the payload of a device_status message.
type DeviceStatusPayload struct {
	DeviceID string       `json:"deviceId"`
	Status   DeviceStatus `json:"status"`
	LastSeen time.Time    `json:"lastSeen"`
}

// DeviceStore persists the last known connectivity of each device.
type DeviceStore interface {
	SetStatus(ctx context.Context, deviceID, tenantID string, status DeviceStatus, lastSeen time.Time) error
}

type DeviceRecord struct {
	DeviceID string       `json:"deviceId"`
	TenantID string       `json:"tenantId"`
	Status   DeviceStatus `json:"status"`
	LastSeen time.Time    `json:"lastSeen"`
}

// DeviceDirectory answers tenant-scoped reads of persisted device state.
type DeviceDirectory interface {
	GetStatus(ctx context.Context, deviceID, tenantID string) (DeviceRecord, error)
	ListByTenant(ctx context.Context, tenantID string) ([]DeviceRecord, error)
}
