// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pscheid92/signpulse/internal/domain"
	"github.com/samber/lo"
)

// DeviceStore keeps device state in a map. It enforces the same tenant
// ownership rule as the Postgres store.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]domain.DeviceRecord
}

var (
	_ domain.DeviceStore     = (*DeviceStore)(nil)
	_ domain.DeviceDirectory = (*DeviceStore)(nil)
)

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]domain.DeviceRecord)}
}

func (s *DeviceStore) SetStatus(_ context.Context, deviceID, tenantID string, status domain.DeviceStatus, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.devices[deviceID]; ok && existing.TenantID != tenantID {
		return domain.ErrDeviceTenantMismatch
	}
	s.devices[deviceID] = domain.DeviceRecord{
		DeviceID: deviceID,
		TenantID: tenantID,
		Status:   status,
		LastSeen: lastSeen.UTC(),
	}
	return nil
}

func (s *DeviceStore) GetStatus(_ context.Context, deviceID, tenantID string) (domain.DeviceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.devices[deviceID]
	if !ok || rec.TenantID != tenantID {
		return domain.DeviceRecord{}, domain.ErrDeviceNotFound
	}
	return rec, nil
}

func (s *DeviceStore) ListByTenant(_ context.Context, tenantID string) ([]domain.DeviceRecord, error) {
	s.mu.RLock()
	records := lo.Filter(lo.Values(s.devices), func(rec domain.DeviceRecord, _ int) bool {
		return rec.TenantID == tenantID
	})
	s.mu.RUnlock()

	slices.SortFunc(records, func(a, b domain.DeviceRecord) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return records, nil
}
