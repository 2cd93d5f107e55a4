package domain

import (
	"context"
	"time"
)

// Session is a point-in-time copy of one live connection registration.
type Session struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	TenantID string    `json:"tenantId"`
	DeviceID string    `json:"deviceId,omitempty"`
	Channels []string  `json:"channels"`
	OpenedAt time.Time `json:"openedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

func (s Session) Identity() Identity {
	return Identity{UserID: s.UserID, TenantID: s.TenantID}
}

// SessionObserver is notified after a session enters or leaves the registry.
// Calls happen outside the registry lock.
type SessionObserver interface {
	SessionOpened(ctx context.Context, s Session)
	SessionClosed(ctx context.Context, s Session, reason CloseReason)
}

type CloseReason string

const (
	CloseRequested   CloseReason = "requested"
	CloseUnreachable CloseReason = "unreachable"
	CloseIdle        CloseReason = "idle"
	CloseShutdown    CloseReason = "shutdown"
	CloseTransport   CloseReason = "transport"
)
