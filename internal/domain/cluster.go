package domain

import (
	"context"
	"time"
)

// ClusterStore mirrors session membership into storage shared by every
// broker instance. Channel membership is tenant-scoped like the local index.
type ClusterStore interface {
	Register(ctx context.Context, s Session, instanceID string) error
	Remove(ctx context.Context, sessionID string) error
	AddMembership(ctx context.Context, sessionID string, channel ScopedChannel) error
	RemoveMembership(ctx context.Context, sessionID string, channel ScopedChannel) error
	Touch(ctx context.Context, sessionID string, at time.Time) error
	CountMembers(ctx context.Context, channel ScopedChannel) (int64, error)
	CountDeviceSessions(ctx context.Context, deviceID, tenantID string) (int64, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]ClusterSession, error)
	Snapshot(ctx context.Context) ([]ClusterSession, error)
}

// ClusterSession is a session as recorded in the cluster store.
type ClusterSession struct {
	Session
	InstanceID string `json:"instanceId"`
}

// Envelope carries one resolved publish between broker instances.
type Envelope struct {
	TenantID string `json:"tenantId"`
	Channel  string `json:"channel"`
	Message  []byte `json:"message"`
	Origin   string `json:"origin"`
}

// FanoutBus relays envelopes to every broker instance, the publisher included.
type FanoutBus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, handler func(ctx context.Context, env Envelope)) (Subscription, error)
}

type Subscription interface {
	Close() error
}
