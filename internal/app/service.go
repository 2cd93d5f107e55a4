package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/signpulse/internal/broker"
	"github.com/pscheid92/signpulse/internal/domain"
)

type sessionRegistry interface {
	Open(ctx context.Context, id domain.Identity, deviceID string, requested []string) (domain.Session, error)
	Close(ctx context.Context, sessionID string, reason domain.CloseReason)
	Touch(ctx context.Context, sessionID string) error
	Get(sessionID string) (domain.Session, error)
	Subscribe(ctx context.Context, sessionID, channel string) error
	Unsubscribe(ctx context.Context, sessionID, channel string) error
	SessionsOfDevice(deviceID, tenantID string) []string
}

type publisher interface {
	Publish(ctx context.Context, sender domain.Identity, addr domain.Addressing, msg domain.Message) (int, error)
}

type statusReporter interface {
	ForTenant(tenantID string) broker.Snapshot
	Cluster(ctx context.Context, tenantID string) ([]domain.ClusterSession, error)
}

// Service is the only component that touches several broker parts at once.
// Every method takes the caller's identity as established by the AuthGate.
type Service struct {
	sessions  sessionRegistry
	publisher publisher
	reporter  statusReporter
	devices   domain.DeviceDirectory
}

func NewService(sessions sessionRegistry, publisher publisher, reporter statusReporter, devices domain.DeviceDirectory) *Service {
	return &Service{
		sessions:  sessions,
		publisher: publisher,
		reporter:  reporter,
		devices:   devices,
	}
}

// Connect opens a session for caller. Requested channels must pass the same
// subscribe policy as Subscribe.
func (s *Service) Connect(ctx context.Context, caller domain.Identity, deviceID string, channels []string) (domain.Session, error) {
	for _, ch := range channels {
		if ch != "" && !domain.CanSubscribe(caller, ch) {
			return domain.Session{}, fmt.Errorf("%w: cannot subscribe to %q", domain.ErrForbidden, ch)
		}
	}
	return s.sessions.Open(ctx, caller, deviceID, channels)
}

// Disconnect closes the caller's session sessionID and, when deviceID is set,
// every session of the caller's tenant bound to that device. Unknown ids are
// not an error. It returns how many sessions were closed.
func (s *Service) Disconnect(ctx context.Context, caller domain.Identity, sessionID, deviceID string) (int, error) {
	var ids []string

	if sessionID != "" {
		_, err := s.owned(caller, sessionID)
		switch {
		case err == nil:
			ids = append(ids, sessionID)
		case !isNotFound(err):
			return 0, err
		}
	}

	if deviceID != "" {
		ids = append(ids, s.sessions.SessionsOfDevice(deviceID, caller.TenantID)...)
	}

	for _, id := range ids {
		s.sessions.Close(ctx, id, domain.CloseRequested)
	}
	if len(ids) > 0 {
		slog.InfoContext(ctx, "Sessions disconnected on request", "count", len(ids), "device_id", deviceID)
	}
	return len(ids), nil
}

func (s *Service) Heartbeat(ctx context.Context, caller domain.Identity, sessionID string) error {
	if _, err := s.owned(caller, sessionID); err != nil {
		return err
	}
	return s.sessions.Touch(ctx, sessionID)
}

func (s *Service) Subscribe(ctx context.Context, caller domain.Identity, sessionID, channel string) error {
	if _, err := s.owned(caller, sessionID); err != nil {
		return err
	}
	if err := domain.ValidateChannel(channel); err != nil {
		return err
	}
	if !domain.CanSubscribe(caller, channel) {
		return fmt.Errorf("%w: cannot subscribe to %q", domain.ErrForbidden, channel)
	}
	return s.sessions.Subscribe(ctx, sessionID, channel)
}

// Unsubscribe is idempotent; an unknown session is a no-op.
func (s *Service) Unsubscribe(ctx context.Context, caller domain.Identity, sessionID, channel string) error {
	if _, err := s.owned(caller, sessionID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	err := s.sessions.Unsubscribe(ctx, sessionID, channel)
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *Service) Publish(ctx context.Context, caller domain.Identity, addr domain.Addressing, msg domain.Message) (int, error) {
	return s.publisher.Publish(ctx, caller, addr, msg)
}

// Session returns a session of the caller's tenant. Sessions of other tenants
// are reported as not found.
func (s *Service) Session(_ context.Context, caller domain.Identity, sessionID string) (domain.Session, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.TenantID != caller.TenantID {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, nil
}

// Status is the local diagnostics snapshot restricted to the caller's tenant.
func (s *Service) Status(_ context.Context, caller domain.Identity) broker.Snapshot {
	return s.reporter.ForTenant(caller.TenantID)
}

// ClusterStatus lists the caller's tenant sessions on every broker instance.
func (s *Service) ClusterStatus(ctx context.Context, caller domain.Identity) ([]domain.ClusterSession, error) {
	return s.reporter.Cluster(ctx, caller.TenantID)
}

func (s *Service) Device(ctx context.Context, caller domain.Identity, deviceID string) (domain.DeviceRecord, error) {
	return s.devices.GetStatus(ctx, deviceID, caller.TenantID)
}

func (s *Service) Devices(ctx context.Context, caller domain.Identity) ([]domain.DeviceRecord, error) {
	return s.devices.ListByTenant(ctx, caller.TenantID)
}

// owned returns sessionID if it belongs to caller. Sessions of other tenants
// look unknown; sessions of other users in the same tenant are forbidden.
func (s *Service) owned(caller domain.Identity, sessionID string) (domain.Session, error) {
	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if session.TenantID != caller.TenantID {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if session.UserID != caller.UserID {
		return domain.Session{}, fmt.Errorf("%w: session belongs to another user", domain.ErrForbidden)
	}
	return session, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrSessionNotFound)
}
