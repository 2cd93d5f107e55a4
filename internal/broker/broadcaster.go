package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signpulse/internal/adapter/metrics"
	"github.com/pscheid92/signpulse/internal/domain"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSendTimeout   = 2 * time.Second
	defaultMaxConcurrent = 64

	SystemSender = domain.SystemSender
)

type BroadcasterConfig struct {
	SendTimeout        time.Duration
	MaxConcurrentSends int
	InstanceID         string
}

// Broadcaster resolves publish addressing and hands messages to the Transport.
// With a FanoutBus configured, publishes travel through the bus and every
// instance delivers to its own local members.
type Broadcaster struct {
	registry  *Registry
	transport domain.Transport
	bus       domain.FanoutBus
	cluster   domain.ClusterStore

	clock         clockwork.Clock
	sendTimeout   time.Duration
	maxConcurrent int
	instanceID    string
	metrics       *metrics.BrokerMetrics
}

type BroadcasterOption func(*Broadcaster)

func WithFanoutBus(bus domain.FanoutBus) BroadcasterOption {
	return func(b *Broadcaster) { b.bus = bus }
}

// WithMemberCounts makes deliveryCount reflect cluster-wide membership.
func WithMemberCounts(store domain.ClusterStore) BroadcasterOption {
	return func(b *Broadcaster) { b.cluster = store }
}

func WithBroadcasterClock(clock clockwork.Clock) BroadcasterOption {
	return func(b *Broadcaster) { b.clock = clock }
}

func WithBroadcasterMetrics(m *metrics.BrokerMetrics) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

func NewBroadcaster(registry *Registry, transport domain.Transport, cfg BroadcasterConfig, opts ...BroadcasterOption) *Broadcaster {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.MaxConcurrentSends <= 0 {
		cfg.MaxConcurrentSends = defaultMaxConcurrent
	}

	b := &Broadcaster{
		registry:      registry,
		transport:     transport,
		clock:         clockwork.NewRealClock(),
		sendTimeout:   cfg.SendTimeout,
		maxConcurrent: cfg.MaxConcurrentSends,
		instanceID:    cfg.InstanceID,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Resolve picks the single channel a publish goes to: target first, then the
// explicit channel, then the sender's tenant channel. The result always lies
// in the sender's tenant.
func Resolve(sender domain.Identity, addr domain.Addressing) (domain.ScopedChannel, error) {
	if addr.Target != "" {
		name, err := domain.ParseTarget(addr.Target)
		if err != nil {
			return domain.ScopedChannel{}, err
		}
		return domain.Scope(sender.TenantID, name), nil
	}
	if addr.Channel != "" {
		if err := domain.ValidateChannel(addr.Channel); err != nil {
			return domain.ScopedChannel{}, err
		}
		if !domain.CanPublish(sender, addr.Channel) {
			return domain.ScopedChannel{}, fmt.Errorf("%w: cannot publish to %q", domain.ErrForbidden, addr.Channel)
		}
		return domain.Scope(sender.TenantID, addr.Channel), nil
	}
	return domain.Scope(sender.TenantID, domain.TenantChannel(sender.TenantID)), nil
}

// Publish delivers msg to the recipients selected by addr and returns the size
// of the recipient set at resolution time. Unreachable recipients are closed
// and never fail the publish.
func (b *Broadcaster) Publish(ctx context.Context, sender domain.Identity, addr domain.Addressing, msg domain.Message) (int, error) {
	if msg.Type == "" {
		return 0, domain.ErrMissingType
	}
	if !msg.Type.Valid() {
		return 0, fmt.Errorf("%w: %q", domain.ErrUnknownType, msg.Type)
	}

	channel, err := Resolve(sender, addr)
	if err != nil {
		return 0, err
	}

	if msg.SenderID == "" {
		msg.SenderID = sender.UserID
	}
	return b.PublishToChannel(ctx, channel, msg)
}

// PublishToChannel publishes msg on channel without addressing checks.
func (b *Broadcaster) PublishToChannel(ctx context.Context, channel domain.ScopedChannel, msg domain.Message) (int, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode message: %w", err)
	}

	if b.metrics != nil {
		b.metrics.Publishes.WithLabelValues(string(msg.Type)).Inc()
	}

	if b.bus == nil {
		recipients := b.registry.Members(channel)
		b.fanOut(ctx, recipients, data)
		return len(recipients), nil
	}

	count := b.memberCount(ctx, channel)
	env := domain.Envelope{TenantID: channel.TenantID, Channel: channel.Name, Message: data, Origin: b.instanceID}
	if err := b.bus.Publish(ctx, env); err != nil {
		slog.WarnContext(ctx, "Fan-out bus publish failed, delivering locally", "channel", channel.Name, "tenant_id", channel.TenantID, "error", err)
		if b.metrics != nil {
			b.metrics.ClusterErrors.WithLabelValues("fanout_publish").Inc()
		}
		recipients := b.registry.Members(channel)
		b.fanOut(ctx, recipients, data)
		return len(recipients), nil
	}
	return count, nil
}

// DeliverEnvelope delivers a bus envelope to this instance's members of its channel.
func (b *Broadcaster) DeliverEnvelope(ctx context.Context, env domain.Envelope) {
	b.fanOut(ctx, b.registry.Members(domain.Scope(env.TenantID, env.Channel)), env.Message)
}

// SendTo delivers msg to one session directly.
func (b *Broadcaster) SendTo(ctx context.Context, sessionID string, msg domain.Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.clock.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	delivered, err := b.deliverOne(ctx, sessionID, data)
	if err != nil {
		return err
	}
	if !delivered {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (b *Broadcaster) memberCount(ctx context.Context, channel domain.ScopedChannel) int {
	if b.cluster == nil {
		return len(b.registry.Members(channel))
	}

	ctx, cancel := context.WithTimeout(ctx, clusterTimeout)
	defer cancel()

	n, err := b.cluster.CountMembers(ctx, channel)
	if err != nil {
		slog.WarnContext(ctx, "Cluster member count failed, using local count", "channel", channel.Name, "tenant_id", channel.TenantID, "error", err)
		if b.metrics != nil {
			b.metrics.ClusterErrors.WithLabelValues("count_members").Inc()
		}
		return len(b.registry.Members(channel))
	}
	return int(n)
}

// fanOut sends data to every recipient concurrently and waits for all sends
// to finish. Each send is bounded by the send timeout.
func (b *Broadcaster) fanOut(ctx context.Context, recipients []string, data []byte) {
	if len(recipients) == 0 {
		return
	}
	start := b.clock.Now()

	var g errgroup.Group
	g.SetLimit(b.maxConcurrent)
	for _, id := range recipients {
		g.Go(func() error {
			_, _ = b.deliverOne(ctx, id, data)
			return nil
		})
	}
	_ = g.Wait()

	if b.metrics != nil {
		b.metrics.FanoutDuration.Observe(b.clock.Since(start).Seconds())
	}
}

func (b *Broadcaster) deliverOne(ctx context.Context, sessionID string, data []byte) (bool, error) {
	delivered, err := b.registry.deliver(sessionID, func(sctx context.Context) error {
		sendCtx, cancel := context.WithTimeout(sctx, b.sendTimeout)
		defer cancel()
		return b.transport.Send(sendCtx, sessionID, data)
	})

	switch {
	case !delivered:
		b.countDelivery("skipped")
		return false, nil
	case errors.Is(err, domain.ErrUnreachable):
		b.countDelivery("unreachable")
		slog.InfoContext(ctx, "Recipient unreachable, closing session", "session_id", sessionID)
		b.registry.Close(ctx, sessionID, domain.CloseUnreachable)
		return true, err
	case err != nil:
		b.countDelivery("failed")
		slog.WarnContext(ctx, "Delivery failed", "session_id", sessionID, "error", err)
		return true, err
	default:
		b.countDelivery("delivered")
		return true, nil
	}
}

func (b *Broadcaster) countDelivery(result string) {
	if b.metrics != nil {
		b.metrics.Deliveries.WithLabelValues(result).Inc()
	}
}
