package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	gonats "github.com/nats-io/nats.go"
	"github.com/pscheid92/signpulse/internal/domain"
)

const fanoutSubject = "signpulse.fanout"

// Connect dials NATS and keeps reconnecting forever; connection state changes
// are logged rather than surfaced.
func Connect(url, name string) (*gonats.Conn, error) {
	nc, err := gonats.Connect(url,
		gonats.Name(name),
		gonats.MaxReconnects(-1),
		gonats.ReconnectWait(time.Second),
		gonats.DisconnectErrHandler(func(_ *gonats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		gonats.ReconnectHandler(func(nc *gonats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// FanoutBus relays envelopes between broker instances over a NATS subject.
type FanoutBus struct {
	nc *gonats.Conn
}

var _ domain.FanoutBus = (*FanoutBus)(nil)

func NewFanoutBus(nc *gonats.Conn) *FanoutBus {
	return &FanoutBus{nc: nc}
}

func (b *FanoutBus) Publish(_ context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.nc.Publish(fanoutSubject, data); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Subscribe returns after the server has acknowledged the subscription.
func (b *FanoutBus) Subscribe(ctx context.Context, handler func(ctx context.Context, env domain.Envelope)) (domain.Subscription, error) {
	hctx := context.WithoutCancel(ctx)
	sub, err := b.nc.Subscribe(fanoutSubject, func(msg *gonats.Msg) {
		var env domain.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			slog.WarnContext(hctx, "Dropping malformed fanout envelope", "error", err)
			return
		}
		handler(hctx, env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", fanoutSubject, err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush subscription: %w", err)
	}
	return subscription{sub: sub}, nil
}

type subscription struct {
	sub *gonats.Subscription
}

func (s subscription) Close() error {
	return s.sub.Unsubscribe()
}
