package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/signpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const fanoutChannel = "broker:fanout"

// FanoutBus relays envelopes between broker instances over Redis Pub/Sub.
// Delivery is at-most-once; instances that are disconnected miss messages.
type FanoutBus struct {
	rdb *goredis.Client
}

var _ domain.FanoutBus = (*FanoutBus)(nil)

func NewFanoutBus(rdb *goredis.Client) *FanoutBus {
	return &FanoutBus{rdb: rdb}
}

func (b *FanoutBus) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, fanoutChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so envelopes
// published afterwards are guaranteed to reach handler.
func (b *FanoutBus) Subscribe(ctx context.Context, handler func(ctx context.Context, env domain.Envelope)) (domain.Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, fanoutChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", fanoutChannel, err)
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{pubsub: pubsub, cancel: cancel}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env domain.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					slog.WarnContext(subCtx, "Dropping malformed fanout envelope", "error", err)
					continue
				}
				handler(subCtx, env)
			case <-subCtx.Done():
				return
			}
		}
	}()
	return sub, nil
}

type subscription struct {
	pubsub *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *subscription) Close() error {
	s.cancel()
	err := s.pubsub.Close()
	s.wg.Wait()
	return err
}
