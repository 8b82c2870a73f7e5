package broadcast

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/backchat/message"
)

// subscriptionBuffer bounds how far a slow consumer may fall behind before
// events are dropped. Delivery is at-most-once best-effort; the client's
// periodic re-sync recovers anything dropped here.
const subscriptionBuffer = 64

// Broker is the Redis-backed implementation of both halves of the fabric.
// One Broker is created at process start and shared by the relay and any
// in-process clients.
type Broker struct {
	client *redis.Client
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	UseTLS   bool
}

// Connect creates a Broker and verifies the connection with a ping.
// The returned Broker is usable even when the ping fails (go-redis dials
// lazily and retries); callers decide whether a failed ping is fatal.
func Connect(ctx context.Context, opts Options) (*Broker, error) {
	ro := &redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.UseTLS {
		ro.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	b := &Broker{client: redis.NewClient(ro)}
	if err := b.Ping(ctx); err != nil {
		return b, fmt.Errorf("broadcast ping: %w", err)
	}
	return b, nil
}

// Ping verifies connectivity to the fabric.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// Publish sends one event envelope to a channel. Failures are returned to
// the caller (the relay logs and continues; it never retries).
func (b *Broker) Publish(ctx context.Context, channel, event string, data message.Message) error {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe binds to a channel and starts delivering envelopes. The
// subscription is confirmed on the wire before this returns, so events
// published immediately afterwards are not missed.
func (b *Broker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}
	sub := &redisSubscription{ps: ps, events: make(chan Envelope, subscriptionBuffer)}
	go sub.loop(ctx)
	return sub, nil
}

type redisSubscription struct {
	ps        *redis.PubSub
	events    chan Envelope
	closeOnce sync.Once
}

func (s *redisSubscription) loop(ctx context.Context) {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
				slog.Warn("broadcast: dropping malformed event", slog.String("channel", m.Channel), slog.Any("err", err))
				continue
			}
			select {
			case s.events <- env:
			default:
				slog.Warn("broadcast: subscriber lagging; dropping event", slog.String("channel", m.Channel))
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Envelope { return s.events }

// Close unbinds from the channel and releases the subscription. Safe to call
// more than once.
func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.ps.Close() })
	return err
}
