// Package relay tails the store's change notification stream and republishes
// each insert as exactly one broadcast event on the channel derived from the
// message's room. It is a pure translation layer: no business logic and no
// buffering beyond what the stream itself provides.
package relay

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/backchat/broadcast"
	"github.com/onnwee/backchat/db"
	"github.com/onnwee/backchat/message"
	"github.com/onnwee/backchat/telemetry"
)

// Event is one decoded change notification. Message is populated for insert
// events only.
type Event struct {
	Op      string           `json:"op"`
	Message *message.Message `json:"message"`
}

// Source is an ordered stream of raw change notification payloads.
// Next blocks until a payload arrives, the context is cancelled, or the
// stream dies; a returned error means the stream is unusable.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Run consumes the stream until it errors or ctx is cancelled. Events are
// processed one at a time, synchronously, so broadcast order matches store
// insert order per room. A failed publish is logged and skipped; it never
// stops the loop and never affects subsequent events. dbc may be nil; when
// set, a heartbeat row is maintained for readiness checks.
func Run(ctx context.Context, src Source, pub broadcast.Publisher, dbc *sql.DB) error {
	for {
		payload, err := src.Next(ctx)
		if err != nil {
			return fmt.Errorf("notification stream: %w", err)
		}
		telemetry.CountNotification()

		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("relay: skipping malformed notification", slog.Any("err", err), slog.String("component", "relay"))
			continue
		}
		if ev.Op != "INSERT" || ev.Message == nil {
			continue
		}

		m := *ev.Message
		channel := broadcast.ChannelForRoom(m.Room)
		publish(ctx, pub, channel, m)
		heartbeat(ctx, dbc)
	}
}

func publish(ctx context.Context, pub broadcast.Publisher, channel string, m message.Message) {
	ctx, span := telemetry.StartSpan(ctx, "relay", "broadcast.publish",
		attribute.String("channel", channel),
	)
	defer span.End()

	var err error
	telemetry.TimeFunc(telemetry.PublishDuration, func() {
		err = pub.Publish(ctx, channel, broadcast.EventInserted, m.Payload())
	})
	if err != nil {
		telemetry.CountBroadcast(false)
		telemetry.RecordError(span, err)
		slog.Error("relay: broadcast publish failed; continuing",
			slog.String("channel", channel), slog.Any("err", err), slog.String("component", "relay"))
		return
	}
	telemetry.CountBroadcast(true)
	telemetry.SetSpanSuccess(span)
}

func heartbeat(ctx context.Context, dbc *sql.DB) {
	if dbc == nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := db.SetKV(ctx, dbc, "relay_last_event", now); err != nil {
		slog.Debug("relay: heartbeat write failed", slog.Any("err", err), slog.String("component", "relay"))
	}
}

// Supervisor keeps the watch loop alive across stream failures, restarting
// with exponential backoff. The original design stalled permanently when the
// stream died; supervised restart is the deliberate fix.
type Supervisor struct {
	DSN       string
	Publisher broadcast.Publisher
	// DB receives heartbeat/state rows for readiness checks; optional.
	DB *sql.DB
	// Open overrides stream construction (tests). Defaults to Listen(DSN).
	Open func(ctx context.Context) (Source, error)
	// OnExit is signalled once when the supervisor stops (tests); optional.
	OnExit chan struct{}
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	// healthyReset: a stream that survived this long resets the backoff.
	healthyReset = time.Minute
)

// Start launches the supervised watch loop in its own goroutine. It must be
// called once per process, after the store connection has been verified, and
// runs until ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	open := s.Open
	if open == nil {
		open = func(ctx context.Context) (Source, error) { return Listen(ctx, s.DSN) }
	}
	go func() {
		if s.OnExit != nil {
			defer close(s.OnExit)
		}
		backoff := initialBackoff
		for {
			if ctx.Err() != nil {
				s.setState(ctx, "stopped")
				return
			}
			started := time.Now()
			src, err := open(ctx)
			if err != nil {
				slog.Error("relay: open notification stream", slog.Any("err", err), slog.String("component", "relay"))
			} else {
				s.setState(ctx, "watching")
				slog.Info("relay: watching change notification stream", slog.String("component", "relay"))
				err = Run(ctx, src, s.Publisher, s.DB)
				_ = src.Close(context.WithoutCancel(ctx))
				if ctx.Err() != nil {
					s.setState(ctx, "stopped")
					return
				}
				slog.Error("relay: watch loop exited; restarting", slog.Any("err", err), slog.String("component", "relay"))
			}
			if time.Since(started) > healthyReset {
				backoff = initialBackoff
			}
			telemetry.CountRelayRestart()
			s.setState(ctx, "restarting")
			select {
			case <-ctx.Done():
				s.setState(ctx, "stopped")
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()
}

func (s *Supervisor) setState(ctx context.Context, state string) {
	if s.DB == nil {
		return
	}
	// State writes must survive root context cancellation during shutdown.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := db.SetKV(wctx, s.DB, "relay_state", state); err != nil {
		slog.Debug("relay: state write failed", slog.Any("err", err), slog.String("component", "relay"))
	}
}
