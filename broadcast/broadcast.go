// Package broadcast binds the service to the external pub/sub fabric that
// fans live message events out to subscribed clients. The server side only
// ever publishes (from the change relay); clients only ever subscribe.
//
// Channel names are a deterministic function of the room, so a message
// written to room R is only ever announced to subscribers of R's channel.
package broadcast

import (
	"context"

	"github.com/onnwee/backchat/message"
)

// DefaultChannel is the channel used when the deployment has no room
// concept (the degenerate roomless variant).
const DefaultChannel = "messages"

// EventInserted is the sole event name published for new messages.
const EventInserted = "inserted"

const channelPrefix = "messages-"

// ChannelForRoom maps a room to its broadcast channel name.
func ChannelForRoom(room string) string {
	if room == "" {
		return DefaultChannel
	}
	return channelPrefix + room
}

// Envelope is the wire format carried on a broadcast channel.
// Data holds the trimmed payload {username, message, timestamp}; the room is
// implied by the channel the envelope arrives on.
type Envelope struct {
	Event string          `json:"event"`
	Data  message.Message `json:"data"`
}

// Publisher is the server-side half of the fabric.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data message.Message) error
}

// Subscription is a live binding to one channel. Events is closed when the
// subscription ends; Close is idempotent.
type Subscription interface {
	Events() <-chan Envelope
	Close() error
}

// Subscriber is the client-side half of the fabric.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
