// Package testutil provides test helpers: the gated Postgres setup and
// in-memory fakes for the broadcast fabric and the change notification
// stream.
package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/onnwee/backchat/broadcast"
	"github.com/onnwee/backchat/message"
)

// PublishedEvent records one call to RecordingPublisher.Publish.
type PublishedEvent struct {
	Channel string
	Event   string
	Data    message.Message
}

// RecordingPublisher is a broadcast.Publisher that captures publishes and can
// inject failures per channel.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
	// FailOn maps channel names to the error Publish should return for them.
	FailOn map[string]error
}

func (p *RecordingPublisher) Publish(ctx context.Context, channel, event string, data message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err, ok := p.FailOn[channel]; ok {
		return err
	}
	p.events = append(p.events, PublishedEvent{Channel: channel, Event: event, Data: data})
	return nil
}

// Published returns a copy of everything published so far.
func (p *RecordingPublisher) Published() []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PublishedEvent(nil), p.events...)
}

// ErrStreamClosed is returned by a ScriptedSource once its payloads are
// exhausted, standing in for a dead notification stream.
var ErrStreamClosed = errors.New("notification stream closed")

// ScriptedSource replays a fixed sequence of notification payloads, then
// returns FinalErr (ErrStreamClosed by default).
type ScriptedSource struct {
	mu       sync.Mutex
	payloads [][]byte
	FinalErr error
	closed   bool
}

func NewScriptedSource(payloads ...[]byte) *ScriptedSource {
	return &ScriptedSource{payloads: payloads}
}

func (s *ScriptedSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStreamClosed
	}
	if len(s.payloads) == 0 {
		if s.FinalErr != nil {
			return nil, s.FinalErr
		}
		return nil, ErrStreamClosed
	}
	p := s.payloads[0]
	s.payloads = s.payloads[1:]
	return p, nil
}

func (s *ScriptedSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// FakeFabric is an in-memory broadcast.Subscriber: tests emit envelopes on
// channels and assert how many live subscriptions a channel has (clean
// teardown checks).
type FakeFabric struct {
	mu   sync.Mutex
	subs map[string][]*fakeSubscription
}

func NewFakeFabric() *FakeFabric {
	return &FakeFabric{subs: make(map[string][]*fakeSubscription)}
}

func (f *FakeFabric) Subscribe(ctx context.Context, channel string) (broadcast.Subscription, error) {
	sub := &fakeSubscription{
		fabric:  f,
		channel: channel,
		events:  make(chan broadcast.Envelope, 64),
	}
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], sub)
	f.mu.Unlock()
	return sub, nil
}

// Emit delivers an envelope to every live subscription on the channel.
func (f *FakeFabric) Emit(channel string, env broadcast.Envelope) {
	f.mu.Lock()
	targets := append([]*fakeSubscription(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, sub := range targets {
		sub.deliver(env)
	}
}

// OpenSubscriptions reports how many subscriptions are still bound to the
// channel.
func (f *FakeFabric) OpenSubscriptions(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[channel])
}

// CloseChannel ends every live subscription on the channel, simulating the
// fabric dropping its consumers.
func (f *FakeFabric) CloseChannel(channel string) {
	f.mu.Lock()
	targets := append([]*fakeSubscription(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, sub := range targets {
		sub.Close()
	}
}

func (f *FakeFabric) remove(sub *fakeSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.subs[sub.channel]
	for i, s := range list {
		if s == sub {
			f.subs[sub.channel] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

type fakeSubscription struct {
	fabric    *FakeFabric
	channel   string
	events    chan broadcast.Envelope
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func (s *fakeSubscription) deliver(env broadcast.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- env:
	default:
	}
}

func (s *fakeSubscription) Events() <-chan broadcast.Envelope { return s.events }

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.fabric.remove(s)
		close(s.events)
	})
	return nil
}
