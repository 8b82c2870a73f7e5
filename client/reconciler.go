// Package client implements the reconciliation loop a chat frontend runs:
// merge a bulk sync snapshot with live broadcast events, and periodically
// re-sync so drift (missed events, reordered arrivals) self-corrects.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/onnwee/backchat/broadcast"
	"github.com/onnwee/backchat/message"
)

// DefaultResyncInterval is the drift-correction poll cadence.
const DefaultResyncInterval = 2 * time.Second

// Options configures a Reconciler.
type Options struct {
	// BaseURL is the chat API root, e.g. "http://localhost:8080".
	BaseURL string
	// Subscriber is the client half of the broadcast fabric.
	Subscriber broadcast.Subscriber
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// ResyncInterval defaults to DefaultResyncInterval. Negative disables
	// periodic re-sync (live events and the initial sync still apply).
	ResyncInterval time.Duration
	// SyncLimit caps each bulk sync request; 0 requests the full history.
	SyncLimit int
	// OnChange, if set, is invoked after every visible-state change. It runs
	// on the reconciler's goroutine and must not call back into it.
	OnChange func()
}

// Reconciler maintains the message list for the room the client is in. At
// most one room is live at a time: joining a room tears down the previous
// subscription and loop before the new one starts.
type Reconciler struct {
	opts Options

	mu       sync.Mutex
	room     string
	gen      uint64
	messages []message.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reconciler. Call Join to enter a room.
func New(opts Options) *Reconciler {
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ResyncInterval == 0 {
		opts.ResyncInterval = DefaultResyncInterval
	}
	return &Reconciler{opts: opts}
}

// Join switches to a room: the previous room's subscription and loop are
// torn down first, then the new room is synced and its live feed attached.
// Joining the current room again forces a full teardown and re-sync.
func (r *Reconciler) Join(ctx context.Context, room string) error {
	r.teardown()

	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.room = room
	r.messages = nil
	r.mu.Unlock()

	sub, err := r.opts.Subscriber.Subscribe(ctx, broadcast.ChannelForRoom(room))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", room, err)
	}

	// Snapshot after subscribing so nothing between the two is lost: an
	// event that races the sync shows up either in the snapshot or on the
	// live feed, and the periodic re-sync collapses any duplicate.
	if err := r.syncOnce(ctx, room, gen); err != nil {
		sub.Close()
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go r.loop(loopCtx, sub, room, gen, done)
	return nil
}

// Leave tears down the current room. Messages returns empty afterwards.
func (r *Reconciler) Leave() {
	r.teardown()
	r.mu.Lock()
	r.gen++
	r.room = ""
	r.messages = nil
	r.mu.Unlock()
}

// Room returns the currently joined room, or "" when not in one.
func (r *Reconciler) Room() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room
}

// Messages returns a copy of the current message list, ascending by
// timestamp as served by the sync endpoint.
func (r *Reconciler) Messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Reconciler) teardown() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// loop is the per-room reconciliation goroutine: it applies live events as
// they arrive and re-syncs on a timer so missed or misordered events
// self-correct within one interval.
func (r *Reconciler) loop(ctx context.Context, sub broadcast.Subscription, room string, gen uint64, done chan struct{}) {
	defer close(done)
	defer sub.Close()

	var ticker *time.Ticker
	var tick <-chan time.Time
	if r.opts.ResyncInterval > 0 {
		ticker = time.NewTicker(r.opts.ResyncInterval)
		tick = ticker.C
		defer ticker.Stop()
	}

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				// Subscription ended underneath us; the periodic re-sync
				// keeps the view converging until the caller rejoins.
				events = nil
				continue
			}
			if env.Event != broadcast.EventInserted {
				continue
			}
			r.applyLive(room, gen, env.Data)
		case <-tick:
			if err := r.syncOnce(ctx, room, gen); err != nil && ctx.Err() == nil {
				slog.Debug("re-sync failed", slog.String("room", room), slog.Any("err", err), slog.String("component", "client"))
			}
		}
	}
}

// applyLive appends a live event to the visible list if the room is still
// current.
func (r *Reconciler) applyLive(room string, gen uint64, m message.Message) {
	m.Room = room
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return
	}
	r.messages = append(r.messages, m)
	onChange := r.opts.OnChange
	r.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

// syncOnce fetches the room snapshot and replaces the visible list
// wholesale. A fetch that completes after the client moved on (gen advanced)
// is discarded rather than applied to the wrong room.
func (r *Reconciler) syncOnce(ctx context.Context, room string, gen uint64) error {
	u := fmt.Sprintf("%s/api/messages/sync/%s", r.opts.BaseURL, url.PathEscape(room))
	if r.opts.SyncLimit > 0 {
		u = fmt.Sprintf("%s?limit=%d", u, r.opts.SyncLimit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build sync request: %w", err)
	}
	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync %s: %w", room, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync %s: unexpected status %d", room, resp.StatusCode)
	}

	var msgs []message.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return fmt.Errorf("decode sync response: %w", err)
	}

	r.mu.Lock()
	if r.gen != gen {
		// Stale fetch: the client joined another room while this request
		// was in flight.
		r.mu.Unlock()
		return nil
	}
	r.messages = msgs
	onChange := r.opts.OnChange
	r.mu.Unlock()

	if onChange != nil {
		onChange()
	}
	return nil
}
