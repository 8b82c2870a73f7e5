// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MessagesStored        prometheus.Counter
	SyncRequests          prometheus.Counter
	NotificationsReceived prometheus.Counter
	BroadcastsPublished   prometheus.Counter
	BroadcastsFailed      prometheus.Counter
	RelayRestarts         prometheus.Counter

	// Histograms (seconds)
	PublishDuration prometheus.Observer

	// Gauges
	RoomMessagesGauge *prometheus.GaugeVec
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesStored = promauto.NewCounter(prometheus.CounterOpts{Name: "backchat_messages_stored_total", Help: "Number of messages accepted by the store"})
		SyncRequests = promauto.NewCounter(prometheus.CounterOpts{Name: "backchat_sync_requests_total", Help: "Number of bulk sync requests served"})
		NotificationsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "backchat_relay_notifications_total", Help: "Number of change notifications received by the relay"})
		BroadcastsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "backchat_broadcasts_published_total", Help: "Number of broadcast events published"})
		BroadcastsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "backchat_broadcasts_failed_total", Help: "Number of broadcast publishes that failed"})
		RelayRestarts = promauto.NewCounter(prometheus.CounterOpts{Name: "backchat_relay_restarts_total", Help: "Number of relay watch loop restarts"})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "backchat_broadcast_publish_duration_seconds", Help: "Broadcast publish duration seconds", Buckets: prometheus.DefBuckets})
		RoomMessagesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "backchat_room_messages", Help: "Current number of stored messages per room"}, []string{"room"})
	})
}

// CountMessageStored increments the stored-message counter if metrics are registered.
func CountMessageStored() {
	if MessagesStored != nil {
		MessagesStored.Inc()
	}
}

// CountSyncRequest increments the sync counter if metrics are registered.
func CountSyncRequest() {
	if SyncRequests != nil {
		SyncRequests.Inc()
	}
}

// CountNotification increments the relay notification counter if metrics are registered.
func CountNotification() {
	if NotificationsReceived != nil {
		NotificationsReceived.Inc()
	}
}

// CountBroadcast records the outcome of one relay publish attempt.
func CountBroadcast(ok bool) {
	if ok {
		if BroadcastsPublished != nil {
			BroadcastsPublished.Inc()
		}
	} else if BroadcastsFailed != nil {
		BroadcastsFailed.Inc()
	}
}

// CountRelayRestart increments the relay restart counter if metrics are registered.
func CountRelayRestart() {
	if RelayRestarts != nil {
		RelayRestarts.Inc()
	}
}

// SetRoomMessages records the current stored-message count for a room.
func SetRoomMessages(room string, n int) {
	if RoomMessagesGauge != nil {
		RoomMessagesGauge.WithLabelValues(room).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
