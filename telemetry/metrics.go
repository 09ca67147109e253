// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	EventsPromoted = promauto.NewCounter(prometheus.CounterOpts{Name: "room_events_promoted_total", Help: "Queued events resolved into room tasks"})
	EventsExpired  = promauto.NewCounter(prometheus.CounterOpts{Name: "room_events_expired_total", Help: "Queued events removed as expired"})
	EventsSkipped  = promauto.NewCounter(prometheus.CounterOpts{Name: "room_events_skipped_total", Help: "Queued events soft-failed after an upstream lookup error"})

	TokensAcquired = promauto.NewCounter(prometheus.CounterOpts{Name: "room_tokens_acquired_total", Help: "Join credentials acquired"})
	TokenFailures  = promauto.NewCounter(prometheus.CounterOpts{Name: "room_token_failures_total", Help: "Join credential requests denied upstream"})

	CapturesStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "room_captures_started_total", Help: "Capture processes launched"})

	RecordingsDelivered = promauto.NewCounter(prometheus.CounterOpts{Name: "room_recordings_delivered_total", Help: "Recordings finalized and delivered"})
	RecordingsEmpty     = promauto.NewCounter(prometheus.CounterOpts{Name: "room_recordings_empty_total", Help: "Captures that finished with no audio payload"})

	AdmissionDenials = promauto.NewCounter(prometheus.CounterOpts{Name: "room_admission_denials_total", Help: "Subscription requests denied by quota"})

	PartsSent              = promauto.NewCounter(prometheus.CounterOpts{Name: "room_parts_sent_total", Help: "Audio parts delivered to subscribers"})
	DeliveryFailures       = promauto.NewCounter(prometheus.CounterOpts{Name: "room_delivery_failures_total", Help: "Audio part deliveries that failed"})
	SubscribersUnreachable = promauto.NewCounter(prometheus.CounterOpts{Name: "room_subscribers_unreachable_total", Help: "Subscribers dropped as permanently unreachable"})

	// Histograms (seconds)
	FinalizeDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "room_finalize_duration_seconds", Help: "Transcode plus delivery duration per recording", Buckets: prometheus.DefBuckets})

	// Gauges
	ActiveDownloadsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "room_active_downloads", Help: "Tasks currently capturing"})
	QueueDepthGauge      = promauto.NewGauge(prometheus.GaugeOpts{Name: "room_queue_depth", Help: "Queued events awaiting room resolution"})
)

// SetActiveDownloads records the current number of capturing tasks.
func SetActiveDownloads(n int) { ActiveDownloadsGauge.Set(float64(n)) }

// SetQueueDepth records the current number of queued events.
func SetQueueDepth(n int) { QueueDepthGauge.Set(float64(n)) }

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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
