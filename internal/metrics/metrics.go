package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulse_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulse_connections_active",
			Help: "Currently registered client sessions",
		},
	)

	connectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_connects_total",
			Help: "Accepted connections by tenant",
		},
		[]string{"tenant_id"},
	)

	disconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_disconnects_total",
			Help: "Session teardowns by tenant and reason",
		},
		[]string{"tenant_id", "reason"},
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_frames_total",
			Help: "Inbound frames processed by type",
		},
		[]string{"type"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_rate_limit_rejections_total",
			Help: "Frames rejected by the per-user rate limiter",
		},
		[]string{"tenant_id"},
	)

	fanOutDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_fanout_delivered_total",
			Help: "Envelopes delivered by fan-out, by envelope type",
		},
		[]string{"envelope_type"},
	)

	notificationsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_submitted_total",
			Help: "Notifications accepted for delivery by category",
		},
		[]string{"category"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_delivery_attempts_total",
			Help: "Delivery attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	notificationsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulse_notifications_terminal_total",
			Help: "Notifications reaching a terminal state",
		},
		[]string{"state"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics.
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordConnect records an accepted session.
func RecordConnect(tenantID string) {
	connectionsActive.Inc()
	connectsTotal.WithLabelValues(tenantID).Inc()
}

// RecordDisconnect records a session teardown.
func RecordDisconnect(tenantID, reason string) {
	connectionsActive.Dec()
	disconnectsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordFrame records one processed inbound frame.
func RecordFrame(frameType string) {
	framesTotal.WithLabelValues(frameType).Inc()
}

// RecordRateLimitRejection records a frame dropped by the rate limiter.
func RecordRateLimitRejection(tenantID string) {
	rateLimitRejections.WithLabelValues(tenantID).Inc()
}

// RecordFanOut records envelopes delivered by one fan-out call.
func RecordFanOut(envelopeType string, delivered int) {
	fanOutDelivered.WithLabelValues(envelopeType).Add(float64(delivered))
}

// RecordNotificationSubmitted records an accepted notification.
func RecordNotificationSubmitted(category string) {
	notificationsSubmitted.WithLabelValues(category).Inc()
}

// RecordDeliveryAttempt records one delivery attempt outcome.
func RecordDeliveryAttempt(channel, status string) {
	deliveryAttempts.WithLabelValues(channel, status).Inc()
}

// RecordTerminalState records a notification reaching Read, Failed or Expired.
func RecordTerminalState(state string) {
	notificationsTerminal.WithLabelValues(state).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
