// Package metrics exposes the engine's Prometheus collectors and the
// HTTP middleware that feeds the request-level ones.
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
			Name: "outreach_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	deliveriesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_deliveries_queued_total",
			Help: "Deliveries queued by source and channel",
		},
		[]string{"source", "channel"},
	)

	deliveriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_deliveries_processed_total",
			Help: "Dispatch outcomes by status and channel",
		},
		[]string{"status", "channel"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outreach_delivery_latency_seconds",
			Help:    "Time from scheduled send to actual send",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"channel"},
	)

	eventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_events_consumed_total",
			Help: "Domain events consumed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	campaignThrottleDeferrals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "outreach_campaign_throttle_deferrals_total",
			Help: "Campaign deliveries released back to pending by the send throttle",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_rate_limit_rejections_total",
			Help: "API requests rejected by the rate limiter",
		},
		[]string{"campground_id"},
	)

	surveyResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outreach_survey_responses_total",
			Help: "NPS responses recorded by band",
		},
		[]string{"band"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "outreach_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDeliveryQueued records one delivery entering the queue.
// Source is trigger, campaign, schedule, or survey.
func RecordDeliveryQueued(source, channel string) {
	deliveriesQueued.WithLabelValues(source, channel).Inc()
}

// RecordDeliveryProcessed records one dispatch outcome
func RecordDeliveryProcessed(status, channel string) {
	deliveriesProcessed.WithLabelValues(status, channel).Inc()
}

// RecordDeliveryLatency records scheduled-to-sent lag
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordEventConsumed records one consumed domain event.
// Outcome is handled, dropped, or failed.
func RecordEventConsumed(kind, outcome string) {
	eventsConsumed.WithLabelValues(kind, outcome).Inc()
}

// RecordThrottleDeferral records a campaign delivery deferred by the throttle
func RecordThrottleDeferral() {
	campaignThrottleDeferrals.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(campgroundID string) {
	rateLimitRejections.WithLabelValues(campgroundID).Inc()
}

// RecordSurveyResponse records one NPS response by band
// (promoter, passive, detractor).
func RecordSurveyResponse(score int) {
	band := "detractor"
	switch {
	case score >= 9:
		band = "promoter"
	case score >= 7:
		band = "passive"
	}
	surveyResponses.WithLabelValues(band).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
