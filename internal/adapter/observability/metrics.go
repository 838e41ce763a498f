package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_requests_total",
			Help: "Total number of AI provider requests by provider and operation",
		},
		[]string{"provider", "operation", "outcome"},
	)
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_request_duration_seconds",
			Help:    "AI provider request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "operation"},
	)

	RunsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runs_claimed_total",
			Help: "Total number of runs claimed by workers",
		},
	)
	RunsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runs_in_flight",
			Help: "Number of runs currently being processed",
		},
	)
	RunsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_completed_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"status"},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
	QualityScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quality_gate_score",
			Help:    "Distribution of quality-gate scores ([0,100])",
			Buckets: []float64{0, 50, 70, 80, 90, 93, 95, 97, 99, 100},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(RunsClaimedTotal)
	prometheus.MustRegister(RunsInFlight)
	prometheus.MustRegister(RunsCompletedTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(QualityScoreHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveProviderRequest records one provider call.
func ObserveProviderRequest(provider, operation, outcome string, dur time.Duration) {
	ProviderRequestsTotal.WithLabelValues(provider, operation, outcome).Inc()
	ProviderRequestDuration.WithLabelValues(provider, operation).Observe(dur.Seconds())
}

// ObserveStage records the wall time of one pipeline stage execution.
func ObserveStage(stage string, dur time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

// ClaimRun marks one run claimed and in flight.
func ClaimRun() {
	RunsClaimedTotal.Inc()
	RunsInFlight.Inc()
}

// FinishRun marks one run done with the given terminal status.
func FinishRun(status string) {
	RunsInFlight.Dec()
	RunsCompletedTotal.WithLabelValues(status).Inc()
}

// ObserveQualityScore records a quality-gate score.
func ObserveQualityScore(score float64) {
	if score >= 0 && score <= 100 {
		QualityScoreHistogram.Observe(score)
	}
}
