// Package metrics holds the Prometheus collectors for the trust engine and
// its HTTP surface. All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "behavtrust"

// Metrics groups the engine collectors.
type Metrics struct {
	samplesStored    prometheus.Counter
	trainingRuns     *prometheus.CounterVec
	trainingDuration prometheus.Histogram
	predictions      *prometheus.CounterVec
	confidence       prometheus.Histogram
	decisions        *prometheus.CounterVec
	fusedScore       prometheus.Histogram
	ipTokens         *prometheus.CounterVec
	notifyFailures   *prometheus.CounterVec
	rateLimited      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg skips
// registration, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samplesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "samples", Name: "stored_total",
			Help: "Behavioral samples persisted for training.",
		}),
		trainingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "training", Name: "runs_total",
			Help: "Per-user training passes by result.",
		}, []string{"result"}),
		trainingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "training", Name: "duration_seconds",
			Help:    "Duration of a single user's training pass.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "predictor", Name: "predictions_total",
			Help: "Authenticity predictions by status and verdict.",
		}, []string{"status", "verdict"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "predictor", Name: "confidence",
			Help:    "Biometric confidence of known-user predictions.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "decisions_total",
			Help: "Fused admission decisions.",
		}, []string{"authenticated"}),
		fusedScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fusion", Name: "fitness_score",
			Help:    "Fused fitness score.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		ipTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "iptrust", Name: "token_events_total",
			Help: "IP trust token lifecycle events.",
		}, []string{"event"}),
		notifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "failures_total",
			Help: "Notifications that could not be delivered.",
		}, []string{"kind"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ratelimit", Name: "rejected_total",
			Help: "Requests rejected by the attempt limiter, by route.",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.samplesStored, m.trainingRuns, m.trainingDuration,
			m.predictions, m.confidence, m.decisions, m.fusedScore,
			m.ipTokens, m.notifyFailures, m.rateLimited,
		)
	}
	return m
}

func (m *Metrics) SampleStored() {
	if m == nil {
		return
	}
	m.samplesStored.Inc()
}

// TrainingRun records one user's pass: trained, insufficient_data, failed or busy.
func (m *Metrics) TrainingRun(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.trainingRuns.WithLabelValues(result).Inc()
	if result == "trained" {
		m.trainingDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) Prediction(status string, inlier bool, confidence float64) {
	if m == nil {
		return
	}
	verdict := "none"
	if status == "known" {
		verdict = "outlier"
		if inlier {
			verdict = "inlier"
		}
		m.confidence.Observe(confidence)
	}
	m.predictions.WithLabelValues(status, verdict).Inc()
}

func (m *Metrics) Decision(authenticated bool, fused float64) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(strconv.FormatBool(authenticated)).Inc()
	m.fusedScore.Observe(fused)
}

// IPTokenEvent records minted, reminted, confirmed or expired_confirm.
func (m *Metrics) IPTokenEvent(event string) {
	if m == nil {
		return
	}
	m.ipTokens.WithLabelValues(event).Inc()
}

func (m *Metrics) NotificationFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

// HTTPMetrics exposes request counters and latency by method, path and code.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer, service string) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help:        "Total HTTP requests.",
			ConstLabels: prometheus.Labels{"service": service},
		}, []string{"method", "path", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:        "HTTP request duration seconds.",
			ConstLabels: prometheus.Labels{"service": service},
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration)
	}
	return m
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// unmatchedPath labels requests no route matched, so that scanners probing
// arbitrary paths do not mint new series.
const unmatchedPath = "unmatched"

// Instrument records every request served by router, labelled with the
// template of the route it matched.
func (m *HTTPMetrics) Instrument(router *mux.Router) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		router.ServeHTTP(sr, r)

		p := routeTemplate(router, r)
		m.requests.WithLabelValues(r.Method, p, strconv.Itoa(sr.status)).Inc()
		m.duration.WithLabelValues(r.Method, p).Observe(time.Since(start).Seconds())
	})
}

func routeTemplate(router *mux.Router, r *http.Request) string {
	var match mux.RouteMatch
	if !router.Match(r, &match) || match.Route == nil {
		return unmatchedPath
	}
	tpl, err := match.Route.GetPathTemplate()
	if err != nil {
		return unmatchedPath
	}
	return tpl
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
