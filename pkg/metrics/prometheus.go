package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gtfsrt"

// Recorder implements domain.repository.Metrics using Prometheus. Every
// collector lives on the Recorder's own registry.
type Recorder struct {
	reg *prometheus.Registry

	feedRequests  prometheus.Counter
	healthChecks  *prometheus.CounterVec
	received      prometheus.Counter
	acked         prometheus.Counter
	failed        *prometheus.CounterVec
	applyLatency  prometheus.Histogram
	regenerations prometheus.Counter
	regenErrors   prometheus.Counter
	regenLatency  prometheus.Histogram
	feedSize      *prometheus.GaugeVec
	entities      prometheus.Gauge
	lastModified  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder with Go and process
// collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		feedRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_requests_total",
			Help:      "Total number of requests to the feed endpoint",
		}),
		healthChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Total number of liveness checks by outcome",
		}, []string{"healthy"}),
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages delivered by the bus",
		}),
		acked: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_acked_total",
			Help:      "Total number of messages acknowledged to the bus",
		}),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of messages left unacknowledged by failing stage",
		}, []string{"stage"}),
		applyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_apply_seconds",
			Help:      "Time spent decoding and applying one message",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
		regenerations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_regenerations_total",
			Help:      "Total number of successful snapshot regenerations",
		}),
		regenErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_regeneration_errors_total",
			Help:      "Total number of failed snapshot regenerations",
		}),
		regenLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_regeneration_seconds",
			Help:      "Duration of snapshot regeneration including compression",
			Buckets:   prometheus.DefBuckets,
		}),
		feedSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_size_bytes",
			Help:      "Size of the current snapshot per encoding",
		}, []string{"encoding"}),
		entities: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_entities",
			Help:      "Number of entities in the current snapshot",
		}),
		lastModified: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_last_modified_seconds",
			Help:      "Unix time of the current snapshot",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"route", "method", "class"}),
	}
}

// Registry exposes the registry for scraping and tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// RecordReceived counts a delivered message.
func (r *Recorder) RecordReceived() {
	r.received.Inc()
}

// RecordAck counts an acknowledged message.
func (r *Recorder) RecordAck() {
	r.acked.Inc()
}

// RecordError counts a message that failed at stage (decode, apply, ack),
// or one the broker stops redelivering (dropped).
func (r *Recorder) RecordError(stage string) {
	r.failed.WithLabelValues(stage).Inc()
}

// RecordApplyLatency records decode+apply latency in seconds.
func (r *Recorder) RecordApplyLatency(seconds float64) {
	r.applyLatency.Observe(seconds)
}

// RecordRegeneration records a published snapshot.
func (r *Recorder) RecordRegeneration(seconds float64, entities int, sizes map[string]int, lastModified time.Time) {
	r.regenerations.Inc()
	r.regenLatency.Observe(seconds)
	r.entities.Set(float64(entities))
	r.lastModified.Set(float64(lastModified.UnixMilli()) / 1000)
	r.feedSize.Reset()
	for enc, n := range sizes {
		r.feedSize.WithLabelValues(enc).Set(float64(n))
	}
}

func (r *Recorder) RecordRegenerationError() {
	r.regenErrors.Inc()
}

func (r *Recorder) RecordFeedRequest() {
	r.feedRequests.Inc()
}

func (r *Recorder) RecordHealthCheck(healthy bool) {
	r.healthChecks.WithLabelValues(strconv.FormatBool(healthy)).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (r *Recorder) RecordHTTPRequest(route, method string, status int, d time.Duration) {
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method, statusClass(status)).Observe(d.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
