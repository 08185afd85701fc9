// Package metrics provides a Prometheus metrics registry for the gate.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gate_inflight_requests
	inFlight prometheus.Gauge

	// gate_requests_total{outcome}
	requestsTotal *prometheus.CounterVec

	// gate_request_duration_seconds{outcome}
	requestDuration *prometheus.HistogramVec

	// gate_upstream_request_duration_seconds
	upstreamDuration prometheus.Histogram

	// gate_store_operations_total{op,result}
	storeOps *prometheus.CounterVec

	// gate_recorded_chunks — chunk count distribution of streaming recordings
	recordedChunks prometheus.Histogram

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gate_inflight_requests",
			Help: "Current number of in-flight proxied requests",
		}),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_requests_total",
				Help: "Total proxied requests by routing outcome (hit|miss|record|upstream_error)",
			},
			[]string{"outcome"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gate_request_duration_seconds",
				Help:    "End-to-end request duration in seconds by routing outcome",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		upstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_upstream_request_duration_seconds",
			Help:    "Upstream forward duration in seconds (non-streaming: full body; streaming: until headers)",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gate_store_operations_total",
				Help: "Store operations by op (get|put) and result (ok|miss|corrupt|error)",
			},
			[]string{"op", "result"},
		),

		recordedChunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_recorded_chunks",
			Help:    "Number of chunks captured per recorded streaming response",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}

	reg.MustRegister(
		r.inFlight,
		r.requestsTotal,
		r.requestDuration,
		r.upstreamDuration,
		r.storeOps,
		r.recordedChunks,
	)

	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	)

	return r
}

// Handler returns the fasthttp handler serving the Prometheus exposition.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveRequest records one finished proxied request.
func (r *Registry) ObserveRequest(outcome string, dur time.Duration) {
	r.requestsTotal.WithLabelValues(outcome).Inc()
	r.requestDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}

// ObserveUpstream records the duration of one upstream forward.
func (r *Registry) ObserveUpstream(dur time.Duration) {
	r.upstreamDuration.Observe(dur.Seconds())
}

// StoreOp records a store operation result.
func (r *Registry) StoreOp(op, result string) {
	r.storeOps.WithLabelValues(op, result).Inc()
}

// ObserveRecordedChunks records the chunk count of a streaming recording.
func (r *Registry) ObserveRecordedChunks(n int) {
	r.recordedChunks.Observe(float64(n))
}
