package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer returns an HTTP server exposing /metrics and, when a handler is
// given, /healthz.
func NewServer(addr string, healthz http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if healthz != nil {
		mux.Handle("/healthz", healthz)
	}
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}

// Recorder collects attribution workflow metrics.
type Recorder struct {
	operations *prometheus.CounterVec
	step       prometheus.Gauge
	remoteDur  *prometheus.HistogramVec
}

// NewRecorder registers the attribution collectors. reg may be nil, in which
// case the default registerer is used.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &Recorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attribution_operations_total",
			Help: "Remote attribution operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		step: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "attribution_progress_step",
			Help: "Numeric rank of the current progress step; -1 when no record exists.",
		}),
		remoteDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "attribution_remote_duration_seconds",
			Help:    "Duration of remote attribution calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	r.step.Set(-1)
	reg.MustRegister(r.operations, r.step, r.remoteDur)
	return r
}

// Operation counts one remote call attempt.
func (r *Recorder) Operation(operation, outcome string) {
	if r == nil {
		return
	}
	r.operations.WithLabelValues(operation, outcome).Inc()
}

// Step records the rank of the current progress step.
func (r *Recorder) Step(rank int) {
	if r == nil {
		return
	}
	r.step.Set(float64(rank))
}

// StepCleared marks that no progress record exists.
func (r *Recorder) StepCleared() {
	if r == nil {
		return
	}
	r.step.Set(-1)
}

// RemoteDuration observes the duration of one remote call.
func (r *Recorder) RemoteDuration(operation string, d time.Duration) {
	if r == nil {
		return
	}
	r.remoteDur.WithLabelValues(operation).Observe(d.Seconds())
}
