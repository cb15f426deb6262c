// Package metrics exposes Prometheus collectors for builds and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600}

// Recorder groups the collectors. A nil *Recorder records nothing.
type Recorder struct {
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
	dispatch      *prometheus.CounterVec
	requests      *prometheus.CounterVec
}

// New registers the collectors with reg. Collectors already registered by a
// previous Recorder are reused.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildline",
			Name:      "builds_total",
			Help:      "Finished builds by build type and status",
		}, []string{"build_type", "status"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "buildline",
			Name:      "build_duration_seconds",
			Help:      "Wall time from build start to finish",
			Buckets:   durationBuckets,
		}, []string{"build_type", "status"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildline",
			Name:      "dispatch_total",
			Help:      "Agent selection outcomes",
		}, []string{"outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildline",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "status"}),
	}
	r.builds = register(reg, r.builds)
	r.buildDuration = register(reg, r.buildDuration)
	r.dispatch = register(reg, r.dispatch)
	r.requests = register(reg, r.requests)
	return r
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

// BuildFinished records a terminal build.
func (r *Recorder) BuildFinished(buildType, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.builds.WithLabelValues(buildType, status).Inc()
	if d > 0 {
		r.buildDuration.WithLabelValues(buildType, status).Observe(d.Seconds())
	}
}

// Dispatch records an agent selection outcome ("assigned" or "unassigned").
func (r *Recorder) Dispatch(outcome string) {
	if r == nil {
		return
	}
	r.dispatch.WithLabelValues(outcome).Inc()
}

// Instrument counts requests handled by next.
func (r *Recorder) Instrument(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, req)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		r.requests.WithLabelValues(req.Method, strconv.Itoa(status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}
