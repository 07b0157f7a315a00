package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric recorded by the generation engine
type Registry struct {
	// Jobs
	JobsSubmittedTotal *prometheus.CounterVec
	JobsFinishedTotal  *prometheus.CounterVec
	JobDuration        *prometheus.HistogramVec
	JobsInFlight       prometheus.Gauge

	// Stream
	StreamFramesTotal *prometheus.CounterVec

	// Status sink
	StatusDeliveriesTotal *prometheus.CounterVec

	// Artifacts
	ArtifactsTotal *prometheus.CounterVec

	// Uploads
	UploadsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process wide registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	f := promauto.With(r.registry)

	r.JobsSubmittedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygen_jobs_submitted_total",
			Help: "Total number of graphs enqueued on the backend",
		},
		[]string{"workflow"},
	)
	r.JobsFinishedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygen_jobs_finished_total",
			Help: "Total number of generation requests that finished",
		},
		[]string{"workflow", "result"}, // success, error
	)
	r.JobDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfygen_job_duration_seconds",
			Help:    "Wall time from submission to collected images",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"workflow"},
	)
	r.JobsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfygen_jobs_in_flight",
			Help: "Generation requests currently running",
		},
	)
	r.StreamFramesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygen_stream_frames_total",
			Help: "Frames read from the execution stream",
		},
		[]string{"type"}, // executing, malformed, binary, other
	)
	r.StatusDeliveriesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygen_status_deliveries_total",
			Help: "Status updates handed to the status sink",
		},
		[]string{"result"}, // delivered, dropped
	)
	r.ArtifactsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygen_artifacts_total",
			Help: "Output images seen in job history",
		},
		[]string{"result"}, // selected, ignored, fetch_failed, decode_failed
	)
	r.UploadsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfygen_uploads_total",
			Help: "Source images pushed to the backend asset store",
		},
		[]string{"result"}, // ok, rejected, error
	)

	return r
}

// Handler serves the registry in the Prometheus text format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// RecordJob records a finished generation request
func (r *Registry) RecordJob(workflow, result string, duration time.Duration) {
	r.JobsFinishedTotal.WithLabelValues(workflow, result).Inc()
	r.JobDuration.WithLabelValues(workflow).Observe(duration.Seconds())
}

// RecordSubmit records an enqueued graph
func (r *Registry) RecordSubmit(workflow string) {
	r.JobsSubmittedTotal.WithLabelValues(workflow).Inc()
}

// RecordFrame records a frame read from the stream
func (r *Registry) RecordFrame(frameType string) {
	r.StreamFramesTotal.WithLabelValues(frameType).Inc()
}

// RecordDelivery records a status sink delivery attempt
func (r *Registry) RecordDelivery(delivered bool) {
	if delivered {
		r.StatusDeliveriesTotal.WithLabelValues("delivered").Inc()
	} else {
		r.StatusDeliveriesTotal.WithLabelValues("dropped").Inc()
	}
}

// RecordArtifact records how an output image was handled
func (r *Registry) RecordArtifact(result string) {
	r.ArtifactsTotal.WithLabelValues(result).Inc()
}

// RecordUpload records an asset upload
func (r *Registry) RecordUpload(result string) {
	r.UploadsTotal.WithLabelValues(result).Inc()
}
