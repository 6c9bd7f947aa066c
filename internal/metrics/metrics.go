// Package metrics provides Prometheus metrics for the loam server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loam_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Staging metrics
	scansTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_scans_total",
			Help: "Total directory scans served",
		},
	)

	// Ingestion metrics
	ingestRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "loam_ingest_running",
			Help: "1 while an ingestion job is in flight",
		},
	)

	ingestJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_ingest_jobs_total",
			Help: "Total ingestion jobs by outcome",
		},
		[]string{"outcome"},
	)

	ingestJobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loam_ingest_job_duration_seconds",
			Help:    "Wall time of ingestion jobs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	documentsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_documents_ingested_total",
			Help: "Total documents written to knowledge bases",
		},
	)

	chunksIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_chunks_ingested_total",
			Help: "Total chunks embedded and stored",
		},
	)

	embedFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_embed_failures_total",
			Help: "Total chunks that could not be embedded",
		},
	)

	framesEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_inspection_frames_total",
			Help: "Total inspection frames pushed to the buffer",
		},
	)

	framesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loam_inspection_frames_dropped_total",
			Help: "Frames evicted from the buffer before a client drained them",
		},
	)

	// Search metrics
	searchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loam_search_requests_total",
			Help: "Total search requests by retrieval mode",
		},
		[]string{"mode"},
	)

	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loam_search_duration_seconds",
			Help:    "Search request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScan records one served directory scan.
func RecordScan() {
	scansTotal.Inc()
}

// SetIngestRunning flips the running-job gauge.
func SetIngestRunning(running bool) {
	if running {
		ingestRunning.Set(1)
	} else {
		ingestRunning.Set(0)
	}
}

// RecordIngestJob records one finished ingestion job.
// outcome is "success", "failed", or "cancelled".
func RecordIngestJob(outcome string, duration time.Duration) {
	ingestJobsTotal.WithLabelValues(outcome).Inc()
	ingestJobDuration.Observe(duration.Seconds())
}

// RecordEmbedFailure records a chunk whose embedding definitively failed.
func RecordEmbedFailure() {
	embedFailuresTotal.Inc()
}

// RecordDocumentIngested records a stored document and its chunk count.
func RecordDocumentIngested(chunks int) {
	documentsIngested.Inc()
	chunksIngested.Add(float64(chunks))
}

// RecordFrameEmitted records an inspection frame push.
func RecordFrameEmitted() {
	framesEmitted.Inc()
}

// RecordFrameDropped records a frame evicted before any client saw it.
func RecordFrameDropped() {
	framesDropped.Inc()
}

// RecordSearch records a search request. mode is "hybrid" or
// "lexical_only" (query embedding unavailable).
func RecordSearch(mode string, duration time.Duration) {
	searchRequestsTotal.WithLabelValues(mode).Inc()
	searchDuration.Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
