// Package metrics exposes pipeline counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cctv"

// Metrics holds all collectors of the pipeline.
type Metrics struct {
	FramesCaptured  *prometheus.CounterVec
	FramesEncrypted *prometheus.CounterVec
	FramesRejected  *prometheus.CounterVec
	CaptureErrors   *prometheus.CounterVec
	ChunksSealed    *prometheus.CounterVec
	ChunksStored    *prometheus.CounterVec
	ChunksSpooled   *prometheus.CounterVec
	ChunkBytes      *prometheus.HistogramVec
	ActiveStreams   prometheus.Gauge

	UploadAttempts *prometheus.CounterVec
	UploadBytes    *prometheus.CounterVec
	Retrievals     *prometheus.CounterVec

	FramesRecovered *prometheus.CounterVec
	FramesSkipped   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// registers with a private registry, which keeps tests and repeated
// pipelines in one process apart.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesCaptured: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Frames read from capture sources.",
		}, []string{"stream"}),
		FramesEncrypted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_encrypted_total",
			Help:      "Frames sealed into records, by cipher.",
		}, []string{"stream", "cipher"}),
		FramesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames that could not be sealed or appended.",
		}, []string{"stream"}),
		CaptureErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_errors_total",
			Help:      "Capture sources that ended with an error or panic.",
		}, []string{"stream"}),
		ChunksSealed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_sealed_total",
			Help:      "Chunks sealed and handed to delivery.",
		}, []string{"stream"}),
		ChunksStored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_stored_total",
			Help:      "Chunks stored and recorded in the ledger.",
		}, []string{"stream"}),
		ChunksSpooled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_left_in_spool_total",
			Help:      "Chunks whose upload failed and that wait in the spool.",
		}, []string{"stream"}),
		ChunkBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_size_bytes",
			Help:      "Size of sealed chunks.",
			Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8),
		}, []string{"stream"}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Stream workers currently running.",
		}),
		UploadAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Upload attempts per endpoint and result.",
		}, []string{"endpoint", "result"}),
		UploadBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes successfully uploaded.",
		}, []string{"endpoint"}),
		Retrievals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrievals_total",
			Help:      "Download attempts per endpoint and result.",
		}, []string{"endpoint", "result"}),
		FramesRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_recovered_total",
			Help:      "Frames decrypted and decoded during reconstruction, by cipher.",
		}, []string{"cipher"}),
		FramesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frames dropped during reconstruction, by reason.",
		}, []string{"reason"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveUpload records one upload attempt.
func (m *Metrics) ObserveUpload(endpoint string, bytes int, err error) {
	m.UploadAttempts.WithLabelValues(endpoint, result(err)).Inc()
	if err == nil {
		m.UploadBytes.WithLabelValues(endpoint).Add(float64(bytes))
	}
}

// ObserveRetrieval records one download attempt.
func (m *Metrics) ObserveRetrieval(endpoint string, err error) {
	m.Retrievals.WithLabelValues(endpoint, result(err)).Inc()
}
