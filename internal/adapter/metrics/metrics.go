package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "logpipe"

// PipelineMetrics holds all Prometheus metrics for the ingestion pipeline.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	EventsEnqueued  prometheus.Counter
	EventsDropped   prometheus.Counter
	BufferPending   prometheus.Gauge
	BatchesFlushed  *prometheus.CounterVec
	BatchSize       prometheus.Histogram
	PublishTotal    *prometheus.CounterVec
	PublishDuration prometheus.Histogram
	IngestRequests  *prometheus.CounterVec
	RowsWritten     *prometheus.CounterVec
	WriterBatches   *prometheus.CounterVec
	WriterRetries   prometheus.Counter
	WriterDuration  *prometheus.HistogramVec
	RecordsRead     prometheus.Counter
}

// NewPipelineMetrics creates the metrics and registers them with reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	f := promauto.With(reg)
	return &PipelineMetrics{
		EventsEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "events_enqueued_total",
			Help:      "Total number of events appended to the buffer.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "events_dropped_total",
			Help:      "Events enqueued after the buffer was closed.",
		}),
		BufferPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "pending_events",
			Help:      "Events currently buffered and not yet flushed.",
		}),
		BatchesFlushed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "batches_flushed_total",
			Help:      "Total number of batches emitted by trigger.",
		}, []string{"trigger"}), // trigger: size, timer, shutdown, manual
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "batch_size_events",
			Help:      "Number of events per emitted batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		PublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "publish_total",
			Help:      "Total number of batch publishes by status.",
		}, []string{"status"}), // status: ok, error
		PublishDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "publish_duration_seconds",
			Help:      "Time to publish one batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		IngestRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_total",
			Help:      "Total number of events received by ingress by status.",
		}, []string{"status"}), // status: accepted, invalid
		RowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "rows_total",
			Help:      "Rows handled by the persistence writer by outcome.",
		}, []string{"outcome"}), // outcome: inserted, already_exists
		WriterBatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "batches_total",
			Help:      "Batches handled by the persistence writer by outcome.",
		}, []string{"outcome"}), // outcome: ok, transient, fatal
		WriterRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "retries_total",
			Help:      "Batch write retries after transient store errors.",
		}),
		WriterDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "write_duration_seconds",
			Help:      "Time to write one batch by strategy.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"strategy"}),
		RecordsRead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "writer",
			Name:      "records_read_total",
			Help:      "Stream records read by the writer, including redeliveries.",
		}),
	}
}
