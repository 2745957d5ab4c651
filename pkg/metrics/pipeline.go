package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics records the bulk ingestion pipeline counters.
type PipelineMetrics struct {
	batchesAccepted  prometheus.Counter
	chunksConsumed   *prometheus.CounterVec
	recordsProcessed *prometheus.CounterVec
	retries          prometheus.Counter
	dltPublished     *prometheus.CounterVec
	chunkDuration    prometheus.Histogram
	uploadRecords    prometheus.Histogram
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}

	batchesAccepted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulk_batches_accepted_total",
		Help: "Accepted bulk submissions.",
	})
	chunksConsumed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_chunks_consumed_total",
		Help: "Consumed chunks by result.",
	}, []string{"result"})
	recordsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_records_processed_total",
		Help: "Processed records by outcome.",
	}, []string{"outcome"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bulk_chunk_retries_total",
		Help: "Chunk delivery retries.",
	})
	dltPublished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bulk_dlt_published_total",
		Help: "Messages routed to the dead letter topic by error code.",
	}, []string{"error_code"})
	chunkDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulk_chunk_duration_seconds",
		Help:    "Chunk processing duration in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	uploadRecords := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bulk_upload_records",
		Help:    "Accepted records per submission.",
		Buckets: prometheus.ExponentialBuckets(10, 4, 7),
	})

	reg.MustRegister(batchesAccepted, chunksConsumed, recordsProcessed, retries, dltPublished, chunkDuration, uploadRecords)
	return &PipelineMetrics{
		batchesAccepted:  batchesAccepted,
		chunksConsumed:   chunksConsumed,
		recordsProcessed: recordsProcessed,
		retries:          retries,
		dltPublished:     dltPublished,
		chunkDuration:    chunkDuration,
		uploadRecords:    uploadRecords,
	}
}

// IncBatchAccepted counts an accepted submission and its record volume.
func (p *PipelineMetrics) IncBatchAccepted(totalRecords int) {
	if p == nil || p.batchesAccepted == nil {
		return
	}
	p.batchesAccepted.Inc()
	p.uploadRecords.Observe(float64(totalRecords))
}

// IncChunkConsumed counts a consumed chunk with its result label.
func (p *PipelineMetrics) IncChunkConsumed(result string) {
	if p == nil || p.chunksConsumed == nil {
		return
	}
	p.chunksConsumed.WithLabelValues(normalizeLabel(result)).Inc()
}

// IncRecordOutcome counts one record outcome (success, failure, skipped).
func (p *PipelineMetrics) IncRecordOutcome(outcome string) {
	if p == nil || p.recordsProcessed == nil {
		return
	}
	p.recordsProcessed.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// IncRetry counts a scheduled chunk redelivery.
func (p *PipelineMetrics) IncRetry() {
	if p == nil || p.retries == nil {
		return
	}
	p.retries.Inc()
}

// IncDLTPublished counts a message routed to the dead letter topic.
func (p *PipelineMetrics) IncDLTPublished(errorCode string) {
	if p == nil || p.dltPublished == nil {
		return
	}
	p.dltPublished.WithLabelValues(normalizeLabel(errorCode)).Inc()
}

// ObserveChunkDuration records how long one chunk took end to end.
func (p *PipelineMetrics) ObserveChunkDuration(duration time.Duration) {
	if p == nil || p.chunkDuration == nil {
		return
	}
	p.chunkDuration.Observe(duration.Seconds())
}
