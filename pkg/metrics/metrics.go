package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "pipeline"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Records = "records"
	Commit  = "commit"
	Lanes   = "lanes"
	Restart = "restart"

	// Commit kinds
	CommitStrict  = "strict"
	CommitSampled = "sampled"
	CommitDiscard = "discard"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple pipeline instances.
type Labels struct {
	Mode          string // Operating mode (e.g., "PipePartitioned")
	Instance      string // Instance index when scaled out (e.g., "0")
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "us-east-1", "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Mode != "" {
		labels["mode"] = l.Mode
	}
	if l.Instance != "" {
		labels["instance_index"] = l.Instance
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	return labels
}

type Metrics struct {
	// Record flow
	recordsReceived    *prometheus.CounterVec // by topic, partition
	recordsProcessed   *prometheus.CounterVec // by status
	processingDuration prometheus.Histogram
	recordsInFlight    prometheus.Gauge
	recordsSent        *prometheus.CounterVec // by status
	publishDuration    prometheus.Histogram
	recordsProduced    *prometheus.CounterVec // by status
	recordErrors       *prometheus.CounterVec // by stage

	// Commits
	commits             *prometheus.CounterVec // by kind, status
	lastCommittedOffset *prometheus.GaugeVec   // by topic, partition
	commitBatchSize     prometheus.Gauge

	// Partition lanes
	activeLanes     prometheus.Gauge
	laneRevocations prometheus.Counter

	// Restart controller
	pipelineStarts prometheus.Counter
	pipelineErrors prometheus.Counter
	restarts       prometheus.Counter
	pipelineState  prometheus.Gauge
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	durationBuckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	m := &Metrics{
		recordsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "received_total",
			Help:      "Total number of records read from the inbound stream by topic and partition",
		}, []string{"topic", "partition"}),
		recordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "processed_total",
			Help:      "Total number of records transformed by status",
		}, []string{"status"}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "processing_duration_seconds",
			Help:      "Time from dispatch to transform completion, including the configured delay",
			Buckets:   durationBuckets,
		}),
		recordsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "in_flight",
			Help:      "Number of records currently being processed",
		}),
		recordsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "sent_total",
			Help:      "Total number of transformed records published downstream by status",
		}, []string{"status"}),
		publishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "publish_duration_seconds",
			Help:      "Time to publish a record and receive its acknowledgement",
			Buckets:   durationBuckets,
		}),
		recordsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "produced_total",
			Help:      "Total number of generated records written in produce mode by status",
		}, []string{"status"}),
		recordErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Records,
			Name:      "errors_total",
			Help:      "Total per-record failures by pipeline stage",
		}, []string{"stage"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Commit,
			Name:      "commits_total",
			Help:      "Total offset commits by kind (strict/sampled/discard) and status",
		}, []string{"kind", "status"}),
		lastCommittedOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Commit,
			Name:      "last_committed_offset",
			Help:      "Offset of the last record acknowledged for each partition",
		}, []string{"topic", "partition"}),
		commitBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Commit,
			Name:      "batch_size",
			Help:      "Number of partitions buffered in the sampled commit batch",
		}),
		activeLanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Lanes,
			Name:      "active",
			Help:      "Number of partition lanes currently running",
		}),
		laneRevocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Lanes,
			Name:      "revocations_total",
			Help:      "Total number of lanes stopped because their partition was revoked",
		}),
		pipelineStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Restart,
			Name:      "starts_total",
			Help:      "Total number of pipeline runs started",
		}),
		pipelineErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Restart,
			Name:      "errors_total",
			Help:      "Total number of pipeline runs that ended with a terminal error",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Restart,
			Name:      "restarts_total",
			Help:      "Total number of scheduled pipeline restarts",
		}),
		pipelineState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Restart,
			Name:      "state",
			Help:      "Restart controller state (0 idle, 1 running, 2 restarting, 3 given up)",
		}),
	}

	err := errors.Join(
		reg.Register(m.recordsReceived),
		reg.Register(m.recordsProcessed),
		reg.Register(m.processingDuration),
		reg.Register(m.recordsInFlight),
		reg.Register(m.recordsSent),
		reg.Register(m.publishDuration),
		reg.Register(m.recordsProduced),
		reg.Register(m.recordErrors),
		reg.Register(m.commits),
		reg.Register(m.lastCommittedOffset),
		reg.Register(m.commitBatchSize),
		reg.Register(m.activeLanes),
		reg.Register(m.laneRevocations),
		reg.Register(m.pipelineStarts),
		reg.Register(m.pipelineErrors),
		reg.Register(m.restarts),
		reg.Register(m.pipelineState),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordReceived increments the received counter for a partition.
func (m *Metrics) RecordReceived(topic string, partition int32) {
	if m == nil {
		return
	}
	m.recordsReceived.WithLabelValues(topic, strconv.Itoa(int(partition))).Inc()
}

// RecordProcessed records a transform outcome with duration.
// Pass nil error for successful processing, non-nil for failures.
func (m *Metrics) RecordProcessed(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.recordsProcessed.WithLabelValues(status(err)).Inc()
	m.processingDuration.Observe(durationSeconds)
}

// IncInFlight increments the in-flight record gauge.
func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.recordsInFlight.Inc()
}

// DecInFlight decrements the in-flight record gauge.
func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.recordsInFlight.Dec()
}

// RecordSent records a publish outcome with duration.
func (m *Metrics) RecordSent(err error, durationSeconds float64) {
	if m == nil {
		return
	}
	m.recordsSent.WithLabelValues(status(err)).Inc()
	m.publishDuration.Observe(durationSeconds)
}

// RecordProduced records a produce-mode write outcome.
func (m *Metrics) RecordProduced(err error) {
	if m == nil {
		return
	}
	m.recordsProduced.WithLabelValues(status(err)).Inc()
}

// RecordError counts a per-record failure at stage.
func (m *Metrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.recordErrors.WithLabelValues(stage).Inc()
}

// RecordCommit records an acknowledge attempt of the given kind. The last
// committed offset gauge only moves on success.
func (m *Metrics) RecordCommit(kind, topic string, partition int32, offset int64, err error) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(kind, status(err)).Inc()
	if err == nil {
		m.lastCommittedOffset.WithLabelValues(topic, strconv.Itoa(int(partition))).Set(float64(offset))
	}
}

// SetCommitBatchSize sets the number of partitions buffered for a sampled flush.
func (m *Metrics) SetCommitBatchSize(n int) {
	if m == nil {
		return
	}
	m.commitBatchSize.Set(float64(n))
}

// SetActiveLanes sets the number of running partition lanes.
func (m *Metrics) SetActiveLanes(n int) {
	if m == nil {
		return
	}
	m.activeLanes.Set(float64(n))
}

// AddLaneRevocations counts lanes stopped by a rebalance.
func (m *Metrics) AddLaneRevocations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.laneRevocations.Add(float64(n))
}

// IncPipelineStart counts a pipeline run starting.
func (m *Metrics) IncPipelineStart() {
	if m == nil {
		return
	}
	m.pipelineStarts.Inc()
}

// IncPipelineError counts a pipeline run ending with a terminal error.
func (m *Metrics) IncPipelineError() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
}

// IncRestart counts a scheduled restart.
func (m *Metrics) IncRestart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// SetPipelineState sets the restart controller state gauge.
func (m *Metrics) SetPipelineState(state int) {
	if m == nil {
		return
	}
	m.pipelineState.Set(float64(state))
}
