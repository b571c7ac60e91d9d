// Package metrics holds the prometheus instrumentation surface for a
// running Replicator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every prometheus metric a Replicator and its adapters
// report.
type Metrics struct {
	PushLatency prometheus.Histogram
	PullLatency prometheus.Histogram

	MessagesPushed   prometheus.Counter
	MessagesPulled   prometheus.Counter
	PushBatchesTotal *prometheus.CounterVec // result=full|partial|failed

	QueueDepth prometheus.Gauge

	MergeDecisions *prometheus.CounterVec // result=applied|skipped

	HLCDrift        prometheus.Histogram
	DriftRejections prometheus.Counter

	DisposedOpsTotal prometheus.Counter

	ChangeEventsEmitted  *prometheus.CounterVec // source=local|server
	SubscriberDropsTotal prometheus.Counter
}

// New creates and registers the metrics under namespace (e.g. "talon").
func New(namespace string) *Metrics {
	return &Metrics{
		PushLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_latency_seconds",
			Help:      "Latency of a push (sync_to_server) call",
			Buckets:   prometheus.DefBuckets,
		}),
		PullLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pull_latency_seconds",
			Help:      "Latency of a pull (sync_from_server) call",
			Buckets:   prometheus.DefBuckets,
		}),
		MessagesPushed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_pushed_total",
			Help:      "Total messages accepted by the remote store on push",
		}),
		MessagesPulled: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_pulled_total",
			Help:      "Total messages pulled from the remote store",
		}),
		PushBatchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_batches_total",
			Help:      "Total push batches by outcome",
		}, []string{"result"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unsynced_queue_depth",
			Help:      "Number of messages awaiting push as of the last push attempt",
		}),
		MergeDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_decisions_total",
			Help:      "Total merge engine decisions by outcome",
		}, []string{"result"}),
		HLCDrift: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hlc_drift_milliseconds",
			Help:      "Observed drift of incoming remote HLCs ahead of wall clock",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		DriftRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hlc_drift_rejections_total",
			Help:      "Total remote messages rejected for exceeding max_drift",
		}),
		DisposedOpsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disposed_ops_total",
			Help:      "Total operations attempted against a disposed Replicator",
		}),
		ChangeEventsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Total change-stream events emitted by source",
		}, []string{"source"}),
		SubscriberDropsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_stream_subscriber_drops_total",
			Help:      "Total change events dropped because a subscriber's queue was full",
		}),
	}
}
