package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Partition ownership metrics
	PartitionsOwned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_partitions_owned",
			Help: "Number of partitions currently owned by this worker",
		},
	)

	PartitionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_partitions_total",
			Help: "Total number of partitions in the cluster",
		},
	)

	PartitionsUnassigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_partitions_unassigned",
			Help: "Number of partitions observed as unassigned on the last checkin",
		},
	)

	WorkersLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_workers_live",
			Help: "Number of live workers observed on the last checkin",
		},
	)

	// Checkin/loop metrics
	CheckinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_checkins_total",
			Help: "Total number of checkin cycles performed",
		},
	)

	CheckinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_checkin_duration_seconds",
			Help:    "Time taken by a single checkin cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	MessagesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_messages_processed_total",
			Help: "Total number of messages delivered to the sink",
		},
	)

	// Direct transfer metrics
	DirectTransfersRequested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_direct_transfers_requested_total",
			Help: "Total number of direct transfer requests issued",
		},
	)

	DirectTransfersGranted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_direct_transfers_granted_total",
			Help: "Total number of direct transfer requests granted by a recipient",
		},
	)

	DirectTransfersTimedOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_direct_transfers_timed_out_total",
			Help: "Total number of direct transfer requests that timed out unanswered",
		},
	)

	// Group transfer metrics
	GroupTransfersRequested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_group_transfers_requested_total",
			Help: "Total number of group transfer requests issued",
		},
	)

	GroupTransfersWon = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_group_transfers_won_total",
			Help: "Total number of group transfer requests that won consensus",
		},
	)

	GroupTransfersWithdrawn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_group_transfers_withdrawn_total",
			Help: "Total number of group transfer requests withdrawn after losing a tie-break",
		},
	)

	// Registry metrics
	DeadPeersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_dead_peers_reaped_total",
			Help: "Total number of dead peers reclaimed by this worker",
		},
	)

	// Strict mode metrics
	StrictModePartitions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_strict_mode_partitions",
			Help: "Number of partitions currently running in strict (CAS) mode",
		},
	)

	CASConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_cas_conflicts_total",
			Help: "Total number of compare-and-swap conflicts observed in strict mode",
		},
	)

	PartitionsPaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_partitions_paused",
			Help: "Number of partitions currently paused after a CAS conflict",
		},
	)

	// Store-backed operation metrics. The only observation is op="checkin",
	// timing a whole checkin; individual store client calls are not timed.
	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_store_op_duration_seconds",
			Help:    "Duration of store-backed coordinator operations by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(PartitionsOwned)
	prometheus.MustRegister(PartitionsTotal)
	prometheus.MustRegister(PartitionsUnassigned)
	prometheus.MustRegister(WorkersLive)
	prometheus.MustRegister(CheckinsTotal)
	prometheus.MustRegister(CheckinDuration)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(DirectTransfersRequested)
	prometheus.MustRegister(DirectTransfersGranted)
	prometheus.MustRegister(DirectTransfersTimedOut)
	prometheus.MustRegister(GroupTransfersRequested)
	prometheus.MustRegister(GroupTransfersWon)
	prometheus.MustRegister(GroupTransfersWithdrawn)
	prometheus.MustRegister(DeadPeersReaped)
	prometheus.MustRegister(StrictModePartitions)
	prometheus.MustRegister(CASConflictsTotal)
	prometheus.MustRegister(PartitionsPaused)
	prometheus.MustRegister(StoreOpDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
