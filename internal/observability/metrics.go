package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fieldctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commitResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldctl",
			Subsystem: "commit",
			Name:      "results_total",
			Help:      "Commit protocol outcomes by rejection reason (empty for accepted).",
		},
		[]string{"node", "accepted", "reason"},
	)
	votesCollected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldctl",
			Subsystem: "commit",
			Name:      "votes_total",
			Help:      "Verification votes collected.",
		},
		[]string{"node", "vote"},
	)
	decodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldctl",
			Subsystem: "channel",
			Name:      "decode_failures_total",
			Help:      "Packet decodes rejected by integrity checks.",
		},
		[]string{"node", "channel"},
	)
	deltasApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldctl",
			Subsystem: "sync",
			Name:      "deltas_applied_total",
			Help:      "Replicated deltas applied to the local field.",
		},
		[]string{"node"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldctl",
			Subsystem: "sync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts by result.",
		},
		[]string{"node", "result"},
	)
	fieldEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fieldctl",
			Subsystem: "field",
			Name:      "entries",
			Help:      "Entries currently in the field.",
		},
		[]string{"node"},
	)
	fieldWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fieldctl",
			Subsystem: "field",
			Name:      "total_weight",
			Help:      "Sum of composite entry weights.",
		},
		[]string{"node"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commitResults, votesCollected,
			decodeFailures,
			deltasApplied, reconnectAttempts,
			fieldEntries, fieldWeight,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommitResult(node string, accepted bool, reason string) {
	RegisterMetrics()
	commitResults.WithLabelValues(node, strconv.FormatBool(accepted), reason).Inc()
}

func RecordVote(node string, accept bool) {
	RegisterMetrics()
	votesCollected.WithLabelValues(node, strconv.FormatBool(accept)).Inc()
}

func RecordDecodeFailure(node, channel string) {
	RegisterMetrics()
	decodeFailures.WithLabelValues(node, channel).Inc()
}

func RecordDeltasApplied(node string, count int) {
	RegisterMetrics()
	deltasApplied.WithLabelValues(node).Add(float64(count))
}

func RecordReconnectAttempt(node, result string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(node, result).Inc()
}

func SetFieldStats(node string, entries int, totalWeight float64) {
	RegisterMetrics()
	fieldEntries.WithLabelValues(node).Set(float64(entries))
	fieldWeight.WithLabelValues(node).Set(totalWeight)
}
