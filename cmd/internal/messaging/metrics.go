package messaging

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricMessagesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snippix_messages_appended_total",
		Help: "Messages durably appended (excludes client_msg_id duplicates)",
	})
	metricDuplicateSends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snippix_duplicate_sends_total",
		Help: "Send requests deduplicated by client_msg_id",
	})
	metricStatusTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "snippix_status_transitions_total",
		Help: "Applied delivery-status transitions",
	}, []string{"status"})
	metricAppendRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snippix_append_retries_total",
		Help: "Append attempts retried after a transient store failure",
	})
	metricActiveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snippix_active_subscribers",
		Help: "Live conversation subscriptions",
	})
	metricDroppedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "snippix_dropped_events_total",
		Help: "Events dropped by slow subscribers (drop-oldest policy)",
	})
	metricActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "snippix_ws_active_connections",
		Help: "Active websocket connections",
	})
)

var metricsOnce sync.Once

// RegisterMetrics registers the messaging collectors with the default
// Prometheus registry. Safe to call more than once.
func RegisterMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			metricMessagesAppended,
			metricDuplicateSends,
			metricStatusTransitions,
			metricAppendRetries,
			metricActiveSubscribers,
			metricDroppedEvents,
			metricActiveConnections,
		)
	})
}
