package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbus",
			Subsystem: "transport",
			Name:      "messages_total",
			Help:      "Transport messages by direction and wire mode.",
		},
		[]string{"direction", "mode"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sandbus",
			Subsystem: "transport",
			Name:      "dispatch_duration_seconds",
			Help:      "Command dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
	openConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sandbus",
			Subsystem: "transport",
			Name:      "open_connections",
			Help:      "Currently open peer connections.",
		},
	)
	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbus",
			Subsystem: "transport",
			Name:      "broadcasts_total",
			Help:      "Broadcast pushes by kind (event, render).",
		},
		[]string{"kind"},
	)
	dispatchErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sandbus",
			Subsystem: "transport",
			Name:      "dispatch_errors_total",
			Help:      "Dispatch failures by reason.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(messages, dispatchDuration, openConnections, broadcasts, dispatchErrors)
	})
}

func RecordMessage(direction, mode string) {
	RegisterMetrics()
	messages.WithLabelValues(direction, mode).Inc()
}

func RecordDispatch(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	dispatchDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

func RecordDispatchError(reason string) {
	RegisterMetrics()
	dispatchErrors.WithLabelValues(reason).Inc()
}

func RecordBroadcast(kind string) {
	RegisterMetrics()
	broadcasts.WithLabelValues(kind).Inc()
}

func ConnectionOpened() {
	RegisterMetrics()
	openConnections.Inc()
}

func ConnectionClosed() {
	RegisterMetrics()
	openConnections.Dec()
}
