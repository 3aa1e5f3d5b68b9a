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
			Namespace: "termbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "termbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	clientOffers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "client",
			Name:      "offers_total",
			Help:      "Offer attempts by result status.",
		},
		[]string{"status"},
	)
	clientFragments = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "client",
			Name:      "fragments_total",
			Help:      "Reassembled messages delivered to subscription handlers.",
		},
	)
	clientImages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "client",
			Name:      "images_total",
			Help:      "Image lifecycle transitions observed by the client conductor.",
		},
		[]string{"event"},
	)
	clientCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "client",
			Name:      "commands_total",
			Help:      "Driver commands resolved by the client conductor.",
		},
		[]string{"kind", "outcome"},
	)
	conductorDuty = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "termbus",
			Subsystem: "conductor",
			Name:      "duty_cycle_seconds",
			Help:      "Duration of conductor duty cycles that performed work.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"role"},
	)
	driverCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "termbus",
			Subsystem: "driver",
			Name:      "commands_total",
			Help:      "Commands processed by the embedded driver.",
		},
		[]string{"type", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			clientOffers,
			clientFragments,
			clientImages,
			clientCommands,
			conductorDuty,
			driverCommands,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordOffer(status string) {
	RegisterMetrics()
	clientOffers.WithLabelValues(status).Inc()
}

func RecordFragments(n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	clientFragments.Add(float64(n))
}

func RecordImageEvent(event string) {
	RegisterMetrics()
	clientImages.WithLabelValues(event).Inc()
}

func RecordClientCommand(kind, outcome string) {
	RegisterMetrics()
	clientCommands.WithLabelValues(kind, outcome).Inc()
}

func RecordDriverCommand(msgType, outcome string) {
	RegisterMetrics()
	driverCommands.WithLabelValues(msgType, outcome).Inc()
}

func ObserveDutyCycle(role string, duration time.Duration) {
	RegisterMetrics()
	conductorDuty.WithLabelValues(role).Observe(duration.Seconds())
}
