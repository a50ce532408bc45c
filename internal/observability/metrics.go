package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gamewire",
			Name:      "sessions_active",
			Help:      "Currently open sessions.",
		},
	)
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Name:      "sessions_closed_total",
			Help:      "Closed sessions by close reason.",
		},
		[]string{"reason"},
	)
	framesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Name:      "frames_decoded_total",
			Help:      "Inbound frames decoded into messages.",
		},
		[]string{"message"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Name:      "frame_errors_total",
			Help:      "Inbound frame failures by kind.",
		},
		[]string{"kind", "fatal"},
	)
	framesEncoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Name:      "frames_encoded_total",
			Help:      "Outbound frames queued for write.",
		},
		[]string{"message"},
	)
	sendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Name:      "send_failures_total",
			Help:      "Outbound messages dropped by kind.",
		},
		[]string{"kind"},
	)
	dispatchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Name:      "dispatch_failures_total",
			Help:      "Consumer callbacks that returned an error or panicked.",
		},
	)
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "gamewire",
			Name:      "dispatch_duration_seconds",
			Help:      "Consumer callback duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewire",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsActive,
			sessionsTotal,
			framesDecoded,
			frameErrors,
			framesEncoded,
			sendFailures,
			dispatchFailures,
			dispatchDuration,
			httpRequests,
		)
	})
}

func SessionOpened() {
	RegisterMetrics()
	sessionsActive.Inc()
}

func SessionClosed(reason string) {
	RegisterMetrics()
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(reason).Inc()
}

func RecordFrameDecoded(message string) {
	RegisterMetrics()
	framesDecoded.WithLabelValues(message).Inc()
}

func RecordFrameError(kind string, fatal bool) {
	RegisterMetrics()
	frameErrors.WithLabelValues(kind, strconv.FormatBool(fatal)).Inc()
}

func RecordFrameEncoded(message string) {
	RegisterMetrics()
	framesEncoded.WithLabelValues(message).Inc()
}

func RecordSendFailure(kind string) {
	RegisterMetrics()
	sendFailures.WithLabelValues(kind).Inc()
}

func RecordDispatch(duration time.Duration, failed bool) {
	RegisterMetrics()
	dispatchDuration.Observe(duration.Seconds())
	if failed {
		dispatchFailures.Inc()
	}
}

func RecordHTTPRequest(method, path string, status int) {
	RegisterMetrics()
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
