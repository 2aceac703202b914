package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waterwatch"

// Alert results
const (
	AlertCreated    = "created"
	AlertReinforced = "reinforced"
	AlertSuppressed = "suppressed"
	AlertDropped    = "dropped"
)

// Notification results
const (
	NotificationSent           = "sent"
	NotificationRetried        = "retried"
	NotificationAbandoned      = "abandoned"
	NotificationQueueDropped   = "queue_dropped"
	NotificationBreakerBlocked = "breaker_blocked"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	eventsReceived   *prometheus.CounterVec
	readingsRejected *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	alerts           *prometheus.CounterVec
	deviceWrites     *prometheus.CounterVec
	deviceWriteErrs  prometheus.Counter
	devicesOffline   prometheus.Counter
	notifications    *prometheus.CounterVec
	breakerOpens     prometheus.Counter
	queueDepth       prometheus.Gauge
	dedupEvictions   prometheus.Counter
	backpressure     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events by kind.",
		}, []string{"kind"}),
		readingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_rejected_total",
			Help:      "Readings rejected by the validator, by reason.",
		}, []string{"reason"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_outcomes_total",
			Help:      "Terminal states reached by processed events.",
		}, []string{"outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alert attempts by result.",
		}, []string{"result", "severity"}),
		deviceWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_status_writes_total",
			Help:      "Persisted device status writes by status.",
		}, []string{"status"}),
		deviceWriteErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_status_write_errors_total",
			Help:      "Device status writes that failed after retries.",
		}),
		devicesOffline: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_marked_offline_total",
			Help:      "Devices moved to offline by the sweep.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification tasks by result.",
		}, []string{"result"}),
		breakerOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_breaker_opens_total",
			Help:      "Times the notification circuit breaker opened.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notify_queue_depth",
			Help:      "Notification tasks waiting in the dispatch queue.",
		}),
		dedupEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_evictions_total",
			Help:      "Dedup cache entries evicted for capacity.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_backpressure_total",
			Help:      "Events refused because the inbound channel was full.",
		}),
	}

	registerer.MustRegister(
		m.eventsReceived,
		m.readingsRejected,
		m.outcomes,
		m.alerts,
		m.deviceWrites,
		m.deviceWriteErrs,
		m.devicesOffline,
		m.notifications,
		m.breakerOpens,
		m.queueDepth,
		m.dedupEvictions,
		m.backpressure,
	)
	return m
}

func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) ReadingRejected(reason string) {
	if m == nil {
		return
	}
	m.readingsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Alert(result, severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(result, severity).Inc()
}

func (m *Metrics) DeviceWrite(status string) {
	if m == nil {
		return
	}
	m.deviceWrites.WithLabelValues(status).Inc()
}

func (m *Metrics) DeviceWriteFailed() {
	if m == nil {
		return
	}
	m.deviceWriteErrs.Inc()
}

func (m *Metrics) DeviceOffline() {
	if m == nil {
		return
	}
	m.devicesOffline.Inc()
}

func (m *Metrics) Notification(result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) BreakerOpened() {
	if m == nil {
		return
	}
	m.breakerOpens.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) DedupEvicted() {
	if m == nil {
		return
	}
	m.dedupEvictions.Inc()
}

func (m *Metrics) Backpressure() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}
