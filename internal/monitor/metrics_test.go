package monitor

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.EventReceived("reading")
	m.EventReceived("reading")
	m.ReadingRejected("sensor_invalid")
	m.Alert(AlertCreated, "critical")
	m.Alert(AlertReinforced, "critical")
	m.Notification(NotificationSent)
	m.Notification(NotificationAbandoned)
	m.DeviceWrite("online")
	m.DeviceOffline()
	m.BreakerOpened()
	m.SetQueueDepth(7)
	m.Backpressure()
	m.DedupEvicted()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("reading")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.readingsRejected.WithLabelValues("sensor_invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues(AlertCreated, "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues(NotificationAbandoned)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.devicesOffline))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerOpens))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.EventReceived("reading")
		m.Alert(AlertDropped, "warning")
		m.SetQueueDepth(3)
		m.Notification(NotificationSent)
	})
}
