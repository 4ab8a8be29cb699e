package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Observe("influxdb_check", Entry{Status: Healthy, Duration: 15 * time.Millisecond})
	assert.Equal(t, float64(Healthy), testutil.ToFloat64(m.status.WithLabelValues("influxdb_check")))

	m.Observe("influxdb_check", Entry{Status: Unhealthy})
	assert.Equal(t, float64(Unhealthy), testutil.ToFloat64(m.status.WithLabelValues("influxdb_check")))
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)

	second, err := NewMetrics(reg)
	require.NoError(t, err)

	first.Observe("a", Entry{Status: Degraded})
	assert.Equal(t, float64(Degraded), testutil.ToFloat64(second.status.WithLabelValues("a")))
}
