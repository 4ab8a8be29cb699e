package health

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports check results as prometheus series.
type Metrics struct {
	status   *prometheus.GaugeVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the health collectors on reg, reusing collectors that
// are already registered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	status := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "apphost",
			Subsystem: "health",
			Name:      "check_status",
			Help:      "Status of the health check: 0 - unhealthy; 1 - degraded; 2 - healthy",
		},
		[]string{"check"},
	)
	duration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apphost",
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Duration of health check runs",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"check"},
	)

	var err error
	if status, err = register(reg, status); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}

	return &Metrics{status: status, duration: duration}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Observe records entry for the named check.
func (m *Metrics) Observe(name string, entry Entry) {
	m.status.WithLabelValues(name).Set(float64(entry.Status))
	m.duration.WithLabelValues(name).Observe(entry.Duration.Seconds())
}
