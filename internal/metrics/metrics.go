// Package metrics exposes the Prometheus instruments of the pose publisher.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	samplesPublished prometheus.Counter
	decodeErrors     prometheus.Counter
	publishErrors    prometheus.Counter
	sessionStarts    *prometheus.CounterVec
	restarts         prometheus.Counter
	configChanges    *prometheus.CounterVec
	sessionSeconds   prometheus.Histogram
	generation       prometheus.Gauge
	state            *prometheus.GaugeVec
	tracking         prometheus.Gauge
}

// States reported by the state gauge.
var States = []string{"idle", "running", "stopping"}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		samplesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectacle_samples_published_total",
			Help: "Total number of poses published to the bus",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectacle_sample_decode_errors_total",
			Help: "Total number of VIO output records that could not be decoded",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectacle_publish_errors_total",
			Help: "Total number of failed pose publishes",
		}),
		sessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spectacle_session_starts_total",
			Help: "Total number of VIO session start attempts",
		}, []string{"result"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spectacle_session_restarts_total",
			Help: "Total number of session restarts caused by configuration changes",
		}),
		configChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spectacle_config_changes_total",
			Help: "Total number of configuration change notifications",
		}, []string{"result"}),
		sessionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spectacle_session_duration_seconds",
			Help:    "Lifetime of VIO sessions",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600},
		}),
		generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spectacle_worker_generation",
			Help: "Generation id of the current session worker",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spectacle_manager_state",
			Help: "Lifecycle manager state, 1 for the current state",
		}, []string{"state"}),
		tracking: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spectacle_tracking",
			Help: "1 while the VIO engine reports tracking",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.samplesPublished,
			m.decodeErrors,
			m.publishErrors,
			m.sessionStarts,
			m.restarts,
			m.configChanges,
			m.sessionSeconds,
			m.generation,
			m.state,
			m.tracking,
		)
	}
	return m
}

func (m *Metrics) SamplePublished(tracking bool) {
	if m == nil {
		return
	}
	m.samplesPublished.Inc()
	if tracking {
		m.tracking.Set(1)
	} else {
		m.tracking.Set(0)
	}
}

func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) PublishError() {
	if m == nil {
		return
	}
	m.publishErrors.Inc()
}

// SessionStarted records a start attempt; result is "ok" or the failing
// stage.
func (m *Metrics) SessionStarted(result string) {
	if m == nil {
		return
	}
	m.sessionStarts.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.sessionSeconds.Observe(d.Seconds())
}

func (m *Metrics) Restart() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// ConfigChange records a change notification; result is "applied",
// "unchanged", "rejected" or "unsupported".
func (m *Metrics) ConfigChange(result string) {
	if m == nil {
		return
	}
	m.configChanges.WithLabelValues(result).Inc()
}

// Transition records the manager state and current generation.
func (m *Metrics) Transition(state string, gen uint64) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
	m.generation.Set(float64(gen))
}
