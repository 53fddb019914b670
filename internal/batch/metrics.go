package batch

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the batch pipeline to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	mu         sync.Mutex
	registered bool

	receivedTotal    prometheus.Counter
	writtenTotal     prometheus.Counter
	quarantinedTotal *prometheus.CounterVec
	rotationsTotal   *prometheus.CounterVec
	currentReceived  prometheus.Gauge
	currentWritten   prometheus.Gauge
	rotationDuration prometheus.Histogram
}

func batchOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{
		Namespace: "outbound",
		Subsystem: "batch",
		Name:      name,
		Help:      help,
	}
}

// NewMetrics creates the collectors. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		receivedTotal:    prometheus.NewCounter(prometheus.CounterOpts(batchOpts("received_total", "Records that reached the transform stage"))),
		writtenTotal:     prometheus.NewCounter(prometheus.CounterOpts(batchOpts("written_total", "Rows appended to the working file"))),
		quarantinedTotal: prometheus.NewCounterVec(prometheus.CounterOpts(batchOpts("quarantined_total", "Records written to the quarantine directory")), []string{"kind"}),
		rotationsTotal:   prometheus.NewCounterVec(prometheus.CounterOpts(batchOpts("rotations_total", "End-of-batch rotations by result")), []string{"result"}),
		currentReceived:  prometheus.NewGauge(prometheus.GaugeOpts(batchOpts("current_received", "Received counter of the open batch"))),
		currentWritten:   prometheus.NewGauge(prometheus.GaugeOpts(batchOpts("current_written", "Written counter of the open batch"))),
		rotationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "outbound",
			Subsystem: "batch",
			Name:      "rotation_duration_seconds",
			Help:      "Time spent draining, moving and validating a batch",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}
}

// Register adds the collectors to registerer. Safe to call multiple times.
func (m *Metrics) Register(registerer prometheus.Registerer) error {
	if m == nil {
		return nil
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}

	for _, c := range m.collectors() {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.receivedTotal,
		m.writtenTotal,
		m.quarantinedTotal,
		m.rotationsTotal,
		m.currentReceived,
		m.currentWritten,
		m.rotationDuration,
	}
}

func (m *Metrics) observeReceived(c Counts) {
	if m == nil {
		return
	}
	m.receivedTotal.Inc()
	m.observeCounts(c)
}

func (m *Metrics) observeWritten(c Counts) {
	if m == nil {
		return
	}
	m.writtenTotal.Inc()
	m.observeCounts(c)
}

func (m *Metrics) observeQuarantined(kind FailureKind) {
	if m == nil {
		return
	}
	m.quarantinedTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeRotation(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.rotationsTotal.WithLabelValues(result).Inc()
	m.rotationDuration.Observe(d.Seconds())
}

func (m *Metrics) observeCounts(c Counts) {
	if m == nil {
		return
	}
	m.currentReceived.Set(float64(c.Received))
	m.currentWritten.Set(float64(c.Written))
}
