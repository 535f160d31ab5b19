package discovery

import "github.com/prometheus/client_golang/prometheus"

// DriverMetrics is the ambient observability surface for a Driver. The
// state gauge is a prometheus.GaugeVec with one label set per target (the
// same shape controller/api/destination uses); the backoff counter is a
// single unlabeled series shared by every driver using this DriverMetrics.
type DriverMetrics struct {
	state   *prometheus.GaugeVec
	backoff prometheus.Counter
}

// NewDriverMetrics builds and registers a DriverMetrics against reg. reg
// may be nil, in which case the metrics are created but never exposed —
// useful for tests that want Config.Metrics populated without a
// registry.
func NewDriverMetrics(reg prometheus.Registerer) *DriverMetrics {
	m := &DriverMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "endpoint_discovery",
			Subsystem: "driver",
			Name:      "state",
			Help:      "Current state of a resolution driver; 1 for the active state, 0 otherwise.",
		}, []string{"target", "state"}),
		backoff: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "endpoint_discovery",
			Subsystem: "driver",
			Name:      "backoff_total",
			Help:      "Total number of times the resolution driver entered its backoff state.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.backoff)
	}
	return m
}

var driverStates = []string{
	"disconnected", "connecting", "connected", "reconcile",
	"resolving", "failed", "backoff", "done",
}

func (m *DriverMetrics) setState(target, state string) {
	if m == nil {
		return
	}
	for _, s := range driverStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.state.WithLabelValues(target, s).Set(v)
	}
	if state == "backoff" {
		m.backoff.Inc()
	}
}

// BufferMetrics instruments a Buffer's bounded channel: depth tracks how
// many Changes are queued waiting for the consumer, and blocked counts how
// many times a daemon observed the channel still full at the point it
// would have blocked — Buffer itself never drops a Change (it always
// blocks instead), so this is a saturation signal, not a loss counter.
type BufferMetrics struct {
	depth   prometheus.Gauge
	blocked prometheus.Counter
}

// NewBufferMetrics builds and registers a BufferMetrics against reg, which
// may be nil.
func NewBufferMetrics(reg prometheus.Registerer) *BufferMetrics {
	m := &BufferMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "endpoint_discovery",
			Subsystem: "buffer",
			Name:      "queue_depth",
			Help:      "Number of Change values currently queued in a discovery buffer.",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "endpoint_discovery",
			Subsystem: "buffer",
			Name:      "consumer_blocked_total",
			Help:      "Total number of times the buffer daemon found its output channel full and had to wait for the consumer.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.depth, m.blocked)
	}
	return m
}

func (m *BufferMetrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

func (m *BufferMetrics) incBlocked() {
	if m == nil {
		return
	}
	m.blocked.Inc()
}
