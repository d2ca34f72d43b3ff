package rdma

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the optional Prometheus instrumentation for a device. The
// zero value (a nil *Metrics) is a valid, fully inert no-op: every recording
// method guards on a nil receiver so the core never requires a registry to
// run, matching the progress engine's synchronous, caller-driven model.
type Metrics struct {
	requestsInflight *prometheus.GaugeVec
	eagainTotal      prometheus.Counter
	bouncePosted     *prometheus.GaugeVec
	completions      *prometheus.CounterVec
	bytesTransferred prometheus.Counter
}

// NewMetrics constructs and registers the rdma_* metric family against reg.
// Pass a nil reg to build the collectors without registering them (useful in
// tests that want the recording calls exercised without a live registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rdma_requests_inflight",
			Help: "Number of in-flight requests, by communicator kind.",
		}, []string{"comm_kind"}),
		eagainTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_eagain_total",
			Help: "Total number of EAGAIN backpressure events observed from the fabric.",
		}),
		bouncePosted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rdma_bounce_posted",
			Help: "Current bounce-buffer posted count, by rail.",
		}, []string{"rail"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rdma_completions_total",
			Help: "Total completions observed, by completion flag.",
		}, []string{"flag"}),
		bytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_bytes_transferred_total",
			Help: "Total bytes transferred across all rails.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requestsInflight, m.eagainTotal, m.bouncePosted, m.completions, m.bytesTransferred)
	}
	return m
}

func (m *Metrics) setInflight(commKind string, n int) {
	if m == nil {
		return
	}
	m.requestsInflight.WithLabelValues(commKind).Set(float64(n))
}

func (m *Metrics) incEagain() {
	if m == nil {
		return
	}
	m.eagainTotal.Inc()
}

func (m *Metrics) setBouncePosted(rail int, n int) {
	if m == nil {
		return
	}
	m.bouncePosted.WithLabelValues(railLabel(rail)).Set(float64(n))
}

func (m *Metrics) incCompletion(flag string) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(flag).Inc()
}

func (m *Metrics) addBytes(n int) {
	if m == nil {
		return
	}
	m.bytesTransferred.Add(float64(n))
}

func railLabel(idx int) string {
	const digits = "0123456789"
	if idx < 10 {
		return digits[idx : idx+1]
	}
	// Rail counts beyond single digits are not expected in practice; fall
	// back to a generic label rather than panicking on a bad index.
	return "n"
}
