package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics covers the relay client's externally visible behavior. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	publishTotal *prometheus.CounterVec
	fetchSeconds prometheus.Histogram
	subEvents    prometheus.Counter
	poolResets   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "syncd_relay_publish_total",
			Help: "Publish attempts by relay and outcome.",
		}, []string{"relay", "outcome"}),
		fetchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "syncd_relay_fetch_seconds",
			Help:    "Latency of fetch-latest fan-out calls.",
			Buckets: prometheus.DefBuckets,
		}),
		subEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_relay_subscription_events_total",
			Help: "Events delivered by live subscriptions.",
		}),
		poolResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "syncd_relay_pool_resets_total",
			Help: "Connection pool resets.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.publishTotal, m.fetchSeconds, m.subEvents, m.poolResets)
	}
	return m
}

func (m *Metrics) observePublish(relay, outcome string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(relay, outcome).Inc()
}

func (m *Metrics) observeFetch(seconds float64) {
	if m == nil {
		return
	}
	m.fetchSeconds.Observe(seconds)
}

func (m *Metrics) observeSubscriptionEvent() {
	if m == nil {
		return
	}
	m.subEvents.Inc()
}

func (m *Metrics) observePoolReset() {
	if m == nil {
		return
	}
	m.poolResets.Inc()
}
