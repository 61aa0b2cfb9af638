package node

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weisyn/upnptest/internal/core/p2p/events"
)

// Metrics 事件循环指标
type Metrics struct {
	eventsTotal   *prometheus.CounterVec
	staleTotal    prometheus.Counter
	connections   prometheus.Gauge
	reachable     prometheus.Gauge
	externalAddrs prometheus.Gauge
	pingRTT       prometheus.Histogram
}

// NewMetrics 创建并注册指标；reg 为 nil 时只创建不注册
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upnptest_node_events_total",
			Help: "Events processed by the node loop, by kind",
		}, []string{"kind"}),
		staleTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upnptest_node_stale_events_total",
			Help: "Protocol events dropped because their connection is no longer known",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upnptest_node_connections",
			Help: "Currently established connections",
		}),
		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upnptest_node_reachable",
			Help: "1 if the most recently mapped external address is still valid",
		}),
		externalAddrs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upnptest_node_external_addrs",
			Help: "Active external addresses obtained through port mapping",
		}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "upnptest_node_ping_rtt_seconds",
			Help:    "Round trip time of successful liveness probes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.eventsTotal, m.staleTotal, m.connections, m.reachable, m.externalAddrs, m.pingRTT,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeEvent(kind events.Kind) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) observeStale() {
	if m == nil {
		return
	}
	m.staleTotal.Inc()
}

func (m *Metrics) observeState(conns, externalAddrs int, reachable bool) {
	if m == nil {
		return
	}
	m.connections.Set(float64(conns))
	m.externalAddrs.Set(float64(externalAddrs))
	if reachable {
		m.reachable.Set(1)
	} else {
		m.reachable.Set(0)
	}
}

func (m *Metrics) observeRTT(seconds float64) {
	if m == nil {
		return
	}
	m.pingRTT.Observe(seconds)
}
