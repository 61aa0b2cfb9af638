package diagnostics

import (
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/prometheus/client_golang/prometheus"
)

// HostStats 主机流量与资源用量
type HostStats interface {
	BandwidthTotals() metrics.Stats
	ResourceStat() network.ScopeStat
}

type hostCollector struct {
	stats HostStats

	bytesIn      *prometheus.Desc
	bytesOut     *prometheus.Desc
	rateIn       *prometheus.Desc
	rateOut      *prometheus.Desc
	scopeConns   *prometheus.Desc
	scopeStreams *prometheus.Desc
	scopeMemory  *prometheus.Desc
}

func (c *hostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bytesIn
	ch <- c.bytesOut
	ch <- c.rateIn
	ch <- c.rateOut
	ch <- c.scopeConns
	ch <- c.scopeStreams
	ch <- c.scopeMemory
}

func (c *hostCollector) Collect(ch chan<- prometheus.Metric) {
	bw := c.stats.BandwidthTotals()
	ch <- prometheus.MustNewConstMetric(c.bytesIn, prometheus.CounterValue, float64(bw.TotalIn))
	ch <- prometheus.MustNewConstMetric(c.bytesOut, prometheus.CounterValue, float64(bw.TotalOut))
	ch <- prometheus.MustNewConstMetric(c.rateIn, prometheus.GaugeValue, bw.RateIn)
	ch <- prometheus.MustNewConstMetric(c.rateOut, prometheus.GaugeValue, bw.RateOut)

	rs := c.stats.ResourceStat()
	ch <- prometheus.MustNewConstMetric(c.scopeConns, prometheus.GaugeValue, float64(rs.NumConnsInbound), "inbound")
	ch <- prometheus.MustNewConstMetric(c.scopeConns, prometheus.GaugeValue, float64(rs.NumConnsOutbound), "outbound")
	ch <- prometheus.MustNewConstMetric(c.scopeStreams, prometheus.GaugeValue, float64(rs.NumStreamsInbound), "inbound")
	ch <- prometheus.MustNewConstMetric(c.scopeStreams, prometheus.GaugeValue, float64(rs.NumStreamsOutbound), "outbound")
	ch <- prometheus.MustNewConstMetric(c.scopeMemory, prometheus.GaugeValue, float64(rs.Memory))
}

// RegisterHostCollector 注册主机带宽与资源管理器用量采集器
func RegisterHostCollector(reg prometheus.Registerer, stats HostStats) error {
	collector := &hostCollector{
		stats: stats,
		bytesIn: prometheus.NewDesc(
			"upnptest_host_bandwidth_in_bytes_total",
			"Bytes received by the libp2p host",
			nil, nil,
		),
		bytesOut: prometheus.NewDesc(
			"upnptest_host_bandwidth_out_bytes_total",
			"Bytes sent by the libp2p host",
			nil, nil,
		),
		rateIn: prometheus.NewDesc(
			"upnptest_host_bandwidth_in_rate",
			"Smoothed inbound rate in bytes per second",
			nil, nil,
		),
		rateOut: prometheus.NewDesc(
			"upnptest_host_bandwidth_out_rate",
			"Smoothed outbound rate in bytes per second",
			nil, nil,
		),
		scopeConns: prometheus.NewDesc(
			"upnptest_host_system_conns",
			"Connections accounted in the resource manager system scope",
			[]string{"dir"}, nil,
		),
		scopeStreams: prometheus.NewDesc(
			"upnptest_host_system_streams",
			"Streams accounted in the resource manager system scope",
			[]string{"dir"}, nil,
		),
		scopeMemory: prometheus.NewDesc(
			"upnptest_host_system_memory_bytes",
			"Memory reserved in the resource manager system scope",
			nil, nil,
		),
	}
	return reg.Register(collector)
}
