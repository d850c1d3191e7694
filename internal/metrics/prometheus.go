package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymesh"

var (
	connectionsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exchange", "connections"),
		"Established connections by direction.",
		[]string{"direction"}, nil,
	)
	connectTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exchange", "connections_total"),
		"Connection lifecycle events.",
		[]string{"event"}, nil,
	)
	bytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exchange", "bytes_total"),
		"Bytes moved over established sessions.",
		[]string{"direction"}, nil,
	)
	itemsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exchange", "items_total"),
		"Items pushed to or pulled from peers by message kind.",
		[]string{"direction", "kind"}, nil,
	)
	dropsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "exchange", "drops_total"),
		"Dropped messages and connections by reason.",
		[]string{"reason"}, nil,
	)
)

// Collector exposes a Metrics value to prometheus without copying counters.
type Collector struct {
	m *Metrics
}

func NewCollector(m *Metrics) *Collector {
	return &Collector{m: m}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- connectionsDesc
	ch <- connectTotalDesc
	ch <- bytesDesc
	ch <- itemsDesc
	ch <- dropsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(snap.Connections.Outbound), "outbound")
	ch <- prometheus.MustNewConstMetric(connectionsDesc, prometheus.GaugeValue, float64(snap.Connections.Inbound), "inbound")
	ch <- prometheus.MustNewConstMetric(connectTotalDesc, prometheus.CounterValue, float64(snap.Connections.Connected), "connected")
	ch <- prometheus.MustNewConstMetric(connectTotalDesc, prometheus.CounterValue, float64(snap.Connections.Accepted), "accepted")
	ch <- prometheus.MustNewConstMetric(connectTotalDesc, prometheus.CounterValue, float64(snap.Connections.Rejected), "rejected")
	ch <- prometheus.MustNewConstMetric(connectTotalDesc, prometheus.CounterValue, float64(snap.Connections.Evicted), "evicted")
	ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(snap.Traffic.SentBytes), "sent")
	ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(snap.Traffic.ReceivedBytes), "received")
	for kind, v := range snap.Pushed {
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.CounterValue, float64(v), "pushed", kind)
	}
	for kind, v := range snap.Pulled {
		ch <- prometheus.MustNewConstMetric(itemsDesc, prometheus.CounterValue, float64(v), "pulled", kind)
	}
	for reason, v := range snap.DropByReason {
		ch <- prometheus.MustNewConstMetric(dropsDesc, prometheus.CounterValue, float64(v), reason)
	}
}

// NewRegistry registers m plus the process and Go runtime collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
