package iostat

import (
	"github.com/prometheus/client_golang/prometheus"
)

type (
	// PromCollector exposes the latest cycle's records as prometheus
	// gauges.  It is a read-only adapter: Collect never triggers a
	// sampling cycle.
	PromCollector struct {
		collector *Collector
		desc      *prometheus.Desc
	}
)

// NewPromCollector wraps a Collector for prometheus registration.
func NewPromCollector(c *Collector) *PromCollector {
	return &PromCollector{
		collector: c,
		desc: prometheus.NewDesc(
			"rrdd_iostat_value",
			"Derived block I/O metric from the latest sampling cycle",
			[]string{"name", "owner"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (p *PromCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

// Collect implements prometheus.Collector.
func (p *PromCollector) Collect(ch chan<- prometheus.Metric) {
	records, _ := p.collector.Latest()
	for _, rec := range records {
		ch <- prometheus.MustNewConstMetric(
			p.desc, prometheus.GaugeValue, rec.Value, rec.Name, rec.Owner)
	}
}
