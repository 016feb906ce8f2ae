package metrics

import (
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aero_sfu_signaling"

// GaugeFunc reports point-in-time values (live rooms, peers, ...) keyed by the
// `resource` label. It is called once per scrape.
type GaugeFunc func() map[string]float64

// Collector exposes all internal counters as a single metric with an `event`
// label, plus the gauges returned by gauges.
type Collector struct {
	m      *Metrics
	gauges GaugeFunc

	eventsDesc    *prometheus.Desc
	resourcesDesc *prometheus.Desc
}

func NewCollector(m *Metrics, gauges GaugeFunc) *Collector {
	return &Collector{
		m:      m,
		gauges: gauges,
		eventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "events_total"),
			"Internal event counters.",
			[]string{"event"}, nil,
		),
		resourcesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "resources"),
			"Live registry entries.",
			[]string{"resource"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
	ch <- c.resourcesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.m.Snapshot()
	for _, k := range sortedNames(snap) {
		ch <- prometheus.MustNewConstMetric(c.eventsDesc, prometheus.CounterValue, float64(snap[k]), k)
	}
	if c.gauges == nil {
		return
	}
	g := c.gauges()
	for _, k := range sortedNames(g) {
		ch <- prometheus.MustNewConstMetric(c.resourcesDesc, prometheus.GaugeValue, g[k], k)
	}
}

// PrometheusHandler serves the counters and gauges together with the Go
// runtime and process collectors on a private registry.
func PrometheusHandler(m *Metrics, gauges GaugeFunc) http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m, gauges),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func sortedNames[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
