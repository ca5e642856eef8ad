// Package metrics exposes the shared-state store as a Prometheus surface.
// The collector reads the store at scrape time, so every response is a
// live snapshot with no refresh loop in between.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgesoc/ids2-agent/internal/state"
)

const namespace = "ids2"

type collector struct {
	store *state.Store

	cpuUsage         *prometheus.Desc
	ramUsage         *prometheus.Desc
	throttleLevel    *prometheus.Desc
	dnsStatus        *prometheus.Desc
	tlsStatus        *prometheus.Desc
	opensearchStatus *prometheus.Desc
	latencyMS        *prometheus.Desc
	pipelineOK       *prometheus.Desc
	phase            *prometheus.Desc
	uptime           *prometheus.Desc
	workerAlive      *prometheus.Desc
	workerRestarts   *prometheus.Desc
	samplerErrors    *prometheus.Desc
	coalescedCycles  *prometheus.Desc
}

func newCollector(st *state.Store) *collector {
	name := func(s string) string { return prometheus.BuildFQName(namespace, "", s) }
	return &collector{
		store:            st,
		cpuUsage:         prometheus.NewDesc(name("cpu_usage_percent"), "Current CPU usage percentage", nil, nil),
		ramUsage:         prometheus.NewDesc(name("ram_usage_percent"), "Current RAM usage percentage", nil, nil),
		throttleLevel:    prometheus.NewDesc(name("throttle_level"), "Current throttling level (0-3)", nil, nil),
		dnsStatus:        prometheus.NewDesc(name("dns_status"), "DNS connectivity status (1=ok, 0=fail)", nil, nil),
		tlsStatus:        prometheus.NewDesc(name("tls_status"), "TLS connectivity status (1=ok, 0=fail)", nil, nil),
		opensearchStatus: prometheus.NewDesc(name("opensearch_status"), "OpenSearch connectivity status (1=ok, 0=fail)", nil, nil),
		latencyMS:        prometheus.NewDesc(name("opensearch_latency_ms"), "Latency of the last successful cluster probe", nil, nil),
		pipelineOK:       prometheus.NewDesc(name("pipeline_ok"), "Overall pipeline health (1=ok, 0=degraded)", nil, nil),
		phase:            prometheus.NewDesc(name("phase"), "Bring-up phase index", nil, nil),
		uptime:           prometheus.NewDesc(name("uptime_seconds"), "Seconds since agent start", nil, nil),
		workerAlive:      prometheus.NewDesc(name("worker_alive"), "Worker liveness (1=alive, 0=down)", []string{"name"}, nil),
		workerRestarts:   prometheus.NewDesc(name("worker_restarts_total"), "Number of restarts per worker", []string{"name"}, nil),
		samplerErrors:    prometheus.NewDesc(name("sampler_errors_total"), "Resource sampling failures", nil, nil),
		coalescedCycles:  prometheus.NewDesc(name("coalesced_cycles_total"), "Prober ticks skipped while a cycle was in flight", nil, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuUsage
	ch <- c.ramUsage
	ch <- c.throttleLevel
	ch <- c.dnsStatus
	ch <- c.tlsStatus
	ch <- c.opensearchStatus
	ch <- c.latencyMS
	ch <- c.pipelineOK
	ch <- c.phase
	ch <- c.uptime
	ch <- c.workerAlive
	ch <- c.workerRestarts
	ch <- c.samplerErrors
	ch <- c.coalescedCycles
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	st := c.store
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(c.cpuUsage, st.CPUPercent())
	gauge(c.ramUsage, st.RAMPercent())
	gauge(c.throttleLevel, float64(st.ThrottleLevel()))
	gauge(c.dnsStatus, boolGauge(st.DNSOK()))
	gauge(c.tlsStatus, boolGauge(st.TLSOK()))
	gauge(c.opensearchStatus, boolGauge(st.ClusterOK()))
	gauge(c.latencyMS, st.ClusterLatencyMS())
	gauge(c.pipelineOK, boolGauge(st.PipelineOK()))
	gauge(c.phase, float64(st.Phase()))
	gauge(c.uptime, st.Uptime())

	for _, name := range state.WorkerNames {
		gauge(c.workerAlive, boolGauge(st.WorkerAlive(name)), name)
		counter(c.workerRestarts, float64(st.WorkerRestarts(name)), name)
	}
	counter(c.samplerErrors, float64(st.SamplerErrors()))
	counter(c.coalescedCycles, float64(st.CoalescedCycles()))
}

// NewRegistry builds a dedicated registry exposing only the agent's
// metrics surface.
func NewRegistry(st *state.Store) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newCollector(st))
	return reg
}
