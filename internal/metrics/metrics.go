package metrics

import (
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "answermachine"

// CallStatsProvider exposes the call registry and outcome counters.
type CallStatsProvider interface {
	CallsByState() map[string]int
	MaxCalls() int
	Outcomes() map[string]uint64
}

// SocketPoolProvider exposes media socket pool usage.
type SocketPoolProvider interface {
	InUse() int
	Capacity() int
}

// BridgeProvider exposes conference bridge usage.
type BridgeProvider interface {
	PortCount() int
	Capacity() int
}

// Collector is a prometheus.Collector that reads answering machine state at
// scrape time.
type Collector struct {
	calls     CallStatsProvider
	pool      SocketPoolProvider
	bridge    BridgeProvider
	startTime time.Time

	callsDesc        *prometheus.Desc
	maxCallsDesc     *prometheus.Desc
	outcomesDesc     *prometheus.Desc
	socketsInUseDesc *prometheus.Desc
	socketsDesc      *prometheus.Desc
	bridgePortsDesc  *prometheus.Desc
	bridgeCapDesc    *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a collector. Any provider may be nil.
func NewCollector(calls CallStatsProvider, pool SocketPoolProvider, bridge BridgeProvider, startTime time.Time) *Collector {
	return &Collector{
		calls:     calls,
		pool:      pool,
		bridge:    bridge,
		startTime: startTime,

		callsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "calls"),
			"Calls currently registered, by lifecycle state",
			[]string{"state"}, nil,
		),
		maxCallsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "calls_max"),
			"Call registry capacity",
			nil, nil,
		),
		outcomesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "call_outcomes_total"),
			"Inbound requests and calls by outcome",
			[]string{"outcome"}, nil,
		),
		socketsInUseDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "media", "sockets_in_use"),
			"Media sockets lent to active calls",
			nil, nil,
		),
		socketsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "media", "sockets"),
			"Media sockets in the pool",
			nil, nil,
		),
		bridgePortsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bridge", "ports"),
			"Ports attached to the conference bridge, signals included",
			nil, nil,
		),
		bridgeCapDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bridge", "ports_max"),
			"Conference bridge slot capacity",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsDesc
	ch <- c.maxCallsDesc
	ch <- c.outcomesDesc
	ch <- c.socketsInUseDesc
	ch <- c.socketsDesc
	ch <- c.bridgePortsDesc
	ch <- c.bridgeCapDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		byState := c.calls.CallsByState()
		for _, state := range sortedKeys(byState) {
			ch <- prometheus.MustNewConstMetric(
				c.callsDesc, prometheus.GaugeValue,
				float64(byState[state]), state,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.maxCallsDesc, prometheus.GaugeValue,
			float64(c.calls.MaxCalls()),
		)
		outcomes := c.calls.Outcomes()
		for _, outcome := range sortedKeys(outcomes) {
			ch <- prometheus.MustNewConstMetric(
				c.outcomesDesc, prometheus.CounterValue,
				float64(outcomes[outcome]), outcome,
			)
		}
	}

	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(
			c.socketsInUseDesc, prometheus.GaugeValue,
			float64(c.pool.InUse()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.socketsDesc, prometheus.GaugeValue,
			float64(c.pool.Capacity()),
		)
	}

	if c.bridge != nil {
		ch <- prometheus.MustNewConstMetric(
			c.bridgePortsDesc, prometheus.GaugeValue,
			float64(c.bridge.PortCount()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.bridgeCapDesc, prometheus.GaugeValue,
			float64(c.bridge.Capacity()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
