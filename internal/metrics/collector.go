// Package metrics exposes per-connection QUIC counters as a
// prometheus.Collector, grounded on the teacher pack's
// TCPInfoCollector (runZeroInc-conniver/pkg/exporter): a map of live
// entries guarded by a mutex, scraped on Collect rather than pushed.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quince-io/quince/transport"
)

type desc struct {
	d        *prometheus.Desc
	value    func(transport.Stats) float64
	valueKnd prometheus.ValueType
}

// Collector implements prometheus.Collector over the live set of
// connections an Endpoint is tracking, labeled by source connection ID.
type Collector struct {
	mu    sync.Mutex
	stats map[string]transport.Stats
	descs []desc
}

// NewCollector builds a Collector whose metric names carry prefix, e.g.
// "quince".
func NewCollector(prefix string) *Collector {
	labels := []string{"scid"}
	c := &Collector{stats: make(map[string]transport.Stats)}
	add := func(name, help string, kind prometheus.ValueType, f func(transport.Stats) float64) {
		c.descs = append(c.descs, desc{
			d:        prometheus.NewDesc(prefix+"_"+name, help, labels, nil),
			value:    f,
			valueKnd: kind,
		})
	}
	add("packets_in_valid_total", "Valid packets received.", prometheus.CounterValue, func(s transport.Stats) float64 { return float64(s.PacketsInValid) })
	add("packets_in_invalid_total", "Packets dropped at decode/decrypt.", prometheus.CounterValue, func(s transport.Stats) float64 { return float64(s.PacketsInInvalid) })
	add("packets_out_total", "Packets sent.", prometheus.CounterValue, func(s transport.Stats) float64 { return float64(s.PacketsOut) })
	add("packets_lost_total", "Packets declared lost by loss detection.", prometheus.CounterValue, func(s transport.Stats) float64 { return float64(s.PacketsOutLost) })
	add("packets_retransmitted_total", "Packets whose data has been requeued after loss.", prometheus.CounterValue, func(s transport.Stats) float64 { return float64(s.PacketsOutRTX) })
	add("rtt_seconds", "Smoothed round-trip time estimate.", prometheus.GaugeValue, func(s transport.Stats) float64 { return s.RTT.Seconds() })
	add("rttvar_seconds", "Round-trip time variation estimate.", prometheus.GaugeValue, func(s transport.Stats) float64 { return s.RTTVar.Seconds() })
	add("cwnd_bytes", "Congestion window.", prometheus.GaugeValue, func(s transport.Stats) float64 { return float64(s.CWnd) })
	add("ssthresh_bytes", "Slow-start threshold.", prometheus.GaugeValue, func(s transport.Stats) float64 { return float64(s.SSThresh) })
	add("pto_count", "Consecutive probe timeout expirations.", prometheus.GaugeValue, func(s transport.Stats) float64 { return float64(s.PTOCount) })
	return c
}

// ObserveStats implements quic.Metrics: record the latest snapshot for scid.
func (c *Collector) ObserveStats(scid []byte, stats transport.Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[string(scid)] = stats
}

// ObserveClosed implements quic.Metrics: drop scid's entry once its
// connection has fully closed, so Collect stops reporting it.
func (c *Collector) ObserveClosed(scid []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, string(scid))
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d.d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for scid, stats := range c.stats {
		label := hexLabel(scid)
		for _, d := range c.descs {
			ch <- prometheus.MustNewConstMetric(d.d, d.valueKnd, d.value(stats), label)
		}
	}
}

const hexDigits = "0123456789abcdef"

func hexLabel(b string) string {
	out := make([]byte, len(b)*2)
	for i := 0; i < len(b); i++ {
		out[i*2] = hexDigits[b[i]>>4]
		out[i*2+1] = hexDigits[b[i]&0xf]
	}
	return string(out)
}
