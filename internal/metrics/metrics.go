// Package metrics wraps a private prometheus registry behind a narrow,
// typed interface so the transport/session/stream packages never import
// prometheus directly — they only call Registry's increment/observe/gauge
// methods, the same layering n-backup's observability package uses to keep
// its dashboard counters decoupled from the handler that drives them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry collects all counters/gauges/histograms emitted by the transport.
type Registry struct {
	reg *prometheus.Registry

	blocksSent        prometheus.Counter
	blocksRetransmitted prometheus.Counter
	blocksAcked       prometheus.Counter
	blocksTimedOut    prometheus.Counter
	garbageAcks       prometheus.Counter
	duplicateBlocks   prometheus.Counter
	oldBlocks         prometheus.Counter
	bufferOverflows   prometheus.Counter

	activeSessions prometheus.Gauge
	activeStreams  prometheus.Gauge

	rtt prometheus.Histogram

	balancerInBudget  prometheus.Gauge
	balancerOutBudget prometheus.Gauge
}

// New creates a Registry with all transport metrics registered.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	newCounter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bitdust_transport",
			Name:      name,
			Help:      help,
		})
		r.reg.MustRegister(c)
		return c
	}
	newGauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bitdust_transport",
			Name:      name,
			Help:      help,
		})
		r.reg.MustRegister(g)
		return g
	}

	r.blocksSent = newCounter("blocks_sent_total", "DATA blocks transmitted.")
	r.blocksRetransmitted = newCounter("blocks_retransmitted_total", "DATA blocks retransmitted after a resend-threshold timeout.")
	r.blocksAcked = newCounter("blocks_acked_total", "Blocks acknowledged by the remote peer.")
	r.blocksTimedOut = newCounter("blocks_timed_out_total", "Streams that reached COMPLETION(failed) from a sending or receiving timeout.")
	r.garbageAcks = newCounter("garbage_acks_total", "ACKed block-ids that were not outstanding (already acked or never sent).")
	r.duplicateBlocks = newCounter("duplicate_blocks_total", "DATA blocks received twice.")
	r.oldBlocks = newCounter("old_blocks_total", "DATA blocks received below the contiguous delivery cursor.")
	r.bufferOverflows = newCounter("buffer_overflows_total", "Consume() calls rejected with ErrBufferOverflow.")

	r.activeSessions = newGauge("active_sessions", "Sessions currently open.")
	r.activeStreams = newGauge("active_streams", "Streams currently open across all sessions.")

	r.balancerInBudget = newGauge("balancer_in_budget_bytes_per_sec", "Per-stream incoming byte budget assigned by the rate balancer.")
	r.balancerOutBudget = newGauge("balancer_out_budget_bytes_per_sec", "Per-stream outgoing byte budget assigned by the rate balancer.")

	r.rtt = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "bitdust_transport",
		Name:      "stream_rtt_seconds",
		Help:      "Per-ACK RTT samples across all send streams.",
		Buckets:   prometheus.ExponentialBuckets(0.004, 2, 12), // RTTMin .. ~8s
	})
	r.reg.MustRegister(r.rtt)

	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) BlockSent()            { r.blocksSent.Inc() }
func (r *Registry) BlockRetransmitted()   { r.blocksRetransmitted.Inc() }
func (r *Registry) BlockAcked()           { r.blocksAcked.Inc() }
func (r *Registry) StreamTimedOut()       { r.blocksTimedOut.Inc() }
func (r *Registry) GarbageAck()           { r.garbageAcks.Inc() }
func (r *Registry) DuplicateBlock()       { r.duplicateBlocks.Inc() }
func (r *Registry) OldBlock()             { r.oldBlocks.Inc() }
func (r *Registry) BufferOverflow()       { r.bufferOverflows.Inc() }
func (r *Registry) ObserveRTTSeconds(s float64) { r.rtt.Observe(s) }

func (r *Registry) SetActiveSessions(n int) { r.activeSessions.Set(float64(n)) }
func (r *Registry) SetActiveStreams(n int)  { r.activeStreams.Set(float64(n)) }

func (r *Registry) SetBalancerBudget(inBps, outBps float64) {
	r.balancerInBudget.Set(inBps)
	r.balancerOutBudget.Set(outBps)
}
