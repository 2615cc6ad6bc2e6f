package transport

import (
	"github.com/bitdust-io/reliable-udp/internal/metrics"
)

// limitable is anything the balancer can hand a fresh per-stream byte
// budget to. Both SendStream and ReceiveStream implement it.
type limitable interface {
	setLimits(inBps, outBps float64)
}

// Balancer divides a shared global in/out byte-per-second budget evenly
// across every active stream, per spec §4.6. It runs entirely on the
// engine's single loop goroutine — no locking. Streams are keyed by their
// own identity rather than by stream-id, since stream-ids are only unique
// within a session, not across the whole endpoint.
type Balancer struct {
	globalInBps  float64
	globalOutBps float64

	streams map[limitable]struct{}
	metrics *metrics.Registry
}

// NewBalancer creates a Balancer with the given global budgets.
func NewBalancer(globalInBps, globalOutBps float64, m *metrics.Registry) *Balancer {
	return &Balancer{
		globalInBps:  globalInBps,
		globalOutBps: globalOutBps,
		streams:      make(map[limitable]struct{}),
		metrics:      m,
	}
}

// Register adds a stream to the balancer and triggers a rebalance, per
// spec §4.6 ("on every stream create or destroy").
func (b *Balancer) Register(s limitable) {
	b.streams[s] = struct{}{}
	b.Rebalance()
}

// Unregister removes a stream from the balancer and triggers a rebalance.
func (b *Balancer) Unregister(s limitable) {
	delete(b.streams, s)
	b.Rebalance()
}

// Rebalance recomputes and pushes fresh per-stream limits to every active
// stream. A stream's setLimits implementation resets its pacing factor to
// its initial value (1.0), matching spec §4.6 step 3.
func (b *Balancer) Rebalance() {
	n := len(b.streams)
	if n == 0 {
		if b.metrics != nil {
			b.metrics.SetBalancerBudget(b.globalInBps, b.globalOutBps)
		}
		return
	}

	perIn := b.globalInBps / float64(n)
	perOut := b.globalOutBps / float64(n)

	for s := range b.streams {
		s.setLimits(perIn, perOut)
	}

	if b.metrics != nil {
		b.metrics.SetBalancerBudget(perIn, perOut)
	}
}

// ActiveStreams returns the number of streams currently registered.
func (b *Balancer) ActiveStreams() int {
	return len(b.streams)
}
