package transport

import "testing"

type fakeLimitable struct {
	inBps, outBps float64
}

func (f *fakeLimitable) setLimits(inBps, outBps float64) {
	f.inBps, f.outBps = inBps, outBps
}

func TestBalancerDividesEvenly(t *testing.T) {
	b := NewBalancer(1000, 2000, nil)

	a := &fakeLimitable{}
	b.Register(a)
	if a.inBps != 1000 || a.outBps != 2000 {
		t.Fatalf("single stream should get full budget, got in=%v out=%v", a.inBps, a.outBps)
	}

	c := &fakeLimitable{}
	b.Register(c)
	if a.inBps != 500 || c.inBps != 500 {
		t.Fatalf("two streams should split budget evenly, got a=%v c=%v", a.inBps, c.inBps)
	}

	b.Unregister(a)
	if c.inBps != 1000 {
		t.Fatalf("unregistering should rebalance remaining stream to full budget, got %v", c.inBps)
	}
	if b.ActiveStreams() != 1 {
		t.Fatalf("expected 1 active stream, got %d", b.ActiveStreams())
	}
}

func TestBalancerNoStreams(t *testing.T) {
	b := NewBalancer(1000, 2000, nil)
	b.Rebalance()
	if b.ActiveStreams() != 0 {
		t.Fatalf("expected 0 active streams, got %d", b.ActiveStreams())
	}
}
