// Package testutil provides a deterministic lossy/reordering/duplicating
// UDP relay used to drive transport integration tests without depending on
// real network flakiness, in the spirit of n-backup/internal/integration's
// pattern of exercising a real listener end-to-end rather than mocking it.
package testutil

import (
	"math/rand"
	"net"
)

// pendingDatagram is the one datagram the reorder policy is currently
// holding back, waiting for the next arrival so it can be delivered out of
// order.
type pendingDatagram struct {
	data []byte
	dest *net.UDPAddr
}

// LossyWire relays UDP datagrams between two known real endpoints through a
// single middle socket, dropping/reordering/duplicating a fraction of them
// according to a seeded policy so test runs are repeatable. Both real
// endpoints must address their datagrams to PublicAddr(); the wire tells
// the two directions apart by the sender's source address.
type LossyWire struct {
	DropRate      float64
	ReorderRate   float64
	DuplicateRate float64

	rng  *rand.Rand
	conn *net.UDPConn

	realA, realB *net.UDPAddr

	held *pendingDatagram

	stop chan struct{}
}

// NewLossyWire binds the middle relay socket. seed makes drop/reorder/
// duplicate decisions repeatable across runs.
func NewLossyWire(seed int64, dropRate, reorderRate, duplicateRate float64) (*LossyWire, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	return &LossyWire{
		DropRate:      dropRate,
		ReorderRate:   reorderRate,
		DuplicateRate: duplicateRate,
		rng:           rand.New(rand.NewSource(seed)),
		conn:          conn,
		stop:          make(chan struct{}),
	}, nil
}

// PublicAddr is the address both real endpoints should exchange datagrams
// through.
func (w *LossyWire) PublicAddr() string { return w.conn.LocalAddr().String() }

// PublicAddrA and PublicAddrB both resolve to the same middle address: each
// real side reaches the other exclusively via this one relay socket.
func (w *LossyWire) PublicAddrA() string { return w.PublicAddr() }
func (w *LossyWire) PublicAddrB() string { return w.PublicAddr() }

// Run relays datagrams between realA and realB until Close is called.
func (w *LossyWire) Run(realA, realB string) error {
	a, err := net.ResolveUDPAddr("udp", realA)
	if err != nil {
		return err
	}
	b, err := net.ResolveUDPAddr("udp", realB)
	if err != nil {
		return err
	}
	w.realA, w.realB = a, b

	buf := make([]byte, 2048)
	for {
		n, from, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-w.stop:
				return nil
			default:
				return err
			}
		}
		if w.rng.Float64() < w.DropRate {
			continue
		}

		dest := w.realB
		if from.String() == w.realB.String() {
			dest = w.realA
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		// Reordering holds back one datagram at a time: if one is already
		// held when the next arrives, deliver the new arrival first and
		// the held one second, swapping their relative order on the wire.
		// A datagram still held when Run stops is simply never delivered,
		// same as a dropped one.
		if w.held != nil {
			w.deliver(datagram, dest)
			w.deliver(w.held.data, w.held.dest)
			w.held = nil
			continue
		}
		if w.rng.Float64() < w.ReorderRate {
			w.held = &pendingDatagram{data: datagram, dest: dest}
			continue
		}

		w.deliver(datagram, dest)
	}
}

// deliver writes datagram to dest, writing it a second time with
// probability DuplicateRate to simulate a duplicated delivery.
func (w *LossyWire) deliver(datagram []byte, dest *net.UDPAddr) {
	w.conn.WriteToUDP(datagram, dest)
	if w.rng.Float64() < w.DuplicateRate {
		w.conn.WriteToUDP(datagram, dest)
	}
}

// Close stops relaying and releases the middle socket.
func (w *LossyWire) Close() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.conn.Close()
}
