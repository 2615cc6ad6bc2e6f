package transport

import (
	"log/slog"
	"time"

	"github.com/bitdust-io/reliable-udp/internal/config"
	"github.com/bitdust-io/reliable-udp/internal/metrics"
	"github.com/bitdust-io/reliable-udp/internal/wire"
)

type recvState int

const (
	recvDowntime recvState = iota
	recvReceiving
	recvCompletion
	recvClosed
)

// ReceiveStream is the per-stream reliable receiver described in spec
// §3/§4.5. Like SendStream, it is only ever touched from the engine's
// single loop goroutine.
type ReceiveStream struct {
	id        uint32
	session   *Session
	consumer  Consumer
	totalSize uint32

	createdAt           time.Time
	lastBlockReceivedAt time.Time
	lastAckSentAt       time.Time

	buffer     map[uint32][]byte // blocks above the contiguous cursor
	toAck      []uint32
	toAckSet   map[uint32]bool
	nextToDeliver uint32 // next contiguous block-id to hand to the consumer

	duplicates    int
	oldBlocks     int
	bytesReceived uint64

	receiveLimitBps float64

	eof   bool
	state recvState

	logger  *slog.Logger
	metrics *metrics.Registry
}

func newReceiveStream(id uint32, sess *Session, consumer Consumer, totalSize uint32, now time.Time) *ReceiveStream {
	return &ReceiveStream{
		id:            id,
		session:       sess,
		consumer:      consumer,
		totalSize:     totalSize,
		createdAt:     now,
		buffer:        make(map[uint32][]byte),
		toAckSet:      make(map[uint32]bool),
		nextToDeliver: 1,
		state:         recvDowntime,
		logger:        sess.logger.With("stream", id, "direction", "receive"),
		metrics:       sess.metrics,
	}
}

func (r *ReceiveStream) streamID() uint32     { return r.id }
func (r *ReceiveStream) direction() Direction { return DirectionReceive }
func (r *ReceiveStream) isTerminal() bool     { return r.state == recvClosed }

// setLimits implements limitable.
func (r *ReceiveStream) setLimits(inBps, outBps float64) {
	r.receiveLimitBps = inBps
}

// handleData processes an incoming DATA frame, per spec §4.5.1.
func (r *ReceiveStream) handleData(f wire.DataFrame, now time.Time) {
	if r.state == recvClosed || r.state == recvCompletion {
		return
	}
	if r.state == recvDowntime {
		r.state = recvReceiving
	}

	r.lastBlockReceivedAt = now

	if f.BlockID == wire.EmptyBlockID {
		r.evaluateAckPolicy(now)
		return
	}

	id := uint32(f.BlockID)
	r.bytesReceived += uint64(len(f.Payload))
	r.enqueueAck(id)

	switch {
	case id < r.nextToDeliver:
		r.oldBlocks++
		if r.metrics != nil {
			r.metrics.OldBlock()
		}
	case r.buffer[id] != nil:
		r.duplicates++
		if r.metrics != nil {
			r.metrics.DuplicateBlock()
		}
	case id == r.nextToDeliver:
		r.buffer[id] = f.Payload
		r.deliverContiguous()
	default:
		r.buffer[id] = f.Payload
	}

	r.evaluateAckPolicy(now)
}

func (r *ReceiveStream) enqueueAck(id uint32) {
	if r.toAckSet[id] {
		return
	}
	r.toAckSet[id] = true
	r.toAck = append(r.toAck, id)
}

func (r *ReceiveStream) deliverContiguous() {
	for {
		chunk, ok := r.buffer[r.nextToDeliver]
		if !ok {
			break
		}
		delete(r.buffer, r.nextToDeliver)
		r.nextToDeliver++

		if eofHint := r.consumer.OnReceivedRawData(chunk); eofHint {
			r.eof = true
		}
	}
}

// iterate advances the receive stream on a scheduler tick, per spec §4.5.2.
func (r *ReceiveStream) iterate(now time.Time) {
	switch r.state {
	case recvClosed, recvCompletion:
		return
	}

	ref := r.lastBlockReceivedAt
	if ref.IsZero() {
		ref = r.createdAt
	}
	if now.Sub(ref) > config.ReceiveTimeout {
		r.timeoutFail()
		return
	}

	r.evaluateAckPolicy(now)
}

// evaluateAckPolicy decides whether to flush an ACK now, per spec §4.5.2.
func (r *ReceiveStream) evaluateAckPolicy(now time.Time) {
	if r.lastBlockReceivedAt.IsZero() {
		return
	}

	seed := r.lastAckSentAt.IsZero()
	windowFull := len(r.toAck) >= config.BlocksPerACK
	overdue := !r.lastAckSentAt.IsZero() && now.Sub(r.lastAckSentAt) > config.RTTMax

	if !seed && !windowFull && !r.eof && !overdue {
		return
	}

	r.sendAck(now)
}

func (r *ReceiveStream) sendAck(now time.Time) {
	frame := wire.AckFrame{
		StreamID: r.id,
		EOF:      r.eof,
		BlockIDs: append([]uint32(nil), r.toAck...),
	}

	elapsed := now.Sub(r.createdAt).Seconds()
	if r.receiveLimitBps > 0 && elapsed > 0 {
		if excess := float64(r.bytesReceived) - r.receiveLimitBps*elapsed; excess > 0 {
			frame.Pause = &wire.PauseDirective{
				Seconds:          float32(excess / r.receiveLimitBps),
				LimitBytesPerSec: float32(r.receiveLimitBps),
			}
		}
	}

	r.session.sendDatagram(wire.EncodeAck(frame))
	r.lastAckSentAt = now
	r.toAck = r.toAck[:0]
	r.toAckSet = make(map[uint32]bool)

	if r.eof {
		r.complete(StatusFinished, "", false)
	}
}

func (r *ReceiveStream) timeoutFail() {
	if r.metrics != nil {
		r.metrics.StreamTimedOut()
	}
	r.complete(StatusFailed, ErrReceiveTimeout.Error(), true)
}

func (r *ReceiveStream) complete(status Status, errMsg string, timedOut bool) {
	if r.state == recvCompletion || r.state == recvClosed {
		return
	}
	r.state = recvCompletion
	r.consumer.OnCompletion(status, errMsg, timedOut)
	r.close()
}

func (r *ReceiveStream) close() {
	r.state = recvClosed
	r.session.unregisterStream(r)
}
