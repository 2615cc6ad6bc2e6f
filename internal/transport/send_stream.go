package transport

import (
	"log/slog"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/bitdust-io/reliable-udp/internal/config"
	"github.com/bitdust-io/reliable-udp/internal/metrics"
	"github.com/bitdust-io/reliable-udp/internal/wire"
)

type sendState int

const (
	sendAtStartup sendState = iota
	sendDowntime
	sendSending
	sendPause
	sendCompletion
	sendClosed
)

// outBlock is a single queued/sent data block awaiting acknowledgment.
type outBlock struct {
	data        []byte
	sentAt      time.Time // zero value means "fresh, never sent"
	acksMissed  int
}

// SendStream is the per-stream reliable sender described in spec §3/§4.4.
// All of its state is touched only from the engine's single loop goroutine
// (via iterate/handleAck/consume called from there), so it carries no locks.
type SendStream struct {
	id        uint32
	session   *Session
	producer  Producer
	totalSize uint32

	createdAt time.Time

	lastBlockSentAt    time.Time
	lastAckReceivedAt  time.Time

	blocks      map[uint32]*outBlock
	nextBlockID uint32 // next id to assign, starts at 1
	highAcked   uint32 // highest contiguous acked block id
	ackedAbove  map[uint32]bool

	retries          int
	ackTimeouts      int
	blocksSentCount  int
	acksReceivedCount int
	successfulBlocks int
	timedOutBlocks   int

	rttAvg     time.Duration
	rttSamples int

	outputBufferSize int

	assignedSendLimit *rate.Limiter // balancer-assigned out budget, reconfigured on rebalance
	factor            float64
	remoteLimit       *float64 // learned via PAUSE ACKs, nil if never set
	totalBytesSent    uint64

	pauseEnteredAt time.Time
	pauseDuration  time.Duration

	eof   bool
	state sendState

	logger  *slog.Logger
	metrics *metrics.Registry
}

func newSendStream(id uint32, sess *Session, producer Producer, totalSize uint32, now time.Time) *SendStream {
	s := &SendStream{
		id:          id,
		session:     sess,
		producer:    producer,
		totalSize:   totalSize,
		createdAt:   now,
		blocks:      make(map[uint32]*outBlock),
		nextBlockID: 1,
		ackedAbove:  make(map[uint32]bool),
		factor:      1.0,
		assignedSendLimit: rate.NewLimiter(rate.Limit(config.DefaultGlobalOutBytesPerSec), 2*wire.BlockSize),
		state:       sendDowntime,
		logger:      sess.logger.With("stream", id, "direction", "send"),
		metrics:     sess.metrics,
	}
	return s
}

func (s *SendStream) streamID() uint32    { return s.id }
func (s *SendStream) direction() Direction { return DirectionSend }
func (s *SendStream) isTerminal() bool    { return s.state == sendClosed }

// setLimits implements limitable: the balancer reassigns this stream's share
// of the global outgoing budget and resets the pacing factor, per spec §4.6
// step 3.
func (s *SendStream) setLimits(inBps, outBps float64) {
	s.assignedSendLimit.SetLimit(rate.Limit(outBps))
	s.factor = 1.0
}

// consume accepts bytes from the producer, chunking them into BlockSize
// blocks, per spec §4.4.1.
func (s *SendStream) consume(b []byte, now time.Time) error {
	if s.state == sendClosed || s.state == sendCompletion {
		return ErrStreamClosed
	}

	outstanding := s.nextBlockID - s.highAcked - 1
	if s.outputBufferSize+len(b) > config.OutputBufferSize || int(outstanding) > config.MaxOutstandingBlocks {
		if s.metrics != nil {
			s.metrics.BufferOverflow()
		}
		return ErrBufferOverflow
	}

	for off := 0; off < len(b); off += wire.BlockSize {
		end := off + wire.BlockSize
		if end > len(b) {
			end = len(b)
		}
		chunk := make([]byte, end-off)
		copy(chunk, b[off:end])

		id := s.nextBlockID
		s.nextBlockID++
		s.blocks[id] = &outBlock{data: chunk}
		s.outputBufferSize += len(chunk)
	}

	if s.state == sendDowntime {
		s.state = sendSending
	}
	return nil
}

// iterate advances the send stream on a scheduler tick, per spec §4.4.2.
// Stall/broken-link liveness checks run before the bandwidth gate so a dead
// link is detected even while under budget; the bandwidth gate then governs
// only the normal-sending path.
func (s *SendStream) iterate(now time.Time, globalAvgSendRate float64) {
	switch s.state {
	case sendClosed, sendCompletion:
		return
	case sendPause:
		if now.Sub(s.pauseEnteredAt) >= s.pauseDuration {
			s.state = sendSending
		}
		return
	}

	if s.eof && len(s.pendingAcks()) == 0 {
		s.complete(StatusFinished, "", false)
		return
	}

	// Step 2: response stall detection.
	if s.blocksSentCount > 0 {
		ratio := float64(s.blocksSentCount+1) / float64(s.acksReceivedCount+1)
		sinceAck := s.sinceLastAck(now)
		if ratio > 16 && sinceAck > 3*config.RTTMax {
			s.timeoutFail(now)
			return
		}
	}

	// Step 3: broken-link detection.
	if !s.lastBlockSentAt.IsZero() {
		gap := s.lastBlockSentAt.Sub(s.referenceAckTime())
		if gap > 2*config.RTTMax {
			s.ackTimeouts++
			if s.ackTimeouts >= config.AckTimeoutLimit {
				s.timeoutFail(now)
				return
			}
			s.resendOldest(now)
			return
		}
	}

	// Step 1: bandwidth gate.
	elapsed := now.Sub(s.createdAt).Seconds()
	effectiveLimit := s.effectiveLimit(globalAvgSendRate)
	if elapsed > 0 {
		currentRate := float64(s.totalBytesSent) / elapsed
		if currentRate > effectiveLimit && elapsed >= 0.5 {
			return
		}
	}

	// Step 4: normal sending.
	s.sendNormal(now)
}

func (s *SendStream) referenceAckTime() time.Time {
	if s.lastAckReceivedAt.IsZero() {
		return s.createdAt
	}
	return s.lastAckReceivedAt
}

func (s *SendStream) sinceLastAck(now time.Time) time.Duration {
	return now.Sub(s.referenceAckTime())
}

func (s *SendStream) effectiveLimit(globalAvgSendRate float64) float64 {
	limit := float64(s.assignedSendLimit.Limit()) * s.factor
	if cap3x := 3 * globalAvgSendRate; cap3x > 0 && cap3x < limit {
		limit = cap3x
	}
	if s.remoteLimit != nil && *s.remoteLimit < limit {
		limit = *s.remoteLimit
	}
	return limit
}

func (s *SendStream) currentRTT() time.Duration {
	if s.rttAvg <= 0 {
		return config.RTTMin
	}
	return s.rttAvg
}

func (s *SendStream) resendOldest(now time.Time) {
	var oldestID uint32
	var oldest *outBlock
	ids := make([]uint32, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		blk := s.blocks[id]
		if !blk.sentAt.IsZero() {
			oldestID, oldest = id, blk
			break
		}
	}
	if oldest == nil {
		return
	}
	s.sendBlock(oldestID, oldest, now)
	s.retries++
	if s.metrics != nil {
		s.metrics.BlockRetransmitted()
	}
}

func (s *SendStream) sendNormal(now time.Time) {
	resendThreshold := 8 * s.currentRTT() * 2
	if resendThreshold > config.RTTMax {
		resendThreshold = config.RTTMax
	}

	ids := make([]uint32, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var toSend []uint32
	for _, id := range ids {
		if len(toSend) >= 8 {
			break
		}
		if s.blocks[id].sentAt.IsZero() {
			toSend = append(toSend, id)
		}
	}
	if len(toSend) == 0 {
		for _, id := range ids {
			if len(toSend) >= 8 {
				break
			}
			blk := s.blocks[id]
			if !blk.sentAt.IsZero() && now.Sub(blk.sentAt) > resendThreshold {
				toSend = append(toSend, id)
			}
		}
	}

	for _, id := range toSend {
		s.sendBlock(id, s.blocks[id], now)
	}

	if s.eof && len(s.blocks) == 0 && s.lastBlockSentAt.IsZero() {
		// Nothing left to send and EOF is latched with no data ever sent:
		// emit an empty heartbeat block to carry the session forward.
		s.session.sendDatagram(mustEncodeData(wire.DataFrame{
			StreamID:  s.id,
			TotalSize: s.totalSize,
			BlockID:   wire.EmptyBlockID,
		}))
	}
}

func (s *SendStream) sendBlock(id uint32, blk *outBlock, now time.Time) {
	datagram, err := wire.EncodeData(wire.DataFrame{
		StreamID:  s.id,
		TotalSize: s.totalSize,
		BlockID:   int32(id),
		Payload:   blk.data,
	})
	if err != nil {
		s.logger.Error("encoding data block", "block", id, "error", err)
		return
	}
	s.session.sendDatagram(datagram)

	blk.sentAt = now
	blk.acksMissed = 0
	s.lastBlockSentAt = now
	s.totalBytesSent += uint64(len(blk.data))
	s.blocksSentCount++
	if s.metrics != nil {
		s.metrics.BlockSent()
	}
}

func (s *SendStream) pendingAcks() []uint32 {
	var ids []uint32
	for id := range s.blocks {
		ids = append(ids, id)
	}
	return ids
}

// handleAck applies an ACK body to this stream, per spec §4.4.3.
func (s *SendStream) handleAck(f wire.AckFrame, now time.Time) {
	if s.state == sendClosed {
		return
	}

	for _, id := range f.BlockIDs {
		blk, ok := s.blocks[id]
		if !ok {
			if s.metrics != nil {
				s.metrics.GarbageAck()
			}
			continue
		}

		delete(s.blocks, id)
		s.outputBufferSize -= len(blk.data)
		if s.outputBufferSize < 0 {
			s.outputBufferSize = 0
		}

		if !blk.sentAt.IsZero() {
			s.recordRTT(now.Sub(blk.sentAt))
		}

		s.lastAckReceivedAt = now
		s.acksReceivedCount++
		s.successfulBlocks++
		if s.metrics != nil {
			s.metrics.BlockAcked()
		}

		if id > s.highAcked {
			s.ackedAbove[id] = true
		}

		if eofHint := s.producer.OnSentRawData(len(blk.data)); eofHint {
			s.eof = true
		}
	}

	// Slide the contiguous cursor over any now-contiguous run.
	for {
		next := s.highAcked + 1
		if s.ackedAbove[next] {
			delete(s.ackedAbove, next)
			s.highAcked = next
			continue
		}
		break
	}

	// Diagnostics: blocks still outstanding missed this ack.
	acked := make(map[uint32]bool, len(f.BlockIDs))
	for _, id := range f.BlockIDs {
		acked[id] = true
	}
	for id, blk := range s.blocks {
		if !acked[id] {
			blk.acksMissed++
		}
	}

	if f.EOF {
		s.eof = true
	}

	if f.Pause != nil && f.Pause.Seconds > 0 {
		s.state = sendPause
		s.pauseEnteredAt = now
		s.pauseDuration = time.Duration(f.Pause.Seconds * float32(time.Second))
		limit := float64(f.Pause.LimitBytesPerSec)
		s.remoteLimit = &limit
	}

	if s.eof && len(s.blocks) == 0 {
		s.complete(StatusFinished, "", false)
	}
}

func (s *SendStream) recordRTT(sample time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveRTTSeconds(sample.Seconds())
	}
	if s.rttSamples == 0 {
		s.rttAvg = sample
		s.rttSamples = 1
		return
	}
	total := s.rttAvg*time.Duration(s.rttSamples) + sample
	s.rttSamples++
	s.rttAvg = total / time.Duration(s.rttSamples)
	if s.rttSamples >= 100 {
		s.rttSamples /= 2
	}
}

func (s *SendStream) timeoutFail(now time.Time) {
	var msg string
	if s.lastAckReceivedAt.IsZero() {
		msg = ErrSendNoAck.Error()
	} else {
		msg = ErrSendTimeout.Error()
	}
	s.timedOutBlocks += len(s.blocks)
	if s.metrics != nil {
		s.metrics.StreamTimedOut()
	}
	s.complete(StatusFailed, msg, true)
}

func (s *SendStream) complete(status Status, errMsg string, timedOut bool) {
	if s.state == sendCompletion || s.state == sendClosed {
		return
	}
	s.state = sendCompletion
	s.producer.OnCompletion(status, errMsg, timedOut)
	s.close()
}

// close unregisters the stream and triggers a rebalance, per spec §4.4.4.
func (s *SendStream) close() {
	s.state = sendClosed
	s.session.unregisterStream(s)
}

func mustEncodeData(f wire.DataFrame) []byte {
	d, err := wire.EncodeData(f)
	if err != nil {
		// Only possible if Payload exceeds BlockSize, which callers never do
		// for an empty heartbeat block.
		panic(err)
	}
	return d
}
