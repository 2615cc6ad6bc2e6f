package transport

import (
	"log/slog"
	"net"
	"time"

	"github.com/rs/xid"

	"github.com/bitdust-io/reliable-udp/internal/config"
	"github.com/bitdust-io/reliable-udp/internal/logging"
	"github.com/bitdust-io/reliable-udp/internal/metrics"
	"github.com/bitdust-io/reliable-udp/internal/wire"
)

type sessionState int

const (
	sessionAtStartup sessionState = iota
	sessionPing
	sessionGreeting
	sessionConnected
	sessionClosed
)

func (s sessionState) String() string {
	switch s {
	case sessionAtStartup:
		return "AT_STARTUP"
	case sessionPing:
		return "PING"
	case sessionGreeting:
		return "GREETING"
	case sessionConnected:
		return "CONNECTED"
	default:
		return "CLOSED"
	}
}

// streamMachine is the common surface the engine/session drive on every
// scheduler tick, implemented by both SendStream and ReceiveStream.
type streamMachine interface {
	streamID() uint32
	direction() Direction
	isTerminal() bool
}

// streamHandle is what the balancer and the endpoint-wide stream registry
// operate on: identity (for map keys), direction/id (to route unregistration
// back to the right session map), and the balancer's limitable surface.
type streamHandle interface {
	streamMachine
	limitable
}

// Session is the per-peer-address handshake and multiplex state machine
// described in spec §3/§4.3. traceID correlates every log line for this
// session's lifecycle (an expansion documented in SPEC_FULL.md §3).
type Session struct {
	addr     *net.UDPAddr
	endpoint *Endpoint
	traceID  string

	myID, myURL     string
	peerID, peerURL string

	createdAt      time.Time
	lastRecvAt     time.Time
	stateEnteredAt time.Time
	state          sessionState

	lastPingSentAt     time.Time
	lastGreetingSentAt time.Time
	lastAliveSentAt    time.Time

	bytesSent     uint64
	bytesReceived uint64

	fileQueue []*FileTicket

	sendStreams map[uint32]*SendStream
	recvStreams map[uint32]*ReceiveStream
	nextStreamID uint32

	// OnIncomingStream decides whether to accept a DATA datagram for a
	// stream-id this session has never seen, and supplies the Consumer for
	// it. Returning ok=false drops the datagram silently.
	OnIncomingStream func(streamID uint32, totalSize uint32) (Consumer, bool)

	logger  *slog.Logger
	metrics *metrics.Registry
}

func newSession(addr *net.UDPAddr, ep *Endpoint, now time.Time) *Session {
	s := &Session{
		addr:         addr,
		endpoint:     ep,
		traceID:      xid.New().String(),
		myID:         ep.myID,
		myURL:        ep.myURL,
		createdAt:    now,
		state:        sessionAtStartup,
		sendStreams:  make(map[uint32]*SendStream),
		recvStreams:  make(map[uint32]*ReceiveStream),
		nextStreamID: 1,
		metrics:      ep.metrics,
	}
	s.logger = logging.WithSession(ep.logger, s.traceID, addr.String())
	return s
}

// start moves the session from AT_STARTUP to PING and sends the first PING,
// per spec §4.3.
func (s *Session) start(now time.Time) {
	s.enterState(sessionPing, now)
	s.sendDatagram(wire.EncodePing())
	s.lastPingSentAt = now
}

func (s *Session) enterState(next sessionState, now time.Time) {
	s.logger.Debug("session state transition", "from", s.state, "to", next)
	s.state = next
	s.stateEnteredAt = now
}

// sendDatagram writes a datagram to this session's peer address and updates
// the bytes-sent counter.
func (s *Session) sendDatagram(payload []byte) {
	s.endpoint.sendTo(s.addr, payload)
	s.bytesSent += uint64(len(payload))
}

func (s *Session) hasActiveTransfer() bool {
	return len(s.sendStreams) > 0 || len(s.recvStreams) > 0
}

// tick advances the session's own handshake/keepalive timers. Stream
// scheduling is driven separately by the engine (spec §4.7) so the global
// average sending rate can be computed across every session's streams.
func (s *Session) tick(now time.Time) {
	switch s.state {
	case sessionPing:
		if now.Sub(s.lastPingSentAt) >= time.Second {
			s.sendDatagram(wire.EncodePing())
			s.lastPingSentAt = now
		}
		if now.Sub(s.stateEnteredAt) >= config.PingTimeout {
			s.shutdown("ping timeout")
		}
	case sessionGreeting:
		if now.Sub(s.lastGreetingSentAt) >= time.Second {
			s.sendGreeting()
		}
		if now.Sub(s.stateEnteredAt) >= config.GreetingTimeout {
			s.shutdown("greeting timeout")
		}
	case sessionConnected:
		if now.Sub(s.lastAliveSentAt) >= 10*time.Second {
			s.sendDatagram(wire.EncodeAlive())
			s.lastAliveSentAt = now
		}
		if now.Sub(s.lastRecvAt) >= config.SessionIdleTimeout && !s.hasActiveTransfer() {
			s.shutdown("idle timeout")
		}
	}
}

func (s *Session) sendGreeting() {
	s.sendDatagram(wire.EncodeGreeting(wire.Greeting{PeerID: s.myID, PeerURL: s.myURL}))
	s.lastGreetingSentAt = time.Now()
}

// handleDatagram dispatches an inbound, already-decoded datagram to this
// session's state machine, per spec §4.3.
func (s *Session) handleDatagram(cmd wire.Command, body []byte, now time.Time) {
	if s.state == sessionClosed {
		return
	}

	s.lastRecvAt = now
	s.bytesReceived += uint64(len(body))

	// "Any incoming datagram advances [a PING session] to GREETING while
	// continuing to react to the datagram." (spec §4.3)
	if s.state == sessionPing {
		s.enterState(sessionGreeting, now)
		s.sendGreeting()
	}

	switch cmd {
	case wire.CommandGreeting:
		s.handleGreeting(body, now)
	case wire.CommandAlive:
		if s.state == sessionGreeting {
			s.transitionConnected(now)
		}
	case wire.CommandData:
		s.handleData(body, now)
	case wire.CommandAck:
		s.handleAck(body, now)
	case wire.CommandPing:
		// No dedicated response beyond the state advance above.
	}
}

func (s *Session) handleGreeting(body []byte, now time.Time) {
	g, err := wire.DecodeGreeting(body)
	if err != nil {
		s.logger.Debug("dropping malformed greeting", "error", err)
		return
	}

	// 1. Always reply with ALIVE.
	s.sendDatagram(wire.EncodeAlive())

	// 2. Learn peer-id and peer-url once; a later GREETING claiming a
	// different identity is logged but never overwrites what was already
	// learned, so a spoofed or stray datagram cannot hijack an established
	// session's identity.
	if s.peerID == "" && s.peerURL == "" {
		s.peerID, s.peerURL = g.PeerID, g.PeerURL
	} else if s.peerID != g.PeerID || s.peerURL != g.PeerURL {
		s.logger.Warn("greeting claims a different peer identity, ignoring",
			"kept_id", s.peerID, "claimed_id", g.PeerID, "kept_url", s.peerURL, "claimed_url", g.PeerURL)
	}

	// 3. Any other session sharing this peer-id or peer-url loses: this
	// session's GREETING is the most recent.
	s.endpoint.resolveIdentityConflicts(s)

	if s.state != sessionConnected {
		s.transitionConnected(now)
	}
}

func (s *Session) transitionConnected(now time.Time) {
	s.enterState(sessionConnected, now)
	s.lastAliveSentAt = now
	s.drainFileQueue(now)
}

// drainFileQueue starts a SendStream for every queued ticket whose target
// matches the learned peer-id; unmatched tickets remain queued, per spec
// §4.3.
func (s *Session) drainFileQueue(now time.Time) {
	var remaining []*FileTicket
	for _, ticket := range s.fileQueue {
		if ticket.TargetID != "" && ticket.TargetID != s.peerID {
			remaining = append(remaining, ticket)
			continue
		}
		if _, err := s.startSendStream(ticket, now); err != nil {
			s.logger.Error("starting queued send stream", "error", err)
		}
	}
	s.fileQueue = remaining
}

// QueueFile enqueues an outbound transfer. If the session is already
// CONNECTED and the target matches the learned peer-id, the stream starts
// immediately.
func (s *Session) QueueFile(ticket *FileTicket, now time.Time) error {
	if s.state == sessionClosed {
		return ErrSessionClosed
	}
	if s.state == sessionConnected && (ticket.TargetID == "" || ticket.TargetID == s.peerID) {
		_, err := s.startSendStream(ticket, now)
		return err
	}
	s.fileQueue = append(s.fileQueue, ticket)
	return nil
}

// startSendStream opens a SendStream for ticket and immediately hands it the
// ticket's full payload, per spec §4.4.1 (the chunking into BlockSize
// blocks happens inside SendStream.consume).
func (s *Session) startSendStream(ticket *FileTicket, now time.Time) (*SendStream, error) {
	id := s.nextStreamID
	s.nextStreamID++
	stream := newSendStream(id, s, ticket.Producer, ticket.TotalSize, now)
	s.sendStreams[id] = stream
	s.endpoint.registerStream(stream)

	if len(ticket.Data) > 0 {
		if err := stream.consume(ticket.Data, now); err != nil {
			return stream, err
		}
	}
	return stream, nil
}

func (s *Session) handleData(body []byte, now time.Time) {
	f, err := wire.DecodeData(body)
	if err != nil {
		s.logger.Debug("dropping malformed data frame", "error", err)
		return
	}

	stream, ok := s.recvStreams[f.StreamID]
	if !ok {
		if s.OnIncomingStream == nil {
			return
		}
		consumer, accept := s.OnIncomingStream(f.StreamID, f.TotalSize)
		if !accept {
			return
		}
		stream = newReceiveStream(f.StreamID, s, consumer, f.TotalSize, now)
		s.recvStreams[f.StreamID] = stream
		s.endpoint.registerStream(stream)
	}
	stream.handleData(f, now)
}

func (s *Session) handleAck(body []byte, now time.Time) {
	f, err := wire.DecodeAck(body)
	if err != nil {
		s.logger.Debug("dropping malformed ack frame", "error", err)
		return
	}
	stream, ok := s.sendStreams[f.StreamID]
	if !ok {
		return
	}
	stream.handleAck(f, now)
}

// unregisterStream removes a terminated stream from this session and the
// engine-wide registry/balancer.
func (s *Session) unregisterStream(h streamHandle) {
	switch h.direction() {
	case DirectionSend:
		delete(s.sendStreams, h.streamID())
	case DirectionReceive:
		delete(s.recvStreams, h.streamID())
	}
	s.endpoint.unregisterStream(h)
}

// shutdown closes every owned stream with a failure outcome and moves the
// session to CLOSED.
func (s *Session) shutdown(reason string) {
	if s.state == sessionClosed {
		return
	}
	s.logger.Info("session shutting down", "reason", reason)

	for _, stream := range s.sendStreams {
		stream.complete(StatusFailed, ErrSessionClosed.Error(), false)
	}
	for _, stream := range s.recvStreams {
		stream.complete(StatusFailed, ErrSessionClosed.Error(), false)
	}

	s.state = sessionClosed
	s.endpoint.unregisterSession(s)
}
