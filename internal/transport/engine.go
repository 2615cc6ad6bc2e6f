package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/bitdust-io/reliable-udp/internal/config"
	"github.com/bitdust-io/reliable-udp/internal/metrics"
	"github.com/bitdust-io/reliable-udp/internal/wire"
)

// task is a closure submitted from outside the engine goroutine. Every
// mutation of session/stream state happens either here or from Run's own
// read/tick loop, so none of that state needs locking (spec §5).
type task func()

// Endpoint owns one UDP socket and every session/stream multiplexed over
// it. All its mutable state is touched only from the goroutine running
// Run; everything else talks to it through submit.
type Endpoint struct {
	conn *net.UDPConn

	myID  string
	myURL string

	logger  *slog.Logger
	metrics *metrics.Registry
	balancer *Balancer

	tickPeriod time.Duration

	sessions map[string]*Session // keyed by peerKey(addr)

	incomingHandler func(peerAddr string, streamID uint32, totalSize uint32) (Consumer, bool)

	tasks  chan task
	inbox  chan inboundDatagram
	closed chan struct{}
}

type inboundDatagram struct {
	addr *net.UDPAddr
	data []byte
}

// EndpointOptions configures a new Endpoint.
type EndpointOptions struct {
	MyID  string
	MyURL string

	GlobalInBytesPerSec  float64
	GlobalOutBytesPerSec float64
	TickPeriod           time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// NewEndpoint binds a UDP socket on listenAddr and constructs an Endpoint
// ready to Run, per spec §4.2.
func NewEndpoint(listenAddr string, opts EndpointOptions) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: binding udp socket: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	tickPeriod := opts.TickPeriod
	if tickPeriod <= 0 {
		tickPeriod = config.DefaultTickPeriod
	}

	inBps := opts.GlobalInBytesPerSec
	if inBps <= 0 {
		inBps = config.DefaultGlobalInBytesPerSec
	}
	outBps := opts.GlobalOutBytesPerSec
	if outBps <= 0 {
		outBps = config.DefaultGlobalOutBytesPerSec
	}

	ep := &Endpoint{
		conn:       conn,
		myID:       opts.MyID,
		myURL:      opts.MyURL,
		logger:     logger.With("component", "transport_endpoint", "listen", conn.LocalAddr().String()),
		metrics:    m,
		tickPeriod: tickPeriod,
		sessions:   make(map[string]*Session),
		tasks:      make(chan task, 64),
		inbox:      make(chan inboundDatagram, 256),
		closed:     make(chan struct{}),
	}
	ep.balancer = NewBalancer(inBps, outBps, m)
	return ep, nil
}

// Run drives the engine goroutine: it reads datagrams (relayed from a
// dedicated reader goroutine, the one unavoidable exception to the
// single-goroutine rule, since net.UDPConn has no non-blocking read), ticks
// the scheduler, and serializes submitted tasks. It blocks until ctx is
// canceled or Close is called.
func (ep *Endpoint) Run(ctx context.Context) error {
	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()
	go ep.readLoop(readerCtx)

	ticker := time.NewTicker(ep.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ep.shutdownAll()
			close(ep.closed)
			return ctx.Err()

		case t := <-ep.tasks:
			t()

		case dg := <-ep.inbox:
			ep.handleInbound(dg.addr, dg.data)

		case now := <-ticker.C:
			ep.tick(now)
		}
	}
}

// readLoop is the single goroutine allowed to block outside the engine
// loop. It only ever pushes into ep.inbox; it never touches session state.
func (ep *Endpoint) readLoop(ctx context.Context) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, addr, err := ep.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			ep.logger.Debug("udp read error", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case ep.inbox <- inboundDatagram{addr: addr, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (ep *Endpoint) handleInbound(addr *net.UDPAddr, data []byte) {
	cmd, body, err := wire.Decode(data)
	if err != nil {
		ep.logger.Debug("dropping malformed datagram", "from", addr.String(), "error", err)
		return
	}

	now := time.Now()
	key := peerKey(addr)
	sess, ok := ep.sessions[key]
	if !ok {
		// A session is created for an unknown peer only on PING or GREETING;
		// any other first contact is dropped (spec §4.3).
		if cmd != wire.CommandPing && cmd != wire.CommandGreeting {
			return
		}
		sess = newSession(addr, ep, now)
		ep.applyIncomingHandler(sess)
		ep.sessions[key] = sess
		sess.start(now)
	}
	sess.handleDatagram(cmd, body, now)
}

// tick advances every session's handshake timers and every stream's
// iterate, and recomputes the global average sending rate used by each
// SendStream's bandwidth gate (spec §4.7).
func (ep *Endpoint) tick(now time.Time) {
	for _, sess := range ep.sessions {
		sess.tick(now)
	}

	var totalBytes uint64
	var oldestSend time.Time
	for _, sess := range ep.sessions {
		for _, st := range sess.sendStreams {
			totalBytes += st.totalBytesSent
			if oldestSend.IsZero() || st.createdAt.Before(oldestSend) {
				oldestSend = st.createdAt
			}
		}
	}
	var globalAvgSendRate float64
	if !oldestSend.IsZero() {
		if elapsed := now.Sub(oldestSend).Seconds(); elapsed > 0 {
			globalAvgSendRate = float64(totalBytes) / elapsed
		}
	}

	for _, sess := range ep.sessions {
		for _, st := range sess.sendStreams {
			st.iterate(now, globalAvgSendRate)
		}
		for _, st := range sess.recvStreams {
			st.iterate(now)
		}
	}
}

func (ep *Endpoint) sendTo(addr *net.UDPAddr, payload []byte) {
	if _, err := ep.conn.WriteToUDP(payload, addr); err != nil {
		ep.logger.Debug("udp write error", "to", addr.String(), "error", err)
	}
}

func (ep *Endpoint) registerStream(h streamHandle) {
	ep.balancer.Register(h)
	ep.metrics.SetActiveStreams(ep.balancer.ActiveStreams())
}

func (ep *Endpoint) unregisterStream(h streamHandle) {
	ep.balancer.Unregister(h)
	ep.metrics.SetActiveStreams(ep.balancer.ActiveStreams())
}

// resolveIdentityConflicts shuts down every other session sharing winner's
// learned peer-id or peer-url: the most recent GREETING wins (spec §4.3).
func (ep *Endpoint) resolveIdentityConflicts(winner *Session) {
	for key, sess := range ep.sessions {
		if sess == winner {
			continue
		}
		if (winner.peerID != "" && sess.peerID == winner.peerID) ||
			(winner.peerURL != "" && sess.peerURL == winner.peerURL) {
			ep.logger.Info("shutting down superseded session",
				"peer_addr", sess.addr.String(), "winner_addr", winner.addr.String())
			sess.shutdown("superseded by newer greeting")
			delete(ep.sessions, key)
		}
	}
}

func (ep *Endpoint) unregisterSession(sess *Session) {
	delete(ep.sessions, peerKey(sess.addr))
	ep.metrics.SetActiveSessions(len(ep.sessions))
}

func (ep *Endpoint) shutdownAll() {
	for _, sess := range ep.sessions {
		sess.shutdown("endpoint closing")
	}
}

// submit serializes fn onto the engine goroutine and blocks until it has
// run. API methods below use it so external callers never touch session or
// stream state directly.
func (ep *Endpoint) submit(fn func()) {
	done := make(chan struct{})
	select {
	case ep.tasks <- func() { fn(); close(done) }:
		<-done
	case <-ep.closed:
	}
}

// Dial ensures a session exists for remoteAddr and returns it, starting the
// handshake if the session is new.
func (ep *Endpoint) Dial(remoteAddr string) (*Session, error) {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolving remote address: %w", err)
	}

	var sess *Session
	ep.submit(func() {
		key := peerKey(addr)
		if existing, ok := ep.sessions[key]; ok {
			sess = existing
			return
		}
		now := time.Now()
		sess = newSession(addr, ep, now)
		ep.applyIncomingHandler(sess)
		ep.sessions[key] = sess
		sess.start(now)
		ep.metrics.SetActiveSessions(len(ep.sessions))
	})
	return sess, nil
}

// SendFile queues an outbound transfer to remoteAddr, per spec §6's
// external API surface.
func (ep *Endpoint) SendFile(remoteAddr string, ticket *FileTicket) error {
	sess, err := ep.Dial(remoteAddr)
	if err != nil {
		return err
	}
	var qerr error
	ep.submit(func() {
		qerr = sess.QueueFile(ticket, time.Now())
	})
	return qerr
}

// SetIncomingStreamHandler installs the acceptance callback used for every
// session dialed into or accepted by this endpoint, including ones created
// later.
func (ep *Endpoint) SetIncomingStreamHandler(fn func(peerAddr string, streamID uint32, totalSize uint32) (Consumer, bool)) {
	ep.submit(func() {
		ep.incomingHandler = fn
		for _, sess := range ep.sessions {
			ep.applyIncomingHandler(sess)
		}
	})
}

func (ep *Endpoint) applyIncomingHandler(sess *Session) {
	if ep.incomingHandler == nil {
		return
	}
	fn := ep.incomingHandler
	sess.OnIncomingStream = func(streamID uint32, totalSize uint32) (Consumer, bool) {
		return fn(sess.addr.String(), streamID, totalSize)
	}
}

// Close shuts down the UDP socket, which in turn stops the reader
// goroutine and causes Run to return once its context is also canceled.
func (ep *Endpoint) Close() error {
	return ep.conn.Close()
}
