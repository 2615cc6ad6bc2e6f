package transport

import "errors"

// Error taxonomy per spec §7. Only these cross the transport boundary as
// Go errors; everything else (garbage acks, duplicate/old blocks, a stalled
// tick) is internal and observable only via counters/metrics.
var (
	// ErrBufferOverflow is returned synchronously by Consume when accepting
	// the call would push the stream's output buffer past OUTPUT_BUFFER_SIZE
	// or past the outstanding-block cap. It is not a transport failure: the
	// producer is expected to retry later.
	ErrBufferOverflow = errors.New("transport: output buffer would overflow")

	// ErrSendTimeout is the terminal error for a SendStream that received at
	// least one ACK and then stopped hearing back for too long.
	ErrSendTimeout = errors.New("transport: remote side stopped responding")

	// ErrSendNoAck is ErrSendTimeout's variant for a stream that never
	// received a single ACK (spec §7 item 2: "sending failed" wording).
	ErrSendNoAck = errors.New("transport: sending failed")

	// ErrReceiveTimeout is the terminal error for a ReceiveStream that saw
	// no DATA for longer than the receive timeout.
	ErrReceiveTimeout = errors.New("transport: receiving timeout")

	// ErrHandshakeTimeout names the handshake-timeout outcome. The transport
	// does not return or report it: a session whose PING or GREETING state
	// exceeds its deadline shuts down, and every stream it owns completes
	// with ErrSessionClosed's message.
	ErrHandshakeTimeout = errors.New("transport: handshake timeout")

	// ErrSessionClosed is returned by API calls made against a session that
	// has already transitioned to CLOSED.
	ErrSessionClosed = errors.New("transport: session closed")

	// ErrStreamClosed is returned by API calls made against a stream that
	// has already transitioned to CLOSED.
	ErrStreamClosed = errors.New("transport: stream closed")
)
