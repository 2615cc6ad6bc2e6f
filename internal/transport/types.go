// Package transport implements the reliable-ordered UDP stream protocol,
// the per-peer session handshake/multiplex state machine, and the global
// rate balancer described in spec.md / SPEC_FULL.md.
package transport

import (
	"net"
	"time"
)

// Status is the terminal outcome reported to a stream's producer or consumer.
type Status int

const (
	// StatusFinished means the stream delivered its full payload and latched
	// EOF cleanly.
	StatusFinished Status = iota
	// StatusFailed means the stream could not complete: a sending/receiving
	// timeout, or the owning session was torn down mid-transfer.
	StatusFailed
)

func (s Status) String() string {
	if s == StatusFinished {
		return "finished"
	}
	return "failed"
}

// Direction distinguishes a stream's producer/consumer role.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

func (d Direction) String() string {
	if d == DirectionSend {
		return "send"
	}
	return "receive"
}

// Producer is the byte source behind a SendStream.
type Producer interface {
	// OnSentRawData is invoked once for every newly-acked block, with that
	// block's byte count (an ACK covering several blocks produces several
	// calls). Its boolean return is an EOF
	// hint: once true, the stream latches EOF (spec §4.4.3 step 5).
	OnSentRawData(n int) (eof bool)
	// OnCompletion is called exactly once when the stream leaves COMPLETION.
	OnCompletion(status Status, errMsg string, timedOut bool)
}

// Consumer is the byte sink behind a ReceiveStream.
type Consumer interface {
	// OnReceivedRawData is invoked once per in-order delivered chunk. Its
	// boolean return is an EOF hint that latches EOF (spec §4.5.1 step 5).
	OnReceivedRawData(b []byte) (eof bool)
	// OnCompletion is called exactly once when the stream leaves COMPLETION.
	OnCompletion(status Status, errMsg string, timedOut bool)
}

// FileTicket is a queued outbound transfer, kept in a session's file queue
// until the session reaches CONNECTED and the ticket's target matches the
// learned peer-id (spec §3, Outbound file ticket).
type FileTicket struct {
	LocalPath   string
	TargetID    string
	Description string
	Single      bool
	EnqueuedAt  time.Time

	Producer  Producer
	TotalSize uint32
	Data      []byte

	// OnComplete is carried with the ticket but the transport does not
	// invoke it; a stream's outcome is reported only through the Producer's
	// OnCompletion callback.
	OnComplete func(status Status, errMsg string)
}

// peerKey is the registry key for a session: a canonical (IP, port) string.
func peerKey(addr *net.UDPAddr) string {
	return addr.String()
}
