package transport

import (
	"testing"
	"time"

	"github.com/bitdust-io/reliable-udp/internal/config"
)

// TestDeadLinkReportsSendTimeoutThenClosesSession covers spec.md §8 scenario
// 6: A opens a session to B, sends some bytes, and the link goes dead (B
// stops responding entirely). A's stream must report COMPLETION(failed,
// "sending failed") within roughly the RTT_MAX-derived window, and A's
// session must transition to CLOSED once SessionIdleTimeout has elapsed
// since the last datagram it actually received from B.
//
// This test genuinely waits out config.SessionIdleTimeout (60s) for its
// second assertion rather than faking the clock, so it is slow by design;
// it is the literal scenario, not a scaled-down approximation of it.
func TestDeadLinkReportsSendTimeoutThenClosesSession(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the real 60s session idle timeout; skipped in -short")
	}

	sender := newTestEndpoint(t)
	receiver := newTestEndpoint(t)

	consumer := newTestConsumer(500)
	receiver.SetIncomingStreamHandler(func(peerAddr string, streamID uint32, totalSize uint32) (Consumer, bool) {
		return consumer, true
	})

	receiverAddr := receiver.conn.LocalAddr().String()
	sess, err := sender.Dial(receiverAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !waitForSessionState(t, sender, sess, sessionConnected, 2*time.Second) {
		t.Fatal("session never reached CONNECTED")
	}

	// Kill the link: the receiver stops reading entirely, so no further
	// ACK or ALIVE ever reaches the sender.
	receiver.Close()

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	producer := newTestProducer(payload)
	ticket := &FileTicket{Producer: producer, TotalSize: uint32(len(payload)), Data: payload}
	if err := sender.SendFile(receiverAddr, ticket); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case res := <-producer.done:
		if res.status != StatusFailed {
			t.Fatalf("expected send to fail over a dead link, got %+v", res)
		}
		if res.errMsg != ErrSendNoAck.Error() {
			t.Fatalf("expected %q, got %q", ErrSendNoAck.Error(), res.errMsg)
		}
		if !res.timeout {
			t.Fatal("expected the failure to be reported as a timeout")
		}
	case <-time.After(20 * time.Second):
		t.Fatal("send never reported failure over the dead link")
	}

	if !waitForSessionState(t, sender, sess, sessionClosed, config.SessionIdleTimeout+10*time.Second) {
		t.Fatal("session never transitioned to CLOSED after going idle")
	}
}
