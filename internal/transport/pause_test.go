package transport

import (
	"bytes"
	"testing"
	"time"
)

// TestReceiverImposedPauseThrottlesSender covers spec.md §8 scenario 4: a
// receiver whose incoming-rate budget is far below the sender's offered
// rate eventually hands back an ACK carrying a PAUSE directive, the sender
// honors it by entering PAUSE, and the transfer still completes end to end.
func TestReceiverImposedPauseThrottlesSender(t *testing.T) {
	sender := newTestEndpoint(t)
	receiver := newTestEndpointWithOptions(t, EndpointOptions{
		// Far below what a ~6 KiB payload needs to cross in one ACK window,
		// so the first ACK after the seed ACK (which goes out at elapsed 0
		// and so carries no PAUSE) has a positive excess-bytes computation
		// and a PAUSE directive is emitted.
		GlobalInBytesPerSec: 2000,
	})

	payload := bytes.Repeat([]byte("pause-scenario-payload-"), 260) // ~6 KiB, >> 2000 B/s
	consumer := newTestConsumer(uint32(len(payload)))
	receiver.SetIncomingStreamHandler(func(peerAddr string, streamID uint32, totalSize uint32) (Consumer, bool) {
		return consumer, true
	})

	producer := newTestProducer(payload)
	ticket := &FileTicket{
		Producer:  producer,
		TotalSize: uint32(len(payload)),
		Data:      payload,
	}

	sess, err := sender.Dial(receiver.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if !waitForSessionState(t, sender, sess, sessionConnected, 2*time.Second) {
		t.Fatal("session never reached CONNECTED")
	}
	if err := sender.SendFile(receiver.conn.LocalAddr().String(), ticket); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	pauseSeen := false
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && !pauseSeen {
		sender.submit(func() {
			for _, st := range sess.sendStreams {
				if st.state == sendPause || st.remoteLimit != nil {
					pauseSeen = true
				}
			}
		})
		if pauseSeen {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !pauseSeen {
		t.Fatal("sender never observed a PAUSE directive from the receiver")
	}

	select {
	case res := <-producer.done:
		if res.status != StatusFinished {
			t.Fatalf("send did not finish: %+v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for send completion after pause")
	}

	select {
	case res := <-consumer.done:
		if res.status != StatusFinished {
			t.Fatalf("receive did not finish: %+v", res)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for receive completion after pause")
	}

	if !bytes.Equal(consumer.buf.Bytes(), payload) {
		t.Fatalf("received payload mismatch after pause: got %d bytes, want %d", consumer.buf.Len(), len(payload))
	}
}
