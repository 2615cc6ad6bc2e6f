package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/bitdust-io/reliable-udp/internal/testutil"
)

// TestFileTransferSurvivesPacketLoss drives a transfer through a relay that
// drops, reorders, and duplicates a fraction of the datagrams crossing it,
// and checks the resend/dedup/reassembly path still delivers every byte
// exactly once and in order.
func TestFileTransferSurvivesPacketLoss(t *testing.T) {
	sender := newTestEndpoint(t)
	receiver := newTestEndpoint(t)

	wire, err := testutil.NewLossyWire(1, 0.15, 0.1, 0.1)
	if err != nil {
		t.Fatalf("NewLossyWire: %v", err)
	}
	t.Cleanup(wire.Close)
	go wire.Run(sender.conn.LocalAddr().String(), receiver.conn.LocalAddr().String())

	payload := bytes.Repeat([]byte("loss-test-payload-"), 300)
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

	if err := sender.SendFile(wire.PublicAddrA(), ticket); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	select {
	case res := <-producer.done:
		if res.status != StatusFinished {
			t.Fatalf("send did not finish despite loss: %+v", res)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for send completion under loss")
	}

	select {
	case res := <-consumer.done:
		if res.status != StatusFinished {
			t.Fatalf("receive did not finish despite loss: %+v", res)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for receive completion under loss")
	}

	if !bytes.Equal(consumer.buf.Bytes(), payload) {
		t.Fatalf("received payload mismatch under loss: got %d bytes, want %d", consumer.buf.Len(), len(payload))
	}
}
