package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeGreeting(t *testing.T) {
	datagram := EncodeGreeting(Greeting{PeerID: "alice", PeerURL: "http://alice.example/alice.xml"})

	cmd, body, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cmd != CommandGreeting {
		t.Fatalf("expected CommandGreeting, got %v", cmd)
	}

	g, err := DecodeGreeting(body)
	if err != nil {
		t.Fatalf("DecodeGreeting: %v", err)
	}
	if g.PeerID != "alice" || g.PeerURL != "http://alice.example/alice.xml" {
		t.Fatalf("unexpected greeting: %+v", g)
	}
}

func TestEncodeDecodeData(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 100)
	datagram, err := EncodeData(DataFrame{StreamID: 7, TotalSize: 10000, BlockID: 3, Payload: payload})
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if len(datagram) > MaxDatagramSize {
		t.Fatalf("datagram %d bytes exceeds MaxDatagramSize", len(datagram))
	}

	cmd, body, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cmd != CommandData {
		t.Fatalf("expected CommandData, got %v", cmd)
	}

	f, err := DecodeData(body)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.StreamID != 7 || f.TotalSize != 10000 || f.BlockID != 3 {
		t.Fatalf("unexpected frame header: %+v", f)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestEncodeDecodeDataEmptyBlock(t *testing.T) {
	datagram, err := EncodeData(DataFrame{StreamID: 1, TotalSize: 0, BlockID: EmptyBlockID})
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	_, body, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f, err := DecodeData(body)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if f.BlockID != EmptyBlockID {
		t.Fatalf("expected empty block id, got %d", f.BlockID)
	}
	if len(f.Payload) != 0 {
		t.Fatalf("expected no payload on empty block, got %d bytes", len(f.Payload))
	}
}

func TestDataPayloadTooLarge(t *testing.T) {
	_, err := EncodeData(DataFrame{Payload: make([]byte, BlockSize+1)})
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestEncodeDecodeAckBlocksOnly(t *testing.T) {
	datagram := EncodeAck(AckFrame{StreamID: 42, EOF: true, BlockIDs: []uint32{1, 2, 3}})

	_, body, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f, err := DecodeAck(body)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if f.StreamID != 42 || !f.EOF {
		t.Fatalf("unexpected ack header: %+v", f)
	}
	if len(f.BlockIDs) != 3 || f.BlockIDs[0] != 1 || f.BlockIDs[2] != 3 {
		t.Fatalf("unexpected block ids: %v", f.BlockIDs)
	}
	if f.Pause != nil {
		t.Fatalf("expected no pause directive")
	}
}

func TestEncodeDecodeAckWithPause(t *testing.T) {
	datagram := EncodeAck(AckFrame{
		StreamID: 5,
		BlockIDs: []uint32{10, 11},
		Pause:    &PauseDirective{Seconds: 2.5, LimitBytesPerSec: 10000},
	})

	_, body, err := Decode(datagram)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	f, err := DecodeAck(body)
	if err != nil {
		t.Fatalf("DecodeAck: %v", err)
	}
	if len(f.BlockIDs) != 2 {
		t.Fatalf("expected 2 block ids, got %v", f.BlockIDs)
	}
	if f.Pause == nil {
		t.Fatalf("expected pause directive")
	}
	if f.Pause.Seconds != 2.5 || f.Pause.LimitBytesPerSec != 10000 {
		t.Fatalf("unexpected pause directive: %+v", f.Pause)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	datagram := EncodePing()
	datagram[0] = 0x01
	_, _, err := Decode(datagram)
	if err == nil {
		t.Fatal("expected version error")
	}
}

func TestDecodeRejectsUnknownCommand(t *testing.T) {
	datagram := []byte{Version, 0xFE}
	_, _, err := Decode(datagram)
	if err == nil {
		t.Fatal("expected malformed error for unknown command")
	}
}

func TestDecodeRejectsTruncatedHeader(t *testing.T) {
	_, _, err := Decode([]byte{Version})
	if err == nil {
		t.Fatal("expected malformed error for truncated header")
	}
}

func TestPingAliveRoundtrip(t *testing.T) {
	cmd, _, err := Decode(EncodePing())
	if err != nil || cmd != CommandPing {
		t.Fatalf("ping roundtrip failed: cmd=%v err=%v", cmd, err)
	}
	cmd, _, err = Decode(EncodeAlive())
	if err != nil || cmd != CommandAlive {
		t.Fatalf("alive roundtrip failed: cmd=%v err=%v", cmd, err)
	}
}
