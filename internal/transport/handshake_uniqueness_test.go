package transport

import (
	"net"
	"testing"
	"time"

	"github.com/bitdust-io/reliable-udp/internal/wire"
)

// TestSimultaneousHandshake covers spec.md §8 scenario 5: two peers dialing
// each other at the same time both reach CONNECTED without ending up with
// more than one session between them.
func TestSimultaneousHandshake(t *testing.T) {
	a := newTestEndpoint(t)
	b := newTestEndpoint(t)

	var sessA, sessB *Session
	done := make(chan struct{}, 2)
	go func() {
		sessA, _ = a.Dial(b.conn.LocalAddr().String())
		done <- struct{}{}
	}()
	go func() {
		sessB, _ = b.Dial(a.conn.LocalAddr().String())
		done <- struct{}{}
	}()
	<-done
	<-done

	if !waitForSessionState(t, a, sessA, sessionConnected, 10*time.Second) {
		t.Fatal("a's session never reached CONNECTED")
	}
	if !waitForSessionState(t, b, sessB, sessionConnected, 10*time.Second) {
		t.Fatal("b's session never reached CONNECTED")
	}

	var aSessions, bSessions int
	a.submit(func() { aSessions = len(a.sessions) })
	b.submit(func() { bSessions = len(b.sessions) })
	if aSessions != 1 {
		t.Fatalf("expected exactly 1 session on a, got %d", aSessions)
	}
	if bSessions != 1 {
		t.Fatalf("expected exactly 1 session on b, got %d", bSessions)
	}
}

// TestHandshakeUniquenessAcrossSharedIdentity covers spec.md §8's handshake
// uniqueness invariant and scenario 5's underlying mechanism
// (resolveIdentityConflicts): three distinct remote addresses all claiming
// the same peer-id/peer-url via GREETING. Only the session tied to the most
// recent GREETING should survive.
func TestHandshakeUniquenessAcrossSharedIdentity(t *testing.T) {
	hub := newTestEndpoint(t)

	const sharedID = "shared-peer-id"
	const sharedURL = "http://shared.example/peer.xml"

	peers := make([]*net.UDPConn, 3)
	for i := range peers {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("ListenUDP: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		peers[i] = conn
	}

	hubAddr := hub.conn.LocalAddr().(*net.UDPAddr)
	greeting := wire.EncodeGreeting(wire.Greeting{PeerID: sharedID, PeerURL: sharedURL})

	for _, conn := range peers {
		if _, err := conn.WriteToUDP(greeting, hubAddr); err != nil {
			t.Fatalf("WriteToUDP: %v", err)
		}
		// Give the hub's engine goroutine time to fully process this
		// GREETING (learn the identity, resolve conflicts) before the next
		// peer's GREETING arrives, so "most recent wins" is deterministic.
		time.Sleep(50 * time.Millisecond)
	}

	var sessionCount int
	var survivorAddr string
	hub.submit(func() {
		sessionCount = len(hub.sessions)
		for key := range hub.sessions {
			survivorAddr = key
		}
	})

	if sessionCount != 1 {
		t.Fatalf("expected exactly 1 surviving session for shared identity, got %d", sessionCount)
	}
	lastPeerAddr := peers[len(peers)-1].LocalAddr().String()
	if survivorAddr != lastPeerAddr {
		t.Fatalf("expected the last GREETING's session to survive: got %q, want %q", survivorAddr, lastPeerAddr)
	}
}
