package swarm

import (
	"testing"
	"time"
)

func mkPeer(key string, port uint16) Peer {
	return NewPeer([]byte(key), "10.0.0.1", port, fixedDeriver{addr: [20]byte{byte(len(key))}})
}

func TestEncodeDecodeDeltaRoundTrip(t *testing.T) {
	sender := mkPeer("sender", 9000)
	added := []Peer{mkPeer("a", 9001), mkPeer("b", 9002)}
	removed := []Peer{mkPeer("c", 9003)}
	existing := []Peer{mkPeer("d", 9004)}
	ts := time.Unix(1000, 500).UTC()

	delta := PeerSetDelta{Sender: sender, Timestamp: ts, Added: added, Removed: removed, Existing: existing, full: true}

	frame, err := encodeDelta(delta)
	if err != nil {
		t.Fatalf("encodeDelta: %v", err)
	}
	decoded, err := decodeDelta(frame)
	if err != nil {
		t.Fatalf("decodeDelta: %v", err)
	}
	if !decoded.Sender.Equal(sender) {
		t.Fatalf("Sender mismatch: %v", decoded.Sender)
	}
	if !decoded.Timestamp.Equal(ts) {
		t.Fatalf("Timestamp mismatch: got %v want %v", decoded.Timestamp, ts)
	}
	if len(decoded.Added) != 2 || len(decoded.Removed) != 1 || len(decoded.Existing) != 1 {
		t.Fatalf("unexpected delta shape: %+v", decoded)
	}
	if !decoded.full {
		t.Fatalf("expected full=true to round-trip via the existing flag")
	}
}

func TestEncodeDecodeDeltaRoundTrip_NoExisting(t *testing.T) {
	delta := PeerSetDelta{Sender: mkPeer("s", 1), Timestamp: time.Unix(1, 0).UTC()}
	frame, err := encodeDelta(delta)
	if err != nil {
		t.Fatalf("encodeDelta: %v", err)
	}
	decoded, err := decodeDelta(frame)
	if err != nil {
		t.Fatalf("decodeDelta: %v", err)
	}
	if decoded.Existing != nil {
		t.Fatalf("expected nil Existing on a non-full delta, got %v", decoded.Existing)
	}
}

func TestUnionPeersDedupes(t *testing.T) {
	p1 := mkPeer("x", 1)
	p2 := mkPeer("y", 2)
	merged := unionPeers([]Peer{p1, p2}, []Peer{p1})
	if len(merged) != 2 {
		t.Fatalf("unionPeers produced %d peers, want 2: %+v", len(merged), merged)
	}
}

func TestExcludeByPublicKey(t *testing.T) {
	a := mkPeer("a", 1)
	aMoved := mkPeer("a", 2) // same key, different endpoint
	b := mkPeer("b", 3)

	kept := excludeByPublicKey([]Peer{a, b}, []Peer{aMoved})
	if len(kept) != 1 || !kept[0].Equal(b) {
		t.Fatalf("expected only b to survive, got %+v", kept)
	}
}

func TestDistributeSkipsEmptyNonFullDelta(t *testing.T) {
	s := newTestSwarm(t)
	s.lastDistributed = time.Now()
	s.distribute(false) // no added/removed peers, all=false: must be a no-op
	if s.events.deltaDistributed.tryConsume() {
		t.Fatalf("distribute(false) emitted deltaDistributed with nothing to announce")
	}
}
