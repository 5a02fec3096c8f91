package swarm

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	set "gopkg.in/fatih/set.v0"
)

// maxPeerFieldLength bounds the PublicKey/Host length prefixes decodePeer
// reads off the wire, so a corrupt or hostile PeerSetDelta frame can't
// drive an arbitrarily large allocation (spec.md §7, InvalidMessage).
const maxPeerFieldLength = 4096

// PeerSetDelta describes a change to the peer set since some reference
// moment (spec.md §3). Existing is only populated on full (re-sync)
// broadcasts.
type PeerSetDelta struct {
	Sender    Peer
	Timestamp time.Time
	Added     []Peer
	Removed   []Peer
	Existing  []Peer
	full      bool
}

// peerKey returns a value suitable as a fatih/set element: a peer is
// unique by public key + endpoint, same as Peer.Equal.
func peerKey(p Peer) string {
	return string(p.PublicKey) + "@" + p.Endpoint()
}

// peerSet builds a deduplicated set.Interface of peers keyed by peerKey,
// alongside the key->Peer lookup needed to recover values after a set
// union/difference operation.
func peerSet(peers []Peer) (set.Interface, map[string]Peer) {
	s := set.New()
	index := make(map[string]Peer, len(peers))
	for _, p := range peers {
		k := peerKey(p)
		s.Add(k)
		index[k] = p
	}
	return s, index
}

// unionPeers merges one or more peer slices, de-duplicating by
// Peer.Equal via a fatih/set union, and returns the merged result.
func unionPeers(groups ...[]Peer) []Peer {
	var (
		result set.Interface = set.New()
		index                = make(map[string]Peer)
	)
	for _, g := range groups {
		s, idx := peerSet(g)
		result = set.Union(result, s)
		for k, p := range idx {
			index[k] = p
		}
	}
	merged := make([]Peer, 0, result.Size())
	set.Each(result, func(item interface{}) bool {
		merged = append(merged, index[item.(string)])
		return true
	})
	return merged
}

// excludeByPublicKey returns the subset of peers whose public key is not
// shared by any peer in excluded (spec.md §4.2: "key-identity dominates
// endpoint changes").
func excludeByPublicKey(peers []Peer, excluded []Peer) []Peer {
	result := make([]Peer, 0, len(peers))
	for _, p := range peers {
		keep := true
		for _, e := range excluded {
			if p.SamePublicKey(e) {
				keep = false
				break
			}
		}
		if keep {
			result = append(result, p)
		}
	}
	return result
}

func encodePeer(buf *bytes.Buffer, p Peer) {
	binary.Write(buf, binary.BigEndian, uint32(len(p.PublicKey)))
	buf.Write(p.PublicKey)
	buf.Write(p.Address[:])
	binary.Write(buf, binary.BigEndian, uint32(len(p.Host)))
	buf.WriteString(p.Host)
	binary.Write(buf, binary.BigEndian, p.Port)
}

func decodePeer(r *bytes.Reader) (Peer, error) {
	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return Peer{}, invalidMessage("peer frame truncated", 0)
	}
	if keyLen > maxPeerFieldLength {
		return Peer{}, invalidMessage("peer public key length exceeds bound", 0)
	}
	pubKey := make([]byte, keyLen)
	if _, err := io.ReadFull(r, pubKey); err != nil {
		return Peer{}, invalidMessage("peer frame truncated", 0)
	}
	var addr [20]byte
	if _, err := io.ReadFull(r, addr[:]); err != nil {
		return Peer{}, invalidMessage("peer frame truncated", 0)
	}
	var hostLen uint32
	if err := binary.Read(r, binary.BigEndian, &hostLen); err != nil {
		return Peer{}, invalidMessage("peer frame truncated", 0)
	}
	if hostLen > maxPeerFieldLength {
		return Peer{}, invalidMessage("peer host length exceeds bound", 0)
	}
	hostBytes := make([]byte, hostLen)
	if _, err := io.ReadFull(r, hostBytes); err != nil {
		return Peer{}, invalidMessage("peer frame truncated", 0)
	}
	var port uint16
	if err := binary.Read(r, binary.BigEndian, &port); err != nil {
		return Peer{}, invalidMessage("peer frame truncated", 0)
	}
	return Peer{PublicKey: pubKey, Address: addr, Host: string(hostBytes), Port: port}, nil
}

func encodePeerList(buf *bytes.Buffer, peers []Peer) {
	binary.Write(buf, binary.BigEndian, uint32(len(peers)))
	for _, p := range peers {
		encodePeer(buf, p)
	}
}

// minEncodedPeerSize is the smallest possible encodePeer output (two
// zero-length length-prefixes, a 20-byte address, and a port), used to
// bound decodePeerList's count against the bytes actually remaining so a
// forged count can't drive a huge premature allocation.
const minEncodedPeerSize = 4 + 20 + 4 + 2

func decodePeerList(r *bytes.Reader) ([]Peer, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, invalidMessage("peer list frame truncated", 0)
	}
	if int64(count)*minEncodedPeerSize > int64(r.Len()) {
		return nil, invalidMessage("peer list count exceeds remaining frame", 0)
	}
	peers := make([]Peer, count)
	for i := range peers {
		p, err := decodePeer(r)
		if err != nil {
			return nil, err
		}
		peers[i] = p
	}
	return peers, nil
}

func encodeDelta(d PeerSetDelta) ([]byte, error) {
	buf := new(bytes.Buffer)
	encodePeer(buf, d.Sender)
	binary.Write(buf, binary.BigEndian, d.Timestamp.UnixNano())
	encodePeerList(buf, d.Added)
	encodePeerList(buf, d.Removed)

	hasExisting := d.Existing != nil
	if hasExisting {
		buf.WriteByte(1)
		encodePeerList(buf, d.Existing)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

func decodeDelta(frame []byte) (PeerSetDelta, error) {
	r := bytes.NewReader(frame)
	sender, err := decodePeer(r)
	if err != nil {
		return PeerSetDelta{}, err
	}
	var nanos int64
	if err := binary.Read(r, binary.BigEndian, &nanos); err != nil {
		return PeerSetDelta{}, invalidMessage("delta timestamp truncated", 0)
	}
	added, err := decodePeerList(r)
	if err != nil {
		return PeerSetDelta{}, err
	}
	removed, err := decodePeerList(r)
	if err != nil {
		return PeerSetDelta{}, err
	}
	hasExisting, err := r.ReadByte()
	if err != nil {
		return PeerSetDelta{}, invalidMessage("delta existing-flag truncated", 0)
	}
	var existing []Peer
	full := false
	if hasExisting == 1 {
		full = true
		existing, err = decodePeerList(r)
		if err != nil {
			return PeerSetDelta{}, err
		}
	}
	return PeerSetDelta{
		Sender:    sender,
		Timestamp: time.Unix(0, nanos).UTC(),
		Added:     added,
		Removed:   removed,
		Existing:  existing,
		full:      full,
	}, nil
}

// deltaDistributorLoop is the timer-driven half of spec.md §4.6: every
// distributeInterval tick call distribute(all=false); every 10th tick,
// distribute(all=true).
func (s *Swarm) deltaDistributorLoop(cancel <-chan struct{}) {
	ticker := time.NewTicker(s.config.DistributeInterval)
	defer ticker.Stop()

	var tick uint64
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			tick++
			s.distribute(tick%10 == 0)
		}
	}
}

// distribute implements spec.md §4.6's distribute(all) procedure.
func (s *Swarm) distribute(all bool) {
	s.distributeMutex.Lock()
	defer s.distributeMutex.Unlock()

	now := time.Now()

	var added []Peer
	for _, p := range s.registry.peers() {
		if entry, ok := s.registry.active[peerKey(p)]; ok && entry.timestamp.After(s.lastDistributed) && !entry.timestamp.After(now) {
			added = append(added, p)
		}
	}
	removed := s.registry.removedSince(now)

	if len(added) == 0 && len(removed) == 0 && !all {
		return
	}

	var existing []Peer
	if all {
		existing = excludeByPublicKey(s.registry.peers(), added)
	}

	delta := PeerSetDelta{
		Sender:    s.self,
		Timestamp: now,
		Added:     added,
		Removed:   removed,
		Existing:  existing,
		full:      all,
	}
	s.lastDistributed = now

	s.metrics.deltaBroadcasts.Mark(1)
	s.broadcastDelta(delta)
	s.events.deltaDistributed.Set()
}

const broadcastSendTimeout = 300 * time.Millisecond

func (s *Swarm) broadcastDelta(delta PeerSetDelta) {
	msg := &Message{
		Kind:            KindPeerSetDelta,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         PeerSetDeltaPayload{Delta: delta},
	}
	frames, err := Encode(msg, s.identity, false)
	if err != nil {
		s.log.WithError(err).Error("distribute: encode failed")
		return
	}
	for _, p := range s.registry.peers() {
		sock, ok := s.registry.socket(p.Address)
		if !ok {
			continue
		}
		if err := sendWithTimeout(sock, frames, broadcastSendTimeout); err != nil {
			s.log.WithFields(logrus.Fields{"peer": p, "error": err}).Debug("distribute: send failed")
		}
	}
}

// sendWithTimeout races sock.send against a deadline; zmq sends on a
// connected DEALER are effectively non-blocking once the high-water-mark
// queue has room, so this mainly guards against a wedged peer without
// stalling the broadcast fan-out (spec.md §4.6, §5).
func sendWithTimeout(sock *dealerSocket, frames [][]byte, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- sock.send(frames) }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// handlePeerSetDelta implements processDelta (spec.md §4.6).
func (s *Swarm) handlePeerSetDelta(msg *Message) {
	p := msg.Payload.(PeerSetDeltaPayload)
	delta := p.Delta

	firstEncounter := !s.registry.contains(delta.Sender) && !delta.Sender.SamePublicKey(s.self)
	if firstEncounter {
		delta.Added = unionPeers(delta.Added, []Peer{delta.Sender})
	}

	s.receiveMutex.Lock()
	removed := excludeByPublicKey(delta.Removed, []Peer{s.self})
	s.registry.remove(removed, delta.Timestamp)

	union := unionPeers(delta.Added, delta.Existing)
	union = excludeByPublicKey(union, delta.Removed)
	s.registry.add(union, delta.Timestamp)

	s.lastReceived = time.Now()
	s.lastSeen[peerKey(delta.Sender)] = time.Now()
	s.receiveMutex.Unlock()

	s.events.deltaReceived.Set()

	if firstEncounter {
		s.distribute(true)
	}
}
