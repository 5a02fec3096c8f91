package swarm

import (
	"time"

	"github.com/sirupsen/logrus"
)

// registryEntry pairs a known Peer with the last moment it was observed.
type registryEntry struct {
	peer      Peer
	timestamp time.Time
}

// registry tracks known peers and their last-seen timestamps, recently
// removed peers, and the outbound-socket handle for each active peer
// (spec.md §3, §4.2). None of its methods take their own lock: every
// mutating call happens under one of the swarm's four named mutexes
// (spec.md §5), and the zero-value maps are only ever written from those
// call sites.
type registry struct {
	self Peer
	log  *logrus.Entry

	active  map[string]registryEntry // keyed by peerKey(peer)
	removed map[string]registryEntry // keyed by peerKey(peer)
	sockets map[[20]byte]*dealerSocket

	// dial opens an outbound socket to p, running the handshake described
	// in spec.md §4.3. It is nil until the swarm is started.
	dial func(p Peer) (*dealerSocket, error)

	// running reports whether the swarm is currently started; add()
	// refuses to dial when it is not (spec.md §4.2).
	running func() bool

	// onDialSuccess/onDialFailure, when set, mark the corresponding
	// go-metrics meter (see metrics.go). Left nil in tests that construct a
	// bare registry.
	onDialSuccess func()
	onDialFailure func()
}

func newRegistry(self Peer, log *logrus.Entry) *registry {
	return &registry{
		self:    self,
		log:     log,
		active:  make(map[string]registryEntry),
		removed: make(map[string]registryEntry),
		sockets: make(map[[20]byte]*dealerSocket),
	}
}

// contains reports whether p (by public key + endpoint) is in the active
// registry.
func (r *registry) contains(p Peer) bool {
	_, ok := r.active[peerKey(p)]
	return ok
}

// count returns the number of active peers.
func (r *registry) count() int {
	return len(r.active)
}

// peers returns a snapshot slice of all active peers.
func (r *registry) peers() []Peer {
	out := make([]Peer, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.peer)
	}
	return out
}

// socket returns the outbound socket for address, if any.
func (r *registry) socket(address [20]byte) (*dealerSocket, bool) {
	s, ok := r.sockets[address]
	return s, ok
}

// add attempts to admit each peer in peers not equal to self and not
// already known. It dials each candidate (if the swarm is running);
// peers that fail to dial with IO, Timeout, or DifferentAppProtocolVersion
// are skipped and logged (spec.md §4.2). It returns the subset actually
// admitted.
func (r *registry) add(peers []Peer, timestamp time.Time) []Peer {
	admitted := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if p.SamePublicKey(r.self) {
			continue
		}
		if r.contains(p) {
			continue
		}
		if removedAt, wasRemoved := r.removedAt(p); wasRemoved && !timestamp.After(removedAt) {
			continue
		}
		if r.running == nil || !r.running() {
			continue
		}
		sock, err := r.dial(p)
		if err != nil {
			if r.onDialFailure != nil {
				r.onDialFailure()
			}
			r.log.WithFields(logrus.Fields{"peer": p, "error": err}).Debug("skipping peer: dial failed")
			continue
		}
		if r.onDialSuccess != nil {
			r.onDialSuccess()
		}
		r.active[peerKey(p)] = registryEntry{peer: p, timestamp: timestamp}
		r.sockets[p.Address] = sock
		admitted = append(admitted, p)
	}
	return admitted
}

// addWithoutDial inserts peers directly into the active map without
// dialing, used internally when a peer is already known to have a live
// socket (e.g. an inbound connection that announced itself).
func (r *registry) addWithoutDial(p Peer, timestamp time.Time, sock *dealerSocket) {
	r.active[peerKey(p)] = registryEntry{peer: p, timestamp: timestamp}
	if sock != nil {
		r.sockets[p.Address] = sock
	}
}

// remove records each peer's address in the removed map with timestamp,
// closes and drops its outbound socket, and also drops any other peer
// sharing its public key (spec.md §4.2: "key-identity dominates endpoint
// changes"). Socket teardown and the removed-map insertion both happen
// unconditionally for every peer passed in — including self, which Stop
// relies on to seed the final departure announcement (spec.md §4.9,
// resolving the public-key-guard ambiguity flagged in spec.md §9: gating
// the removed-map insertion on "not self" would make Stop's own
// self-removal silently vanish, which is the opposite of what the
// departure broadcast needs).
func (r *registry) remove(peers []Peer, timestamp time.Time) {
	for _, p := range peers {
		r.closeAndDropSocket(p.Address)
		delete(r.active, peerKey(p))

		for key, entry := range r.active {
			if entry.peer.SamePublicKey(p) {
				r.closeAndDropSocket(entry.peer.Address)
				delete(r.active, key)
			}
		}

		r.removed[peerKey(p)] = registryEntry{peer: p, timestamp: timestamp}
	}
}

func (r *registry) closeAndDropSocket(address [20]byte) {
	if sock, ok := r.sockets[address]; ok {
		sock.close()
		delete(r.sockets, address)
	}
}

// removedSince returns peers in the removed map with timestamp <= now,
// deleting them so each is announced exactly once (spec.md §4.6).
func (r *registry) removedSince(now time.Time) []Peer {
	var out []Peer
	for key, entry := range r.removed {
		if !entry.timestamp.After(now) {
			out = append(out, entry.peer)
			delete(r.removed, key)
		}
	}
	return out
}

// removedAt reports whether p (by public key and endpoint) is recorded in
// the removed map, and if so at what timestamp — used to enforce the re-entry
// invariant in spec.md §3 ("may re-enter the active map only with a
// timestamp > t").
func (r *registry) removedAt(p Peer) (time.Time, bool) {
	e, ok := r.removed[peerKey(p)]
	return e.timestamp, ok
}
