package swarm

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Swarm is the local node's view of the peer network plus the machinery to
// talk to it (spec.md §2): registry, transport, reply queue, dispatcher,
// delta distributor, and block-sync engine, tied together with the four
// named mutexes from spec.md §5.
type Swarm struct {
	log      *logrus.Entry
	identity Identity
	config   Config
	self     Peer

	registry  *registry
	transport *transport
	replies   *replyQueue
	events    *Events
	metrics   *swarmMetrics

	chain         Chain
	codec         Codec
	newEmptyChain NewEmptyChainFunc

	runningMutex    sync.Mutex
	running         bool
	cancel          chan struct{}
	ready           chan struct{}
	loopWG          sync.WaitGroup
	blockSyncMutex  sync.Mutex
	receiveMutex    sync.Mutex
	distributeMutex sync.Mutex

	lastDistributed time.Time
	lastReceived    time.Time
	lastSeen        map[string]time.Time

	done chan error
}

// NewSwarm constructs a Swarm. It does not bind any socket or dial any peer —
// that happens in Start (spec.md §4.9).
func NewSwarm(cfg Config) (*Swarm, error) {
	cfg, err := New(cfg)
	if err != nil {
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	self := NewPeer(cfg.Identity.PublicKey(), cfg.LocalHost, cfg.LocalPort, cfg.Identity)
	log = log.WithFields(logrus.Fields{"self": self, "protocolVersion": cfg.ProtocolVersion})

	s := &Swarm{
		log:           log,
		identity:      cfg.Identity,
		config:        cfg,
		self:          self,
		registry:      newRegistry(self, log),
		events:        newEvents(),
		replies:       newReplyQueue(),
		metrics:       newMetrics(),
		chain:         cfg.Chain,
		codec:         cfg.Codec,
		newEmptyChain: cfg.NewEmptyChain,
		lastSeen:      make(map[string]time.Time),
		ready:         make(chan struct{}),
	}
	s.transport = newTransport(cfg.Identity, cfg.ProtocolVersion, cfg.DialTimeout, log)
	s.registry.dial = s.transport.dial
	s.registry.running = func() bool { return s.isRunning() }
	s.registry.onDialSuccess = func() { s.metrics.dialSuccesses.Mark(1) }
	s.registry.onDialFailure = func() { s.metrics.dialFailures.Mark(1) }
	return s, nil
}

func (s *Swarm) isRunning() bool {
	s.runningMutex.Lock()
	defer s.runningMutex.Unlock()
	return s.running
}

// Events returns the swarm's four observable auto-reset signals (spec.md
// §6: deltaReceived, deltaDistributed, txReceived, blockReceived).
func (s *Swarm) Events() *Events { return s.events }

// Ready returns a channel that closes once Start has bound the transport
// and entered the running state. Callers that want to AddPeers concurrently
// with Start — rather than pre-seeding the registry, which spec.md §4.2
// only dials while running — should wait on this before calling AddPeers.
func (s *Swarm) Ready() <-chan struct{} {
	s.runningMutex.Lock()
	defer s.runningMutex.Unlock()
	return s.ready
}

// AddPeers admits peers into the registry, dialing each (spec.md §4.2).
// registry.add mutates the active map and the outbound-socket map, which
// spec.md §5 requires happen only under one of the four named mutexes;
// AddPeers shares receiveMutex with handlePeerSetDelta's own call to add,
// since both are, from the registry's point of view, the same admission
// operation applied to two different sources of candidate peers.
func (s *Swarm) AddPeers(peers []Peer, timestamp time.Time) []Peer {
	s.receiveMutex.Lock()
	defer s.receiveMutex.Unlock()
	return s.registry.add(peers, timestamp)
}

// PeerCount returns the number of active peers.
func (s *Swarm) PeerCount() int { return s.registry.count() }

// Start implements spec.md §4.9. It blocks until a long-running task fails
// or cancel fires, then runs Stop before returning.
func (s *Swarm) Start(cancel <-chan struct{}) error {
	s.runningMutex.Lock()
	if s.running {
		s.runningMutex.Unlock()
		return ErrAlreadyRunning
	}

	var relay RelayClient
	if len(s.config.ICEServers) > 0 {
		var err error
		relay, err = s.config.RelayClientFactory(s.config.ICEServers)
		if err != nil {
			s.runningMutex.Unlock()
			return err
		}
	}

	if err := s.transport.start(s.config.LocalHost, s.config.LocalPort, relay); err != nil {
		s.runningMutex.Unlock()
		return err
	}
	s.self = s.transport.advertised

	s.running = true
	s.cancel = make(chan struct{})
	internalCancel := s.cancel

	for _, p := range s.registry.peers() {
		if _, err := s.transport.dial(p); err != nil {
			s.log.WithFields(logrus.Fields{"peer": p, "error": err}).Debug("start: re-dial failed")
		}
	}
	close(s.ready)
	s.runningMutex.Unlock()

	s.done = make(chan error, 8)
	s.spawnLoop("dispatcher", internalCancel, func(c <-chan struct{}) error { s.dispatcherLoop(c); return nil })
	s.spawnLoop("reply-writer", internalCancel, func(c <-chan struct{}) error {
		replyWriterLoop(c, s.replies, s.transport, s.identity, s.log)
		return nil
	})
	s.spawnLoop("delta-distributor", internalCancel, func(c <-chan struct{}) error { s.deltaDistributorLoop(c); return nil })
	if relay != nil && relay.IsBehindNAT() {
		s.spawnLoop("relay-refresh", internalCancel, func(c <-chan struct{}) error { s.relayRefreshLoop(c, relay); return nil })
		s.spawnLoop("relay-bind", internalCancel, func(c <-chan struct{}) error { s.relayBindLoop(c, relay); return nil })
	}

	var runErr error
	select {
	case runErr = <-s.done:
		if runErr != nil {
			s.log.WithError(runErr).Error("start: task failed, shutting down")
		}
	case <-cancel:
	}

	s.Stop()
	return runErr
}

// spawnLoop launches fn on its own goroutine, tracked in loopWG so Stop can
// wait for every background task to actually return before tearing down the
// sockets those tasks may still be polling (spec.md §4.9, §5).
func (s *Swarm) spawnLoop(name string, cancel <-chan struct{}, fn func(<-chan struct{}) error) {
	s.loopWG.Add(1)
	go s.runLoop(name, cancel, fn)
}

func (s *Swarm) runLoop(name string, cancel <-chan struct{}, fn func(<-chan struct{}) error) {
	defer s.loopWG.Done()
	err := fn(cancel)
	select {
	case s.done <- err:
	default:
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"task": name, "error": err}).Error("task exited with error")
	}
}

// relayRefreshLoop renews the relay allocation at (lifetime - 1 minute)
// (spec.md §4.9, §5).
func (s *Swarm) relayRefreshLoop(cancel <-chan struct{}, relay RelayClient) {
	lifetime := RelayAllocationLifetime
	for {
		wait := lifetime - time.Minute
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-cancel:
			return
		case <-time.After(wait):
			newLifetime, err := relay.RefreshAllocation(RelayAllocationLifetime)
			if err != nil {
				s.log.WithError(err).Warn("relay: refresh failed")
				continue
			}
			lifetime = newLifetime
			if host, port, err := relay.GetMappedAddress(); err == nil {
				s.log.WithFields(logrus.Fields{"host": host, "port": port}).Debug("relay: allocation refreshed")
			}
		}
	}
}

// Stop implements spec.md §4.9's stop(): announce departure, tear down
// every socket, and mark not-running.
func (s *Swarm) Stop() {
	s.runningMutex.Lock()
	defer s.runningMutex.Unlock()
	if !s.running {
		return
	}

	s.registry.remove([]Peer{s.self}, time.Now())
	s.distribute(false)

	if s.cancel != nil {
		close(s.cancel)
	}
	s.loopWG.Wait()
	s.transport.close()
	for addr := range s.registry.sockets {
		s.registry.closeAndDropSocket(addr)
	}
	s.running = false
	s.ready = make(chan struct{})
}

// BroadcastBlocks implements spec.md §4.9: frame a BlockHashes announcement
// and fan it out to every outbound socket with a 300ms per-send timeout.
// Called by the node's block-production/consensus collaborator whenever it
// appends new blocks to the local chain.
func (s *Swarm) BroadcastBlocks(blocks []Block) {
	if len(blocks) == 0 {
		return
	}
	hashes := make([][32]byte, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash()
	}
	msg := &Message{
		Kind:            KindBlockHashes,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         BlockHashesPayload{Sender: s.self.Address, Hashes: hashes},
	}
	s.broadcastFrames(msg)
}

// BroadcastTxs implements spec.md §4.9's TxIds fan-out, called whenever the
// node's mempool collaborator accepts new transactions worth gossiping.
func (s *Swarm) BroadcastTxs(txs []Tx) {
	if len(txs) == 0 {
		return
	}
	ids := make([][32]byte, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}
	msg := &Message{
		Kind:            KindTxIds,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         TxIdsPayload{Sender: s.self.Address, IDs: ids},
	}
	s.broadcastFrames(msg)
}

func (s *Swarm) broadcastFrames(msg *Message) {
	frames, err := Encode(msg, s.identity, false)
	if err != nil {
		s.log.WithError(err).Error("broadcast: encode failed")
		return
	}
	for _, p := range s.registry.peers() {
		sock, ok := s.registry.socket(p.Address)
		if !ok {
			continue
		}
		if err := sendWithTimeout(sock, frames, broadcastSendTimeout); err != nil {
			s.log.WithFields(logrus.Fields{"peer": p, "error": err}).Debug("broadcast: send failed")
		}
	}
}
