package swarm

import (
	"time"

	"github.com/sirupsen/logrus"
)

const blockFillRetries = 3

// request sends msg to the peer at address and waits for a single reply on
// that peer's dealer socket. Requests are always framed reply=false — the
// remote's dispatcher reads them off its ROUTER the same as any other
// message — while the reply, read directly off our own dealer socket,
// carries the explicit reply-identity frame (spec.md §4.1).
func (s *Swarm) request(address [20]byte, msg *Message, timeout time.Duration) (*Message, error) {
	sock, ok := s.registry.socket(address)
	if !ok {
		return nil, ErrPeerNotFound
	}
	frames, err := Encode(msg, s.identity, false)
	if err != nil {
		return nil, err
	}
	if err := sock.send(frames); err != nil {
		return nil, err
	}
	reply, err := sock.recv(timeout)
	if err != nil {
		return nil, err
	}
	return Parse(reply, true, s.identity)
}

// fetchBlocks performs the streaming GetBlocks exchange from spec.md §4.7
// step 2: one GetBlocks request, then one Block reply per requested hash,
// in order.
func (s *Swarm) fetchBlocks(address [20]byte, hashes [][32]byte) ([]Block, error) {
	req := &Message{
		Kind:            KindGetBlocks,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         GetBlocksPayload{Hashes: hashes},
	}
	sock, ok := s.registry.socket(address)
	if !ok {
		return nil, ErrPeerNotFound
	}
	frames, err := Encode(req, s.identity, false)
	if err != nil {
		return nil, err
	}
	if err := sock.send(frames); err != nil {
		return nil, err
	}

	blocks := make([]Block, 0, len(hashes))
	for range hashes {
		reply, err := sock.recv(s.config.DialTimeout)
		if err != nil {
			return nil, err
		}
		msg, err := Parse(reply, true, s.identity)
		if err != nil {
			return nil, err
		}
		if msg.Kind != KindBlock {
			return nil, invalidMessage("expected Block reply during fetchBlocks", 0)
		}
		block, err := s.codec.DecodeBlock(msg.Payload.(BlockPayload).Data)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// handleBlockHashesAnnouncement drives the block-sync engine (spec.md
// §4.7). Runs under blockSyncMutex: at most one reconciliation at a time.
func (s *Swarm) handleBlockHashesAnnouncement(msg *Message) {
	p := msg.Payload.(BlockHashesPayload)

	sender, ok := s.senderByAddress(p.Sender)
	if !ok {
		s.log.WithField("sender", p.Sender).Debug("block sync: unknown announcing peer, dropping")
		return
	}
	if len(p.Hashes) == 0 {
		return
	}

	s.blockSyncMutex.Lock()
	defer s.blockSyncMutex.Unlock()

	defer s.metrics.blockSyncDuration.UpdateSince(time.Now())
	if err := s.reconcile(sender, p.Hashes); err != nil {
		s.log.WithFields(logrus.Fields{"sender": sender, "error": err}).Warn("block sync: reconciliation failed")
		return
	}
	s.events.blockReceived.Set()
}

func (s *Swarm) senderByAddress(address [20]byte) (Peer, bool) {
	for _, p := range s.registry.peers() {
		if p.Address == address {
			return p, true
		}
	}
	return Peer{}, false
}

func (s *Swarm) reconcile(sender Peer, hashes [][32]byte) error {
	blocks, err := s.fetchBlocks(sender.Address, hashes)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}

	oldest, latest := blocks[0], blocks[len(blocks)-1]
	tip, hasTip := s.chain.Tip()
	if hasTip && latest.Index() <= tip.Index() {
		return nil // stale announcement
	}

	locator := s.chain.GetBlockLocator()
	oldestHash := oldest.Hash()
	branchResp, err := s.request(sender.Address, &Message{
		Kind:            KindGetBlockHashes,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         GetBlockHashesPayload{Locator: locator, Stop: &oldestHash},
	}, s.config.DialTimeout)
	if err != nil {
		return err
	}
	branchHashes := branchResp.Payload.(BlockHashesPayload).Hashes
	if len(branchHashes) == 0 {
		return invalidMessage("empty branch-point response", 0)
	}
	branchPoint := branchHashes[0]

	working, onLiveChain, err := s.selectWorkingChain(tip, hasTip, branchPoint)
	if err != nil {
		return err
	}

	if err := s.fillAncestors(working, sender.Address, oldest); err != nil {
		return err
	}

	for _, b := range blocks {
		if err := working.Append(b); err != nil {
			return err
		}
	}

	if !onLiveChain {
		if err := s.chain.Swap(working); err != nil {
			return err
		}
	}
	return nil
}

// selectWorkingChain implements spec.md §4.7 step 5.
func (s *Swarm) selectWorkingChain(tip Block, hasTip bool, branchPoint [32]byte) (Chain, bool, error) {
	if !hasTip || branchPoint == tip.Hash() {
		return s.chain, true, nil
	}
	if !s.chain.HasBlock(branchPoint) {
		fresh, err := s.newEmptyChain(s.chain.ID())
		return fresh, false, err
	}
	forked, err := s.chain.Fork(branchPoint)
	return forked, false, err
}

// fillAncestors implements spec.md §4.7 step 6: repeatedly fetch hashes and
// blocks until the working chain's tip directly precedes oldest, retrying
// the whole loop body up to blockFillRetries times on error.
func (s *Swarm) fillAncestors(working Chain, senderAddress [20]byte, oldest Block) error {
	var lastErr error
	for attempt := 0; attempt <= blockFillRetries; attempt++ {
		lastErr = s.fillAncestorsOnce(working, senderAddress, oldest)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// fillAncestorsOnce strips the working tip's own hash off each
// GetBlockHashes response (spec.md §4.7 step 6: "skip the first hash, it
// is the working tip itself when the tip exists") based on whether the
// *working* chain currently has a tip — not whether the original local
// chain did, since a freshly created working chain starts empty even when
// the reconciliation began with a non-empty local tip.
func (s *Swarm) fillAncestorsOnce(working Chain, senderAddress [20]byte, oldest Block) error {
	for {
		tip, ok := working.Tip()
		if ok && tip.Hash() == oldest.PreviousHash() {
			return nil
		}

		locator := working.GetBlockLocator()
		stop := oldest.PreviousHash()
		resp, err := s.request(senderAddress, &Message{
			Kind:            KindGetBlockHashes,
			SenderPublicKey: s.identity.PublicKey(),
			Payload:         GetBlockHashesPayload{Locator: locator, Stop: &stop},
		}, s.config.DialTimeout)
		if err != nil {
			return err
		}
		hashes := resp.Payload.(BlockHashesPayload).Hashes
		if len(hashes) == 0 {
			return invalidMessage("empty ancestor-fill response", 0)
		}
		if ok {
			hashes = hashes[1:] // first hash is the working tip itself
		}
		if len(hashes) == 0 {
			return nil
		}

		blocks, err := s.fetchBlocks(senderAddress, hashes)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			if err := working.Append(b); err != nil {
				return err
			}
		}
	}
}
