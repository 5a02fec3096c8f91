package swarm

import (
	"time"

	"github.com/sirupsen/logrus"
)

// dispatcherLoop reads frames off the inbound ROUTER socket and spawns a
// fire-and-forget handler per message (spec.md §4.5). The loop itself must
// never block on a handler — head-of-line blocking would stall every other
// peer's traffic (spec.md §9).
func (s *Swarm) dispatcherLoop(cancel <-chan struct{}) {
	const pollInterval = 100 * time.Millisecond
	for {
		select {
		case <-cancel:
			return
		default:
		}

		connID, frames, err := s.transport.pollInbox(pollInterval)
		if err == ErrTimeout {
			continue
		}
		if err != nil {
			s.log.WithError(err).Warn("dispatcher: inbox poll failed")
			continue
		}

		msg, err := Parse(frames, false, s.identity)
		if err != nil {
			s.log.WithError(err).Debug("dispatcher: dropping invalid message")
			continue
		}
		msg.ReplyIdentity = connID

		go s.handle(connID, msg)
	}
}

// handle routes a parsed message to its per-kind handler (spec.md §4.5).
func (s *Swarm) handle(connID []byte, msg *Message) {
	s.metrics.messagesDispatched.Mark(1)
	switch msg.Kind {
	case KindPing:
		s.handlePing(connID, msg)
	case KindGetBlockHashes:
		s.handleGetBlockHashes(connID, msg)
	case KindGetBlocks:
		s.handleGetBlocks(connID, msg)
	case KindGetTxs:
		s.handleGetTxs(connID, msg)
	case KindTxIds:
		s.handleTxIds(msg)
	case KindBlockHashes:
		s.handleBlockHashesAnnouncement(msg)
	case KindPeerSetDelta:
		s.handlePeerSetDelta(msg)
	default:
		s.log.WithField("kind", msg.Kind).Panic("dispatcher: unhandled message kind reached handle")
	}
}

func (s *Swarm) reply(connID []byte, kind Kind, payload interface{}) {
	s.replies.enqueue(connID, &Message{
		Kind:            kind,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         payload,
	})
}

func (s *Swarm) handlePing(connID []byte, _ *Message) {
	s.reply(connID, KindPong, PongPayload{AppProtocolVersion: s.config.ProtocolVersion})
}

func (s *Swarm) handleGetBlockHashes(connID []byte, msg *Message) {
	p := msg.Payload.(GetBlockHashesPayload)
	hashes := s.chain.FindNextHashes(p.Locator, p.Stop, MaxGetBlockHashesResult)
	s.reply(connID, KindBlockHashes, BlockHashesPayload{Sender: s.self.Address, Hashes: hashes})
}

func (s *Swarm) handleGetBlocks(connID []byte, msg *Message) {
	p := msg.Payload.(GetBlocksPayload)
	for _, hash := range p.Hashes {
		block, ok := s.chain.GetBlock(hash)
		if !ok {
			continue
		}
		data, err := s.codec.EncodeBlock(block)
		if err != nil {
			s.log.WithFields(logrus.Fields{"hash": hash, "error": err}).Warn("GetBlocks: encode failed")
			continue
		}
		s.reply(connID, KindBlock, BlockPayload{Data: data})
	}
}

func (s *Swarm) handleGetTxs(connID []byte, msg *Message) {
	p := msg.Payload.(GetTxsPayload)
	for _, id := range p.IDs {
		tx, ok := s.chain.GetTx(id)
		if !ok {
			continue
		}
		data, err := s.codec.EncodeTx(tx)
		if err != nil {
			s.log.WithFields(logrus.Fields{"id": id, "error": err}).Warn("GetTxs: encode failed")
			continue
		}
		s.reply(connID, KindTx, TxPayload{Data: data})
	}
}
