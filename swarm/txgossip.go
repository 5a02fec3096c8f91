package swarm

import "github.com/sirupsen/logrus"

// handleTxIds implements processTxIds (spec.md §4.8): fetch unknown ids
// from the announcing sender, stage them, and signal txReceived.
func (s *Swarm) handleTxIds(msg *Message) {
	p := msg.Payload.(TxIdsPayload)

	sender, ok := s.senderByAddress(p.Sender)
	if !ok {
		s.log.WithField("sender", p.Sender).Debug("tx gossip: unknown announcing peer, dropping")
		return
	}

	unknown := make([][32]byte, 0, len(p.IDs))
	for _, id := range p.IDs {
		if !s.chain.HasTx(id) {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) == 0 {
		return
	}

	resp, err := s.request(sender.Address, &Message{
		Kind:            KindGetTxs,
		SenderPublicKey: s.identity.PublicKey(),
		Payload:         GetTxsPayload{IDs: unknown},
	}, s.config.DialTimeout)
	if err != nil {
		s.log.WithFields(logrus.Fields{"sender": sender, "error": err}).Warn("tx gossip: GetTxs failed")
		return
	}
	txs, err := s.fetchTxs(sender.Address, unknown, resp)
	if err != nil {
		s.log.WithFields(logrus.Fields{"sender": sender, "error": err}).Warn("tx gossip: fetch failed")
		return
	}
	if err := s.chain.StageTransactions(txs); err != nil {
		s.log.WithFields(logrus.Fields{"error": err}).Warn("tx gossip: stage failed")
		return
	}
	s.events.txReceived.Set()
}

// fetchTxs decodes first (the reply already read by the caller) then reads
// one Tx reply per remaining id, mirroring fetchBlocks' streaming pattern.
func (s *Swarm) fetchTxs(address [20]byte, ids [][32]byte, first *Message) ([]Tx, error) {
	sock, ok := s.registry.socket(address)
	if !ok {
		return nil, ErrPeerNotFound
	}

	txs := make([]Tx, 0, len(ids))
	decodeOne := func(m *Message) error {
		if m.Kind != KindTx {
			return invalidMessage("expected Tx reply during fetchTxs", 0)
		}
		tx, err := s.codec.DecodeTx(m.Payload.(TxPayload).Data)
		if err != nil {
			return err
		}
		txs = append(txs, tx)
		return nil
	}

	if err := decodeOne(first); err != nil {
		return nil, err
	}
	for i := 1; i < len(ids); i++ {
		reply, err := sock.recv(s.config.DialTimeout)
		if err != nil {
			return nil, err
		}
		msg, err := Parse(reply, true, s.identity)
		if err != nil {
			return nil, err
		}
		if err := decodeOne(msg); err != nil {
			return nil, err
		}
	}
	return txs, nil
}
