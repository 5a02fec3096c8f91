package swarm

// Event is an auto-reset signal (spec.md §9): Set releases at most one
// waiter. Callers that want to observe every occurrence must call Wait
// again immediately after it returns, re-arming before the next Set.
type Event struct {
	ch chan struct{}
}

func newEvent() *Event {
	return &Event{ch: make(chan struct{}, 1)}
}

// Set wakes at most one waiter. Additional Set calls while a signal is
// already pending are coalesced into the single pending slot.
func (e *Event) Set() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until Set is called (or cancel fires), consuming the
// signal.
func (e *Event) Wait(cancel <-chan struct{}) {
	select {
	case <-e.ch:
	case <-cancel:
	}
}

// tryConsume reports whether a pending signal was consumed, without
// blocking. Used by tests that assert a signal was (or wasn't) raised.
func (e *Event) tryConsume() bool {
	select {
	case <-e.ch:
		return true
	default:
		return false
	}
}

// Events bundles the four observable signals described in spec.md §6.
type Events struct {
	deltaReceived    *Event
	deltaDistributed *Event
	txReceived       *Event
	blockReceived    *Event
}

func newEvents() *Events {
	return &Events{
		deltaReceived:    newEvent(),
		deltaDistributed: newEvent(),
		txReceived:       newEvent(),
		blockReceived:    newEvent(),
	}
}

// DeltaReceived fires once per processed inbound PeerSetDelta.
func (e *Events) DeltaReceived() *Event { return e.deltaReceived }

// DeltaDistributed fires once per outbound delta broadcast.
func (e *Events) DeltaDistributed() *Event { return e.deltaDistributed }

// TxReceived fires once per processed TxIds announcement that yielded at
// least one staged transaction.
func (e *Events) TxReceived() *Event { return e.txReceived }

// BlockReceived fires once per completed block-sync reconciliation.
func (e *Events) BlockReceived() *Event { return e.blockReceived }
