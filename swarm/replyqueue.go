package swarm

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// pendingReply pairs a reply Message with the connection id it must be
// routed back to — the reply-identity preserved from the originating
// request (spec.md §4.4).
type pendingReply struct {
	connID []byte
	msg    *Message
}

// replyQueue funnels replies from many concurrent handler tasks onto the
// single writer goroutine permitted to touch the inbound ROUTER socket
// (spec.md §4.4, §5: "the router socket is single-threaded-writer").
type replyQueue struct {
	mu      sync.Mutex
	pending []pendingReply
}

func newReplyQueue() *replyQueue {
	return &replyQueue{}
}

// enqueue is called by handler tasks; it never blocks.
func (q *replyQueue) enqueue(connID []byte, msg *Message) {
	q.mu.Lock()
	q.pending = append(q.pending, pendingReply{connID: connID, msg: msg})
	q.mu.Unlock()
}

// drain removes and returns every currently queued reply.
func (q *replyQueue) drain() []pendingReply {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	out := q.pending
	q.pending = nil
	return out
}

// replyWriterLoop polls the queue every 100ms (spec.md §5) and writes each
// drained reply onto the ROUTER socket via transport.sendReply, encoding
// with reply=true so the recipient — reading the reply directly off its
// dealer socket — finds the expected reply-identity frame (spec.md §4.1).
func replyWriterLoop(cancel <-chan struct{}, queue *replyQueue, t *transport, signer Signer, log *logrus.Entry) {
	const pollInterval = 100 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			for _, pr := range queue.drain() {
				frames, err := Encode(pr.msg, signer, true)
				if err != nil {
					log.WithError(err).Error("reply-writer: encode failed")
					continue
				}
				if err := t.sendReply(pr.connID, frames); err != nil {
					log.WithFields(logrus.Fields{"error": err}).Warn("reply-writer: send failed")
				}
			}
		}
	}
}
