package swarm

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

// readStreamFrames decodes one length-prefixed multipart message from a
// relayed stream: a uint32 frame count, then for each frame a uint32
// length followed by that many bytes. A plain net.Conn-shaped
// RelayedStream has no multipart framing of its own (unlike the ROUTER
// socket's zmq transport), so the swarm supplies the same ordered-frames
// shape the codec expects by hand (spec.md §4.1, §4.9).
func readStreamFrames(r io.Reader) ([][]byte, error) {
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, err
	}
	frames := make([][]byte, count)
	for i := range frames {
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		frames[i] = buf
	}
	return frames, nil
}

// writeStreamFrames is readStreamFrames' inverse.
func writeStreamFrames(w io.Writer, frames [][]byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(frames))); err != nil {
		return err
	}
	for _, f := range frames {
		if err := binary.Write(w, binary.BigEndian, uint32(len(f))); err != nil {
			return err
		}
		if _, err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// relayBindLoop accepts relayed connections while the node is behind NAT
// (spec.md §4.9 step 5). Each accepted stream is authorized with
// CreatePermission, assigned a synthetic connection id, and handed to the
// same dispatch path pollInbox/dispatcherLoop use for direct ROUTER
// traffic: parse, spawn a fire-and-forget handler, let replies flow back
// through replyQueue (spec.md §4.4, §4.5).
func (s *Swarm) relayBindLoop(cancel <-chan struct{}, relay RelayClient) {
	for {
		select {
		case <-cancel:
			return
		default:
		}

		stream, err := acceptRelayedStream(cancel, relay)
		if err != nil {
			if err == errRelayBindCancelled {
				return
			}
			s.log.WithError(err).Warn("relay: accept failed")
			select {
			case <-cancel:
				return
			case <-time.After(relayBindRetryDelay):
			}
			continue
		}

		if err := relay.CreatePermission(stream.RemoteAddr()); err != nil {
			s.log.WithFields(logrus.Fields{"remote": stream.RemoteAddr(), "error": err}).Warn("relay: create permission failed")
			stream.Close()
			continue
		}

		connID := uuid.NewRandom().String()
		s.transport.registerRelayConn(connID, stream)
		go s.serveRelayedStream(cancel, connID, stream)
	}
}

var errRelayBindCancelled = errors.New("relay bind cancelled")

// acceptRelayedStream runs relay.AcceptRelayedStream on its own goroutine
// so a pending blocking accept can't stall shutdown: RelayClient's
// interface has no context-aware variant, so cancellation here can only
// race the blocking call rather than interrupt it outright (spec.md §5:
// "thread a cancellation token through every suspension point" is
// honored on the consuming side; the accept call itself is left to drain
// on its own goroutine once cancel wins the race).
func acceptRelayedStream(cancel <-chan struct{}, relay RelayClient) (RelayedStream, error) {
	type result struct {
		stream RelayedStream
		err    error
	}
	done := make(chan result, 1)
	go func() {
		stream, err := relay.AcceptRelayedStream()
		done <- result{stream, err}
	}()

	select {
	case <-cancel:
		return nil, errRelayBindCancelled
	case r := <-done:
		return r.stream, r.err
	}
}

// serveRelayedStream reads messages off one relayed connection until it
// errors, closes, or the swarm is cancelled.
func (s *Swarm) serveRelayedStream(cancel <-chan struct{}, connID string, stream RelayedStream) {
	defer s.transport.unregisterRelayConn(connID)

	for {
		select {
		case <-cancel:
			return
		default:
		}

		frames, err := readStreamFrames(stream)
		if err != nil {
			if err != io.EOF {
				s.log.WithFields(logrus.Fields{"conn": connID, "error": err}).Debug("relay: stream read failed")
			}
			return
		}

		msg, err := Parse(frames, false, s.identity)
		if err != nil {
			s.log.WithError(err).Debug("relay: dropping invalid message")
			continue
		}
		msg.ReplyIdentity = []byte(connID)
		go s.handle([]byte(connID), msg)
	}
}

// relayBindRetryDelay bounds how quickly relayBindLoop spins when accept
// repeatedly fails for a non-cancellation reason.
const relayBindRetryDelay = 200 * time.Millisecond
