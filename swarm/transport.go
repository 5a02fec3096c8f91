package swarm

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"

	zmq "github.com/pebbe/zmq4"
)

// dealerSocket wraps a single outbound DEALER connection to one peer.
// Sends are serialized with a mutex because a zmq.Socket is not safe for
// concurrent use (spec.md §5, suspension points on every socket send).
type dealerSocket struct {
	mu   sync.Mutex
	sock *zmq.Socket
	peer Peer
}

func (d *dealerSocket) send(frames [][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	parts := make([]interface{}, len(frames))
	for i, f := range frames {
		parts[i] = f
	}
	_, err := d.sock.SendMessage(parts...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// recv waits up to timeout for a reply on this dealer's socket.
func (d *dealerSocket) recv(timeout time.Duration) ([][]byte, error) {
	poller := zmq.NewPoller()
	poller.Add(d.sock, zmq.POLLIN)

	d.mu.Lock()
	sockets, err := poller.Poll(timeout)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(sockets) == 0 {
		return nil, ErrTimeout
	}

	d.mu.Lock()
	frames, err := d.sock.RecvMessageBytes(0)
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return frames, nil
}

func (d *dealerSocket) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sock.Close()
}

// transport owns the swarm's single inbound ROUTER socket and the
// per-peer outbound DEALER sockets (spec.md §4.3).
type transport struct {
	log *logrus.Entry

	identity Identity
	protocol int32
	dialTO   time.Duration

	inbox        *zmq.Socket
	poller       *zmq.Poller
	advertised   Peer // host/port/address this node advertises to peers
	localIDBytes []byte

	relay RelayClient

	// relayMu guards relayConns, the registry of currently-open relayed
	// streams keyed by the synthetic connection id assigned when the
	// stream was accepted (spec.md §4.9: "relay-binding loop"). A reply
	// addressed to one of these ids is written directly to the stream
	// instead of through the ROUTER socket, since the ROUTER never saw
	// the inbound connection in the first place.
	relayMu    sync.Mutex
	relayConns map[string]RelayedStream
}

func newTransport(identity Identity, protocol int32, dialTimeout time.Duration, log *logrus.Entry) *transport {
	return &transport{
		identity:   identity,
		protocol:   protocol,
		dialTO:     dialTimeout,
		log:        log,
		relayConns: make(map[string]RelayedStream),
	}
}

// start binds the inbound ROUTER socket on host/port (any interface when
// host is empty). When relay is nil the bound address is advertised; when
// relay is non-nil a relay allocation is requested and its address is
// advertised instead, even if a concrete host was given (spec.md §4.3).
func (t *transport) start(host string, port uint16, relay RelayClient) error {
	inbox, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("%w: create router socket: %v", ErrIO, err)
	}

	endpoint := fmt.Sprintf("tcp://%s:%d", orWildcard(host), port)
	if err := inbox.Bind(endpoint); err != nil {
		inbox.Close()
		return fmt.Errorf("%w: bind %s: %v", ErrIO, endpoint, err)
	}
	bound, err := inbox.GetLastEndpoint()
	if err != nil {
		inbox.Close()
		return fmt.Errorf("%w: read bound endpoint: %v", ErrIO, err)
	}
	boundHost, boundPort := splitEndpoint(bound, host)
	t.log.WithField("endpoint", bound).Info("transport listening")

	advertisedHost, advertisedPort := boundHost, boundPort
	if relay != nil {
		t.relay = relay
		rhost, rport, err := relay.AllocateRequest(RelayAllocationLifetime)
		if err != nil {
			inbox.Close()
			return fmt.Errorf("allocate relay address: %w", err)
		}
		advertisedHost, advertisedPort = rhost, rport
		t.log.WithFields(logrus.Fields{"host": rhost, "port": rport}).Info("relay allocation advertised")
	}

	t.inbox = inbox
	t.poller = zmq.NewPoller()
	t.poller.Add(inbox, zmq.POLLIN)
	t.advertised = NewPeer(t.identity.PublicKey(), advertisedHost, advertisedPort, t.identity)

	// The dealer identity is the advertised endpoint plus a fresh instance
	// id, so a node restarted on the same host:port never collides with a
	// stale ROUTER-side identity entry left behind by its previous process.
	t.localIDBytes = []byte(t.advertised.Endpoint() + "#" + uuid.NewRandom().String())
	return nil
}

func orWildcard(host string) string {
	if host == "" {
		return "*"
	}
	return host
}

// splitEndpoint extracts host/port from a zmq "tcp://host:port" endpoint
// string, preferring the caller-configured host when the bound address is
// the wildcard (0.0.0.0).
func splitEndpoint(endpoint, configuredHost string) (string, uint16) {
	var host string
	var port uint16
	rest := strings.TrimPrefix(endpoint, "tcp://")
	if i := strings.LastIndex(rest, ":"); i >= 0 {
		host = rest[:i]
		fmt.Sscanf(rest[i+1:], "%d", &port)
	}
	if host == "0.0.0.0" || host == "*" {
		host = configuredHost
	}
	return host, port
}

// dial performs the four-step outbound handshake from spec.md §4.3:
// connect, send Ping, await Pong within the dial timeout, and check
// protocol versions. It does not register the resulting socket anywhere;
// registry.add does that once dial succeeds, keeping all registry-map
// mutation in one place.
func (t *transport) dial(p Peer) (*dealerSocket, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("%w: create dealer socket: %v", ErrIO, err)
	}
	if err := sock.SetIdentity(string(t.localIDBytes)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: set dealer identity: %v", ErrIO, err)
	}
	if err := sock.Connect(fmt.Sprintf("tcp://%s", p.Endpoint())); err != nil {
		sock.Close()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrIO, p.Endpoint(), err)
	}

	d := &dealerSocket{sock: sock, peer: p}

	ping := &Message{Kind: KindPing, SenderPublicKey: t.identity.PublicKey(), Payload: PingPayload{}}
	frames, err := Encode(ping, t.identity, false)
	if err != nil {
		d.close()
		return nil, err
	}
	if err := d.send(frames); err != nil {
		d.close()
		return nil, err
	}

	reply, err := d.recv(t.dialTO)
	if err != nil {
		d.close()
		return nil, err
	}
	parsed, err := Parse(reply, true, t.identity)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if parsed.Kind != KindPong {
		d.close()
		return nil, invalidMessage("expected Pong during dial handshake", 0)
	}
	pong := parsed.Payload.(PongPayload)
	if pong.AppProtocolVersion != t.protocol {
		d.close()
		return nil, ErrDifferentAppProtocolVersion
	}
	return d, nil
}

// pollInbox waits up to timeout for a frame on the ROUTER socket. The
// first returned frame is the per-connection identity zmq prepends for
// ROUTER sockets; it doubles as the reply-identity used to route a
// response back to the same connection (spec.md §4.1, §4.4).
func (t *transport) pollInbox(timeout time.Duration) (connID []byte, appFrames [][]byte, err error) {
	sockets, err := t.poller.Poll(timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(sockets) == 0 {
		return nil, nil, ErrTimeout
	}
	frames, err := t.inbox.RecvMessageBytes(0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if len(frames) < 1 {
		return nil, nil, invalidMessage("router delivered an empty frame set", 0)
	}
	return frames[0], frames[1:], nil
}

// sendReply writes a reply addressed to connID. If connID names a
// currently-open relayed stream it is written there directly; otherwise
// it is written onto the ROUTER socket, which routes by the identity
// frame back to the originating DEALER. Either way the router/stream is
// single-writer (spec.md §4.4); callers must route every write through
// replyQueue's writer loop.
func (t *transport) sendReply(connID []byte, frames [][]byte) error {
	if stream, ok := t.relayStream(string(connID)); ok {
		return writeStreamFrames(stream, frames)
	}

	parts := make([]interface{}, 0, len(frames)+1)
	parts = append(parts, connID)
	for _, f := range frames {
		parts = append(parts, f)
	}
	if _, err := t.inbox.SendMessage(parts...); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// registerRelayConn records an accepted relayed stream under connID so
// sendReply can find it later.
func (t *transport) registerRelayConn(connID string, stream RelayedStream) {
	t.relayMu.Lock()
	t.relayConns[connID] = stream
	t.relayMu.Unlock()
}

// unregisterRelayConn drops and closes connID's relayed stream.
func (t *transport) unregisterRelayConn(connID string) {
	t.relayMu.Lock()
	stream, ok := t.relayConns[connID]
	delete(t.relayConns, connID)
	t.relayMu.Unlock()
	if ok {
		stream.Close()
	}
}

func (t *transport) relayStream(connID string) (RelayedStream, bool) {
	t.relayMu.Lock()
	defer t.relayMu.Unlock()
	s, ok := t.relayConns[connID]
	return s, ok
}

func (t *transport) close() {
	if t.inbox != nil {
		t.inbox.Close()
	}
	t.relayMu.Lock()
	conns := t.relayConns
	t.relayConns = make(map[string]RelayedStream)
	t.relayMu.Unlock()
	for _, stream := range conns {
		stream.Close()
	}
}
