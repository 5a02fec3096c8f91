package swarm

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ICEServer names a STUN/TURN-style server used to detect NAT and obtain a
// relay allocation when the local host is not directly reachable (spec.md
// §6).
type ICEServer struct {
	URL      string
	Username string
	Password string
}

// Config carries every swarm construction parameter (spec.md §6), mirroring
// the teacher's p2p.Server config block: one struct, doc comments per
// field, zero-value defaults filled in by New.
type Config struct {
	// Identity signs outgoing headers and verifies inbound ones.
	Identity Identity

	// ProtocolVersion is compared against a peer's Pong during dial;
	// mismatches abort the handshake with ErrDifferentAppProtocolVersion.
	ProtocolVersion int32

	// DialTimeout bounds how long dial waits for a Pong. Zero defaults to
	// 15 seconds.
	DialTimeout time.Duration

	// LocalHost is the host to bind and advertise. May be empty when
	// ICEServers is non-empty (the relay-assigned address is advertised
	// instead).
	LocalHost string

	// LocalPort is the TCP port to bind; 0 picks any free port.
	LocalPort uint16

	// ICEServers, when non-empty, causes a relay client to be constructed
	// at Start and used for NAT traversal.
	ICEServers []ICEServer

	// DistributeInterval is the delta-distributor tick period. Zero
	// defaults to 1500ms (spec.md §4.6).
	DistributeInterval time.Duration

	// Chain and Codec are the external collaborators driving block sync,
	// tx gossip, and wire (de)serialization (spec.md §1, §6).
	Chain         Chain
	Codec         Codec
	NewEmptyChain NewEmptyChainFunc

	// RelayClientFactory builds the relay client from the configured ICE
	// servers; nil unless ICEServers is set. Kept as a factory (rather than
	// a constructed RelayClient) because relay construction itself may need
	// to dial the ICE servers, which only Start should trigger.
	RelayClientFactory func(servers []ICEServer) (RelayClient, error)

	// Log receives swarm-wide log lines. A discarding entry is used if nil.
	Log *logrus.Entry
}

const (
	defaultDialTimeout        = 15 * time.Second
	defaultDistributeInterval = 1500 * time.Millisecond
)

// New validates cfg and fills in zero-value defaults (spec.md §6: "Either a
// local host or at least one ICE server must be provided; otherwise
// construction fails.").
func New(cfg Config) (Config, error) {
	if cfg.LocalHost == "" && len(cfg.ICEServers) == 0 {
		return Config{}, ErrNoListenTarget
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.DistributeInterval == 0 {
		cfg.DistributeInterval = defaultDistributeInterval
	}
	return cfg, nil
}
