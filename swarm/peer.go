package swarm

import "fmt"

// Peer is a remote node's identity plus endpoint. Peer is immutable after
// construction; two peers are equal when both their public key and their
// endpoint match (see Peer.Equal).
type Peer struct {
	PublicKey []byte
	Address   [20]byte
	Host      string
	Port      uint16
}

// NewPeer derives Address from publicKey via the given AddressDeriver and
// returns the constructed Peer.
func NewPeer(publicKey []byte, host string, port uint16, deriver AddressDeriver) Peer {
	return Peer{
		PublicKey: append([]byte(nil), publicKey...),
		Address:   deriver.DeriveAddress(publicKey),
		Host:      host,
		Port:      port,
	}
}

// Equal reports whether p and other identify the same peer: same public
// key and same endpoint.
func (p Peer) Equal(other Peer) bool {
	if p.Host != other.Host || p.Port != other.Port {
		return false
	}
	if len(p.PublicKey) != len(other.PublicKey) {
		return false
	}
	for i := range p.PublicKey {
		if p.PublicKey[i] != other.PublicKey[i] {
			return false
		}
	}
	return true
}

// SamePublicKey reports whether p and other share a public key,
// irrespective of endpoint. Used by peer removal, where key identity
// dominates endpoint changes (spec §4.2).
func (p Peer) SamePublicKey(other Peer) bool {
	if len(p.PublicKey) != len(other.PublicKey) {
		return false
	}
	for i := range p.PublicKey {
		if p.PublicKey[i] != other.PublicKey[i] {
			return false
		}
	}
	return true
}

// Endpoint returns the "host:port" dial string for this peer.
func (p Peer) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p Peer) String() string {
	return fmt.Sprintf("%x@%s", p.Address, p.Endpoint())
}
