package swarm

// Signer and Verifier are the narrow boundary this package uses for the
// cryptographic primitives that belong to the node's crypto collaborator
// (signing, public-key/address derivation). The swarm never implements
// signature schemes itself; it only signs outgoing message headers and
// verifies inbound ones through these two interfaces.
type Signer interface {
	// PublicKey returns the local node's public key, opaque to this
	// package, used verbatim as the signer-public-key frame.
	PublicKey() []byte

	// Sign returns a signature covering data, produced with the local
	// private key.
	Sign(data []byte) ([]byte, error)
}

// Verifier authenticates a signature produced by some Signer's PublicKey.
type Verifier interface {
	Verify(publicKey, signature, data []byte) bool
}

// AddressDeriver derives the 20-byte address used in wire frames (the
// BlockHashes/TxIds sender-address field and Peer.Address) from a public
// key. This mirrors the relationship between crypto.PublicKey and
// crypto.PubkeyToAddress in the teacher's crypto package, kept here as an
// interface because address derivation is an external collaborator.
type AddressDeriver interface {
	DeriveAddress(publicKey []byte) [20]byte
}

// Identity bundles the three crypto-collaborator interfaces the swarm
// needs into the single value passed at construction time.
type Identity interface {
	Signer
	Verifier
	AddressDeriver
}
