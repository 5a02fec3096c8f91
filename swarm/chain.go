package swarm

// Block is the minimal shape the swarm needs from the block-data
// collaborator: enough to drive locator/branch-point negotiation and
// ordered appends. The full block model, validation, and consensus rules
// live outside this package (spec.md §1, "Out of scope").
type Block interface {
	Hash() [32]byte
	PreviousHash() [32]byte
	Index() uint64
}

// Tx is the minimal shape needed for mempool staging and gossip.
type Tx interface {
	ID() [32]byte
}

// Chain is the narrow interface the block-sync engine and tx gossip drive.
// A concrete Chain is backed by the node's persistent store and consensus
// policy, neither of which this package implements.
type Chain interface {
	// Tip returns the current tip block, or false if the chain is empty.
	Tip() (Block, bool)

	// HasBlock reports whether hash is present in the local block index.
	// The spec flags the naive "ContainsKey" approach as potentially
	// expensive (spec.md §9); implementations are expected to back this
	// with an O(1)/O(log n) index.
	HasBlock(hash [32]byte) bool

	// HasTx reports whether id is present in the transaction index.
	HasTx(id [32]byte) bool

	// GetBlock returns the block with the given hash, if present.
	GetBlock(hash [32]byte) (Block, bool)

	// GetTx returns the transaction with the given id, if present.
	GetTx(id [32]byte) (Tx, bool)

	// GetBlockLocator returns a sparse, exponentially-spaced sequence of
	// block hashes from the tip backwards.
	GetBlockLocator() [][32]byte

	// FindNextHashes returns up to max block hashes that follow the
	// deepest common ancestor of locator with this chain, stopping at
	// stop (if non-nil). The first returned hash is that common ancestor.
	FindNextHashes(locator [][32]byte, stop *[32]byte, max int) [][32]byte

	// Append adds block to the chain tip. Blocks within one reconciliation
	// are appended strictly oldest-to-latest.
	Append(block Block) error

	// StageTransactions adds txs to the mempool.
	StageTransactions(txs []Tx) error

	// Fork returns a new working chain cloned from this one at branchHash.
	Fork(branchHash [32]byte) (Chain, error)

	// Swap atomically replaces this chain's contents with other's. Called
	// on the live chain with a transient working chain built during
	// reconciliation (spec.md §4.7); the working chain is dropped
	// afterwards regardless of outcome.
	Swap(other Chain) error

	// ID identifies the chain (e.g. genesis hash), used to share genesis
	// policy/store when a fresh working chain is created.
	ID() [32]byte
}

// Codec is the serialization boundary consumed when framing a Block or Tx
// onto the wire, or decoding one received from a peer (spec.md §1, "Out of
// scope": "the serialization codec"). Concrete encoding (RLP, protobuf, or
// otherwise) belongs entirely to the collaborator.
type Codec interface {
	EncodeBlock(b Block) ([]byte, error)
	DecodeBlock(data []byte) (Block, error)
	EncodeTx(tx Tx) ([]byte, error)
	DecodeTx(data []byte) (Tx, error)
}

// NewEmptyChainFunc constructs a fresh, genesis-shared working chain when
// a BlockHashes announcement's branch point is not found in the local
// block index (spec.md §4.7, step 5). Supplied by the collaborator that
// owns chain construction (policy + store), since this package does not
// know how to build a chain from scratch.
type NewEmptyChainFunc func(genesisID [32]byte) (Chain, error)
