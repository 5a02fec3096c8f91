package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/drep-project/swarmcore/swarm"
)

// devIdentity is a throwaway ed25519 signer generated at process start. The
// swarm package never implements signing itself (spec.md §1: crypto is an
// external collaborator); this is the minimal concrete Identity a
// standalone binary needs to actually run the handshake.
type devIdentity struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

func newDevIdentity() (*devIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &devIdentity{public: pub, private: priv}, nil
}

func (d *devIdentity) PublicKey() []byte { return d.public }

func (d *devIdentity) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(d.private, data), nil
}

func (d *devIdentity) Verify(publicKey, signature, data []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

func (d *devIdentity) DeriveAddress(publicKey []byte) [20]byte {
	sum := sha256.Sum256(publicKey)
	var addr [20]byte
	copy(addr[:], sum[:20])
	return addr
}

// nullChain is an empty in-memory Chain used when swarmd is run without a
// real chain collaborator wired in — enough to exercise dial/delta traffic,
// though every block-sync reconciliation sees an empty local chain.
type nullChain struct {
	blocks map[[32]byte]swarm.Block
	txs    map[[32]byte]swarm.Tx
}

func newNullChain() *nullChain {
	return &nullChain{
		blocks: make(map[[32]byte]swarm.Block),
		txs:    make(map[[32]byte]swarm.Tx),
	}
}

func (c *nullChain) Tip() (swarm.Block, bool)                  { return nil, false }
func (c *nullChain) HasBlock(hash [32]byte) bool                { _, ok := c.blocks[hash]; return ok }
func (c *nullChain) HasTx(id [32]byte) bool                     { _, ok := c.txs[id]; return ok }
func (c *nullChain) GetBlock(hash [32]byte) (swarm.Block, bool) { b, ok := c.blocks[hash]; return b, ok }
func (c *nullChain) GetTx(id [32]byte) (swarm.Tx, bool)         { t, ok := c.txs[id]; return t, ok }
func (c *nullChain) GetBlockLocator() [][32]byte                { return nil }

func (c *nullChain) FindNextHashes(locator [][32]byte, stop *[32]byte, max int) [][32]byte {
	return nil
}

func (c *nullChain) Append(block swarm.Block) error {
	c.blocks[block.Hash()] = block
	return nil
}

func (c *nullChain) StageTransactions(txs []swarm.Tx) error {
	for _, tx := range txs {
		c.txs[tx.ID()] = tx
	}
	return nil
}

func (c *nullChain) Fork(branchHash [32]byte) (swarm.Chain, error) {
	return newNullChain(), nil
}

func (c *nullChain) Swap(other swarm.Chain) error { return nil }

func (c *nullChain) ID() [32]byte { return [32]byte{} }

// nullCodec fails every block and transaction encode/decode with an error;
// swarmd has no real block/tx model, so only Ping/Pong and delta traffic
// (which never go through the Codec) actually work.
type nullCodec struct{}

func newNullCodec() *nullCodec { return &nullCodec{} }

func (nullCodec) EncodeBlock(b swarm.Block) ([]byte, error) {
	return nil, fmt.Errorf("swarmd: no concrete block model wired in")
}

func (nullCodec) DecodeBlock(data []byte) (swarm.Block, error) {
	return nil, fmt.Errorf("swarmd: no concrete block model wired in")
}

func (nullCodec) EncodeTx(tx swarm.Tx) ([]byte, error) {
	return nil, fmt.Errorf("swarmd: no concrete tx model wired in")
}

func (nullCodec) DecodeTx(data []byte) (swarm.Tx, error) {
	return nil, fmt.Errorf("swarmd: no concrete tx model wired in")
}
