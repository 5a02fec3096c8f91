package swarm

// fakeBlock is the minimal Block implementation used across swarm tests.
type fakeBlock struct {
	hash, prev [32]byte
	index      uint64
}

func (b fakeBlock) Hash() [32]byte         { return b.hash }
func (b fakeBlock) PreviousHash() [32]byte { return b.prev }
func (b fakeBlock) Index() uint64          { return b.index }

// fakeTx is the minimal Tx implementation used across swarm tests.
type fakeTx struct{ id [32]byte }

func (t fakeTx) ID() [32]byte { return t.id }

// fakeChain is an in-memory Chain double driven entirely off a slice of
// blocks in index order, enough to exercise branch-point selection and
// ancestor fill without a real storage/policy collaborator.
type fakeChain struct {
	id     [32]byte
	blocks []fakeBlock
	txs    map[[32]byte]fakeTx
}

func newFakeChain(id [32]byte, blocks ...fakeBlock) *fakeChain {
	return &fakeChain{id: id, blocks: blocks, txs: make(map[[32]byte]fakeTx)}
}

func (c *fakeChain) Tip() (Block, bool) {
	if len(c.blocks) == 0 {
		return nil, false
	}
	return c.blocks[len(c.blocks)-1], true
}

func (c *fakeChain) HasBlock(hash [32]byte) bool {
	_, ok := c.indexOf(hash)
	return ok
}

func (c *fakeChain) HasTx(id [32]byte) bool { _, ok := c.txs[id]; return ok }

func (c *fakeChain) GetBlock(hash [32]byte) (Block, bool) {
	i, ok := c.indexOf(hash)
	if !ok {
		return nil, false
	}
	return c.blocks[i], true
}

func (c *fakeChain) GetTx(id [32]byte) (Tx, bool) { t, ok := c.txs[id]; return t, ok }

func (c *fakeChain) indexOf(hash [32]byte) (int, bool) {
	for i, b := range c.blocks {
		if b.hash == hash {
			return i, true
		}
	}
	return 0, false
}

func (c *fakeChain) GetBlockLocator() [][32]byte {
	out := make([][32]byte, len(c.blocks))
	for i, b := range c.blocks {
		out[len(c.blocks)-1-i] = b.hash
	}
	return out
}

// FindNextHashes walks locator newest-to-oldest looking for the first hash
// this chain also has, then returns that common ancestor plus up to max-1
// descendants, stopping once stop is reached (inclusive). An empty locator
// falls back to genesis, matching how a brand-new peer's empty chain asks
// for everything.
func (c *fakeChain) FindNextHashes(locator [][32]byte, stop *[32]byte, max int) [][32]byte {
	start := -1
	for _, h := range locator {
		if i, ok := c.indexOf(h); ok {
			start = i
			break
		}
	}
	if start == -1 {
		if len(locator) > 0 || len(c.blocks) == 0 {
			return nil
		}
		start = 0
	}

	var out [][32]byte
	for i := start; i < len(c.blocks) && len(out) < max; i++ {
		out = append(out, c.blocks[i].hash)
		if stop != nil && c.blocks[i].hash == *stop {
			break
		}
	}
	return out
}

func (c *fakeChain) Append(block Block) error {
	c.blocks = append(c.blocks, block.(fakeBlock))
	return nil
}

func (c *fakeChain) StageTransactions(txs []Tx) error {
	for _, tx := range txs {
		c.txs[tx.ID()] = tx.(fakeTx)
	}
	return nil
}

func (c *fakeChain) Fork(branchHash [32]byte) (Chain, error) {
	i, ok := c.indexOf(branchHash)
	if !ok {
		return newFakeChain(c.id), nil
	}
	forked := append([]fakeBlock(nil), c.blocks[:i+1]...)
	return newFakeChain(c.id, forked...), nil
}

func (c *fakeChain) Swap(other Chain) error {
	c.blocks = other.(*fakeChain).blocks
	return nil
}

func (c *fakeChain) ID() [32]byte { return c.id }

func hash(b byte) [32]byte { var h [32]byte; h[0] = b; return h }
