package chain

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/proof"
	"github.com/thanhnp/ledger-core/internal/storage"
	"github.com/thanhnp/ledger-core/internal/validation"
)

// Config holds the collaborators of a Chain.
type Config struct {
	Params    *models.Params
	Stores    *storage.ChainStores
	Validator *validation.Validator
	Proofs    *proof.Validator

	// Clock bounds how far block times may run ahead. Defaults to the
	// wall clock.
	Clock clock.Clock

	// OracleCacheSize bounds the difficulty memos.
	OracleCacheSize int
}

// Update describes how the best chain moved after a block was added.
type Update struct {
	OldTip *models.Block
	NewTip *models.Block

	// Detached left the best chain, newest first.
	Detached []*models.Block

	// Attached joined the best chain, oldest first.
	Attached []*models.Block
}

// TipChanged reports whether the best block changed.
func (u *Update) TipChanged() bool {
	return u.OldTip.Hash() != u.NewTip.Hash()
}

// IsReorg reports whether blocks were rolled back.
func (u *Update) IsReorg() bool {
	return len(u.Detached) > 0
}

// Chain builds the block tree above the persisted root and selects the best
// chain. Mutations are serialized; readers use the published Snapshot.
type Chain struct {
	params    *models.Params
	stores    *storage.ChainStores
	validator *validation.Validator
	proofs    *proof.Validator
	clock     clock.Clock
	oracle    *difficulty.Oracle

	// mu serializes block insertion, reorgs and flushes. It guards arena
	// and base.
	mu    sync.Mutex
	arena *arena
	base  *storage.StoreView

	snapshot atomic.Pointer[Snapshot]
}

// New opens the chain stored in cfg.Stores, installing the genesis block of
// cfg.Params into an empty store.
func New(cfg Config) (*Chain, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New(validation.Config{Params: cfg.Params})
	}
	if cfg.Proofs == nil {
		cfg.Proofs = proof.New(cfg.Params, cfg.Validator.Sigs())
	}

	genesis := cfg.Params.GenesisBlock()
	if err := cfg.Stores.InstallGenesis(genesis, cfg.Params.GenesisValidators()); err != nil {
		return nil, fmt.Errorf("failed to install genesis: %w", err)
	}

	base, err := cfg.Stores.View()
	if err != nil {
		return nil, err
	}
	rootOpt, err := cfg.Stores.Blocks.GetByHash(base.TipHash())
	if err != nil {
		return nil, err
	}
	root, err := rootOpt.UnwrapOrErr(fmt.Errorf("%w: root block %v missing",
		models.ErrReorgInvariant, base.TipHash()))
	if err != nil {
		return nil, err
	}
	rootInfo, err := cfg.Stores.HeaderInfo(root.Hash())
	if err != nil {
		return nil, err
	}
	root.ChildBiases = rootInfo.UnwrapOr(models.HeaderInfo{}).Biases

	c := &Chain{
		params:    cfg.Params,
		stores:    cfg.Stores,
		validator: cfg.Validator,
		proofs:    cfg.Proofs,
		clock:     cfg.Clock,
		arena:     newArena(root),
		base:      base,
	}
	c.oracle, err = difficulty.New(cfg.Params, headerSource{c}, cfg.OracleCacheSize)
	if err != nil {
		return nil, err
	}

	c.snapshot.Store(newSnapshot([]*blockNode{c.arena.root}, validation.NewOverlay(base)))
	log.Infof("Chain opened at root %v (height %d)", root.Hash(), base.TipHeight())
	return c, nil
}

// headerSource resolves header info for the oracle from the arena, falling
// back to the store. It is only used while c.mu is held.
type headerSource struct {
	c *Chain
}

func (s headerSource) HeaderInfo(hash models.Hash) (fn.Option[models.HeaderInfo], error) {
	if n, ok := s.c.arena.get(hash); ok {
		return fn.Some(n.block.Info()), nil
	}
	return s.c.stores.HeaderInfo(hash)
}

// Snapshot returns the current view of the best chain.
func (c *Chain) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// Params returns the consensus parameters.
func (c *Chain) Params() *models.Params {
	return c.params
}

func ruleError(code models.RejectCode, format string, args ...interface{}) error {
	return models.NewRuleError(code, format, args...)
}

// AddBlock validates b on top of its parent and inserts it into the block
// tree, moving the best chain if b completes a better one. Rule violations
// are reported as models.RuleError and leave the chain untouched.
func (c *Chain) AddBlock(b *models.Block) (*Update, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := b.Hash()
	if _, ok := c.arena.get(hash); ok {
		return nil, ruleError(models.RejectDuplicate, "block %v already known", hash)
	}
	stored, err := c.stores.HeaderInfo(hash)
	if err != nil {
		return nil, err
	}
	if stored.IsSome() {
		return nil, ruleError(models.RejectDuplicate, "block %v already persisted", hash)
	}

	parent, ok := c.arena.get(b.PrevHash())
	if !ok {
		return nil, ruleError(models.RejectUnknownParent,
			"parent %v of block %v is unknown or below the root", b.PrevHash(), hash)
	}
	if err := c.checkContext(b, parent); err != nil {
		return nil, err
	}

	view, err := c.viewAt(parent)
	if err != nil {
		return nil, err
	}
	res, err := c.proofs.Validate(b, view)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return nil, ruleError(models.RejectBadProof, "block %v: %s", hash, res.Reason)
	}
	if _, err := c.validator.CheckBlockTransactions(b, view); err != nil {
		return nil, err
	}

	bias, err := c.oracle.Bias(parent.hash, b.Flag)
	if err != nil {
		return nil, err
	}
	b.Bias = bias
	b.Height = fn.Some(parent.height + 1)

	// A block whose best chain cannot be built is forgotten so that it can
	// be submitted again.
	n := c.arena.add(b, parent)
	upd, err := c.selectBest()
	if err != nil {
		c.arena.remove(n)
		return nil, err
	}
	log.Debugf("Accepted %v block %v at height %d (score %.4f, total %.4f)",
		b.Flag, hash, n.height, n.score, n.total)
	return upd, nil
}

// checkContext runs the checks that need only the parent header.
func (c *Chain) checkContext(b *models.Block, parent *blockNode) error {
	hash := b.Hash()
	if b.IsGenesis() || !c.params.Enabled(b.Flag) {
		return ruleError(models.RejectBadFlag, "block %v: consensus kind %v not enabled",
			hash, b.Flag)
	}

	bits, _, err := c.oracle.Target(parent.hash, b.Flag)
	if err != nil {
		return err
	}
	if b.Bits() != bits {
		return ruleError(models.RejectBadBits, "block %v: bits %08x, want %08x",
			hash, b.Bits(), bits)
	}

	if b.Time() < parent.block.Time() {
		return ruleError(models.RejectBadTime, "block %v: time %d before parent time %d",
			hash, b.Time(), parent.block.Time())
	}
	maxTime := c.clock.Now().Add(c.params.MaxFutureDrift).Unix()
	if int64(b.Time()) > maxTime {
		return ruleError(models.RejectBadTime, "block %v: time %d too far in the future",
			hash, b.Time())
	}

	if root := b.CalcMerkleRoot(); root != b.Header.MerkleRoot {
		return ruleError(models.RejectBadMerkle, "block %v: merkle root %v, want %v",
			hash, b.Header.MerkleRoot, root)
	}
	if size := b.Size(); size > c.params.MaxBlockSize {
		return ruleError(models.RejectBlockSize, "block %v: size %d exceeds %d",
			hash, size, c.params.MaxBlockSize)
	}

	want, _ := b.Flag.RewardType()
	proofTx := b.ProofTx()
	if proofTx.IsNone() || proofTx.UnsafeFromSome().Type != want {
		return ruleError(models.RejectBadProofTx,
			"block %v: first transaction must be a %v transaction", hash, want)
	}
	return nil
}

// viewAt returns the ledger state at n. The best tip reuses the published
// view; any other block is replayed from the root.
func (c *Chain) viewAt(n *blockNode) (*validation.Overlay, error) {
	snap := c.snapshot.Load()
	if n.hash == snap.TipHash() {
		return snap.view, nil
	}
	path := c.arena.path(n)
	view := validation.NewOverlay(c.base)
	if err := applyPath(view, path[1:]); err != nil {
		return nil, err
	}
	return view, nil
}

// applyPath layers already validated blocks onto view. Any failure means
// the in-memory state is inconsistent.
func applyPath(view *validation.Overlay, nodes []*blockNode) error {
	for _, n := range nodes {
		if err := view.ApplyBlock(n.block, n.height); err != nil {
			if errors.Is(err, models.ErrStoreUnavailable) {
				return err
			}
			if !errors.Is(err, models.ErrReorgInvariant) {
				err = fmt.Errorf("%w: %v", models.ErrReorgInvariant, err)
			}
			return fmt.Errorf("reapply block %v at height %d: %w", n.hash, n.height, err)
		}
	}
	return nil
}

// selectBest recomputes the best tip and, when it moved, builds and
// publishes the new snapshot. The previous snapshot stays published until
// the new state is complete.
func (c *Chain) selectBest() (*Update, error) {
	old := c.snapshot.Load()
	oldTip, ok := c.arena.get(old.TipHash())
	if !ok {
		return nil, fmt.Errorf("%w: best tip %v missing from the block tree",
			models.ErrReorgInvariant, old.TipHash())
	}

	best := c.arena.best()
	upd := &Update{OldTip: old.tip, NewTip: old.tip}
	if best == oldTip {
		return upd, nil
	}

	detach, attach := c.arena.fork(oldTip, best)
	var view *validation.Overlay
	if len(detach) == 0 {
		view = old.view.Clone()
		if err := applyPath(view, attach); err != nil {
			return nil, err
		}
	} else {
		view = validation.NewOverlay(c.base)
		if err := applyPath(view, c.arena.path(best)[1:]); err != nil {
			return nil, err
		}
	}

	c.snapshot.Store(newSnapshot(c.arena.path(best), view))

	upd.NewTip = best.block
	for _, n := range detach {
		upd.Detached = append(upd.Detached, n.block)
	}
	for _, n := range attach {
		upd.Attached = append(upd.Attached, n.block)
	}

	if upd.IsReorg() {
		log.Infof("Chain reorganized: %d blocks detached, %d attached, new tip %v "+
			"at height %d", len(detach), len(attach), best.hash, best.height)
	} else {
		log.Debugf("New best block %v at height %d", best.hash, best.height)
	}
	return upd, nil
}

// Flush persists the oldest best-chain blocks once at least WindowSize +
// FlushBatch blocks sit above the root, keeping WindowSize in memory. Forks
// that branch off below the new root are dropped. It returns the number of
// flushed blocks.
func (c *Chain) Flush() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := c.snapshot.Load()
	best, ok := c.arena.get(snap.TipHash())
	if !ok {
		return 0, fmt.Errorf("%w: best tip %v missing from the block tree",
			models.ErrReorgInvariant, snap.TipHash())
	}
	path := c.arena.path(best)
	excess := len(path) - 1 - c.params.WindowSize
	if excess < c.params.FlushBatch {
		return 0, nil
	}

	flushed := path[1 : 1+excess]
	blocks := make([]*models.Block, len(flushed))
	for i, n := range flushed {
		biases, err := c.oracle.ChildBiases(n.hash)
		if err != nil {
			return 0, err
		}
		n.block.ChildBiases = biases
		blocks[i] = n.block
	}
	if err := c.stores.FlushBlocks(blocks); err != nil {
		return 0, err
	}

	newRoot := flushed[len(flushed)-1]
	dropped := c.arena.reroot(newRoot)
	c.base = c.stores.ViewAt(storage.Root{Hash: newRoot.hash, Height: newRoot.height})

	view := validation.NewOverlay(c.base)
	remaining := c.arena.path(best)
	if err := applyPath(view, remaining[1:]); err != nil {
		return 0, err
	}
	c.snapshot.Store(newSnapshot(remaining, view))

	log.Infof("Flushed %d blocks up to height %d, dropped %d stale blocks",
		len(blocks), newRoot.height, dropped)
	return len(blocks), nil
}

// View returns the ledger state at the end of the chain ending at hash.
func (c *Chain) View(hash models.Hash) (validation.ChainView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.arena.get(hash)
	if !ok {
		return nil, fmt.Errorf("block %v is not held in memory", hash)
	}
	return c.viewAt(n)
}

// Block returns a known block, in memory or persisted.
func (c *Chain) Block(hash models.Hash) (fn.Option[*models.Block], error) {
	c.mu.Lock()
	n, ok := c.arena.get(hash)
	c.mu.Unlock()
	if ok {
		return fn.Some(n.block), nil
	}
	return c.stores.Blocks.GetByHash(hash)
}

// BlockAtHeight returns the best-chain block at height.
func (c *Chain) BlockAtHeight(height uint32) (fn.Option[*models.Block], error) {
	if hash, ok := c.Snapshot().HashAt(height); ok {
		return c.Block(hash)
	}
	return c.stores.Blocks.GetByHeight(height)
}

// NextTarget returns the bits and target a block of kind must carry on top
// of the best tip.
func (c *Chain) NextTarget(kind models.Flag) (uint32, *big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oracle.Target(c.snapshot.Load().TipHash(), kind)
}

// NextBias returns the bias a block of kind would get on top of the best
// tip.
func (c *Chain) NextBias(kind models.Flag) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.oracle.Bias(c.snapshot.Load().TipHash(), kind)
}

// Len returns the number of blocks held in memory, root included.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arena.nodes)
}
