package sync

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/notifier"
	"github.com/thanhnp/ledger-core/internal/storage"
)

// Backend is the part of the node the syncer drives.
type Backend interface {
	// Subscribe registers for chain events.
	Subscribe() (*notifier.Client, error)

	// Flush persists the oldest in-memory blocks of the best chain.
	Flush() (int, error)

	// Transaction resolves a transaction on the best chain.
	Transaction(hash models.Hash) (fn.Option[*models.Transaction], error)
}

// Config holds the collaborators of a Syncer.
type Config struct {
	Backend Backend
	Stores  *storage.ChainStores

	// FlushTicker paces Backend.Flush.
	FlushTicker ticker.Ticker

	// FatalHandler is called when the ledger cannot follow the chain.
	// Defaults to a panic.
	FatalHandler func(error)

	// RecentTxs bounds the cache of transactions from applied blocks that
	// later blocks may spend. Defaults to DefaultRecentTxs.
	RecentTxs int
}

// DefaultRecentTxs is the default capacity of the applied transaction cache.
const DefaultRecentTxs = 1 << 16

// Syncer runs the background work around the chain: it flushes settled
// blocks to the store on a schedule and keeps the account ledger in step
// with the best chain.
type Syncer struct {
	started int32 // To be used atomically.
	stopped int32 // To be used atomically.

	cfg    Config
	client *notifier.Client

	// recent holds the transactions of applied blocks, so inputs resolve
	// even after their block left the best chain or the mempool.
	recent *lru.Cache[models.Hash, *models.Transaction]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewSyncer creates a new Syncer
func NewSyncer(cfg Config) *Syncer {
	if cfg.FatalHandler == nil {
		cfg.FatalHandler = func(err error) { panic(err) }
	}
	if cfg.RecentTxs <= 0 {
		cfg.RecentTxs = DefaultRecentTxs
	}
	// lru.New only fails for a non-positive size.
	recent, _ := lru.New[models.Hash, *models.Transaction](cfg.RecentTxs)
	return &Syncer{
		cfg:    cfg,
		recent: recent,
		quit:   make(chan struct{}),
	}
}

// Start brings the ledger in line with the persisted chain and starts the
// event loop.
func (s *Syncer) Start() error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return nil
	}

	// Subscribe before reconciling so no block slips between the two.
	client, err := s.cfg.Backend.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := s.reconcile(); err != nil {
		client.Cancel()
		return err
	}
	s.client = client

	s.cfg.FlushTicker.Resume()

	s.wg.Add(1)
	go s.loop()

	log.Infof("Syncer started")
	return nil
}

// Stop stops the event loop and the flush ticker.
func (s *Syncer) Stop() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}
	if atomic.LoadInt32(&s.started) == 0 {
		return nil
	}

	close(s.quit)
	s.wg.Wait()
	s.client.Cancel()
	s.cfg.FlushTicker.Stop()

	log.Infof("Syncer stopped")
	return nil
}

// reconcile drops ledger entries of blocks that were only held in memory by
// a previous run, then applies persisted blocks the ledger has not seen.
func (s *Syncer) reconcile() error {
	rootOpt, err := s.cfg.Stores.Sync.GetRoot()
	if err != nil {
		return err
	}
	root, err := rootOpt.UnwrapOrErr(errors.New("store has no root block"))
	if err != nil {
		return err
	}

	reverted, err := s.cfg.Stores.Addresses.RevertAbove(root.Height)
	if err != nil {
		return fmt.Errorf("failed to revert unpersisted ledger entries: %w", err)
	}
	if reverted > 0 {
		log.Infof("Reverted %d ledger entries above root height %d",
			reverted, root.Height)
	}

	// Walk down to the newest block the ledger already recorded.
	var missing []*models.Block
	for h := int64(root.Height); h >= 0; h-- {
		opt, err := s.cfg.Stores.Blocks.GetByHeight(uint32(h))
		if err != nil {
			return err
		}
		b, err := opt.UnwrapOrErr(fmt.Errorf("%w: no block at height %d",
			models.ErrReorgInvariant, h))
		if err != nil {
			return err
		}
		applied, err := s.cfg.Stores.Addresses.Applied(b.Txs[0].Hash())
		if err != nil {
			return err
		}
		if applied {
			break
		}
		missing = append(missing, b)
	}

	for i := len(missing) - 1; i >= 0; i-- {
		b := missing[i]
		if err := s.applyBlock(b, b.Height.UnwrapOr(0)); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		log.Infof("Ledger caught up on %d persisted blocks", len(missing))
	}
	return nil
}

// loop is the main loop of the syncer.
//
// NOTE: MUST be run as a goroutine.
func (s *Syncer) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cfg.FlushTicker.Ticks():
			n, err := s.cfg.Backend.Flush()
			if err != nil {
				s.fail("flush", err)
				continue
			}
			if n > 0 {
				log.Debugf("Flushed %d blocks", n)
			}

		case ev := <-s.client.Updates():
			s.handleEvent(ev)

		case <-s.client.Quit():
			return

		case <-s.quit:
			return
		}
	}
}

func (s *Syncer) handleEvent(ev interface{}) {
	switch e := ev.(type) {
	case notifier.NewBestBlock:
		if err := s.applyBlock(e.Block, e.Height); err != nil {
			s.fail("apply block "+e.Block.Hash().String(), err)
		}

	case notifier.ChainReorg:
		for _, b := range e.Detached {
			if err := s.revertBlock(b); err != nil {
				s.fail("revert block "+b.Hash().String(), err)
				return
			}
		}
		for _, b := range e.Attached {
			if err := s.applyBlock(b, b.Height.UnwrapOr(0)); err != nil {
				s.fail("apply block "+b.Hash().String(), err)
				return
			}
		}
	}
}

func (s *Syncer) fail(what string, err error) {
	if errors.Is(err, models.ErrReorgInvariant) {
		log.Criticalf("Ledger cannot follow the chain: %s: %v", what, err)
		s.cfg.FatalHandler(err)
		return
	}
	log.Errorf("Failed to %s: %v", what, err)
}

// applyBlock records the movements of every transaction of b. Inputs may
// spend earlier transactions of the same block.
func (s *Syncer) applyBlock(b *models.Block, height uint32) error {
	local := make(map[models.Hash]*models.Transaction, len(b.Txs))
	for _, tx := range b.Txs {
		applied, err := s.cfg.Stores.Addresses.Applied(tx.Hash())
		if err != nil {
			return err
		}
		if !applied {
			movements, err := s.movements(tx, local)
			if err != nil {
				return err
			}
			err = s.cfg.Stores.Addresses.Apply(tx.Hash(), height, movements)
			if err != nil {
				return err
			}
		}
		local[tx.Hash()] = tx
	}
	for hash, tx := range local {
		s.recent.Add(hash, tx)
	}
	log.Tracef("Applied block %v at height %d to the ledger", b.Hash(), height)
	return nil
}

// revertBlock undoes the movements of b, last transaction first.
func (s *Syncer) revertBlock(b *models.Block) error {
	for i := len(b.Txs) - 1; i >= 0; i-- {
		if err := s.cfg.Stores.Addresses.Revert(b.Txs[i].Hash()); err != nil {
			return err
		}
	}
	log.Tracef("Reverted block %v from the ledger", b.Hash())
	return nil
}

// movements debits the owners of the spent outputs and credits the outputs
// of tx. An input that cannot be resolved means the ledger lost track of
// the chain.
func (s *Syncer) movements(tx *models.Transaction,
	local map[models.Hash]*models.Transaction) ([]storage.Movement, error) {

	out := make([]storage.Movement, 0, len(tx.Inputs)+len(tx.Outputs))
	for _, in := range tx.Inputs {
		origin, err := s.origin(in.PrevHash, local)
		if err != nil {
			return nil, err
		}
		if origin == nil {
			return nil, fmt.Errorf("%w: input %v:%d of %v does not resolve",
				models.ErrReorgInvariant, in.PrevHash, in.Index, tx.Hash())
		}
		if int(in.Index) >= len(origin.Outputs) {
			return nil, fmt.Errorf("%w: input %v:%d of %v is out of range",
				models.ErrReorgInvariant, in.PrevHash, in.Index, tx.Hash())
		}
		spent := origin.Outputs[in.Index]
		out = append(out, storage.Movement{
			Address: spent.Address,
			CoinID:  spent.CoinID,
			Amount:  spent.Amount,
			Debit:   true,
		})
	}
	for _, o := range tx.Outputs {
		out = append(out, storage.Movement{
			Address: o.Address,
			CoinID:  o.CoinID,
			Amount:  o.Amount,
		})
	}
	return out, nil
}

// origin finds a spent transaction in the block being applied, the recently
// applied blocks, the store and finally the backend. Transactions are
// content addressed, so every source yields the same outputs.
func (s *Syncer) origin(hash models.Hash,
	local map[models.Hash]*models.Transaction) (*models.Transaction, error) {

	if tx, ok := local[hash]; ok {
		return tx, nil
	}
	if tx, ok := s.recent.Get(hash); ok {
		return tx, nil
	}
	stored, err := s.cfg.Stores.Txs.Get(hash)
	if err != nil {
		return nil, err
	}
	if stored.IsSome() {
		return stored.UnsafeFromSome(), nil
	}
	live, err := s.cfg.Backend.Transaction(hash)
	if err != nil {
		return nil, err
	}
	return live.UnwrapOr(nil), nil
}
