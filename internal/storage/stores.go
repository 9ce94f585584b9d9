package storage

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
)

// ChainStores holds all stores of the node's chain.
type ChainStores struct {
	DB        *PebbleDB
	Blocks    *BlockStore
	Txs       *TxStore
	Outputs   *OutputStore
	Registry  *RegistryStore
	Addresses *AddressStore
	Sync      *SyncStore
}

// NewChainStores creates all stores using the given database
func NewChainStores(db *PebbleDB) *ChainStores {
	return &ChainStores{
		DB:        db,
		Blocks:    NewBlockStore(db),
		Txs:       NewTxStore(db),
		Outputs:   NewOutputStore(db),
		Registry:  NewRegistryStore(db),
		Addresses: NewAddressStore(db),
		Sync:      NewSyncStore(db),
	}
}

// Close closes the database
func (cs *ChainStores) Close() error {
	return cs.DB.Close()
}

// InstallGenesis persists the genesis block as the root of an empty store.
// It is a no-op when a root already exists.
func (cs *ChainStores) InstallGenesis(genesis *models.Block, set *models.ValidatorSet) error {
	if err := cs.Sync.CheckFormat(); err != nil {
		return err
	}
	root, err := cs.Sync.GetRoot()
	if err != nil {
		return err
	}
	if root.IsSome() {
		return nil
	}

	genesis.Height = fn.Some(uint32(0))
	batch := cs.DB.NewIndexedBatch()
	defer batch.Destroy()

	if err := cs.Registry.SaveValidatorsBatch(batch, set); err != nil {
		return err
	}
	if err := cs.writeBlock(batch, genesis); err != nil {
		return err
	}
	if err := cs.Sync.SetRootBatch(batch, Root{Hash: genesis.Hash()}); err != nil {
		return err
	}
	if err := cs.DB.WriteBatch(batch); err != nil {
		return err
	}

	log.Infof("Installed genesis block %v", genesis.Hash())
	return nil
}

// FlushBlocks persists blocks, oldest first, in one atomic batch and moves
// the root to the last of them. Every block must extend the one before it,
// the first extending the current root.
func (cs *ChainStores) FlushBlocks(blocks []*models.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	root, err := cs.Sync.GetRoot()
	if err != nil {
		return err
	}
	prev, err := root.UnwrapOrErr(fmt.Errorf("%w: flush into a store without root",
		models.ErrReorgInvariant))
	if err != nil {
		return err
	}

	batch := cs.DB.NewIndexedBatch()
	defer batch.Destroy()

	for _, b := range blocks {
		if b.PrevHash() != prev.Hash {
			return fmt.Errorf("%w: flushed block %v does not extend %v",
				models.ErrReorgInvariant, b.Hash(), prev.Hash)
		}
		height := b.Height.UnwrapOr(0)
		if height != prev.Height+1 {
			return fmt.Errorf("%w: flushed block %v at height %d, want %d",
				models.ErrReorgInvariant, b.Hash(), height, prev.Height+1)
		}
		if err := cs.writeBlock(batch, b); err != nil {
			return err
		}
		prev = Root{Hash: b.Hash(), Height: height}
	}

	if err := cs.Sync.SetRootBatch(batch, prev); err != nil {
		return err
	}
	if err := cs.DB.WriteBatch(batch); err != nil {
		return err
	}
	// Unsynced stores become durable at each flush.
	if cs.DB.noSync {
		if err := cs.DB.Sync(); err != nil {
			return err
		}
	}

	log.Debugf("Flushed %d blocks, root now %v at height %d", len(blocks),
		prev.Hash, prev.Height)
	return nil
}

// writeBlock adds a validated block and the state changes of its
// transactions to the batch.
func (cs *ChainStores) writeBlock(batch *WriteBatch, b *models.Block) error {
	height := b.Height.UnwrapOr(0)
	if err := cs.Blocks.SaveBatch(batch, b); err != nil {
		return err
	}

	for _, tx := range b.Txs {
		if err := cs.Txs.SaveBatch(batch, tx, height); err != nil {
			return err
		}
		for _, in := range tx.Inputs {
			if err := cs.Outputs.MarkUsedBatch(batch, in.Outpoint()); err != nil {
				return err
			}
		}

		switch tx.Type {
		case models.TxMintCoin:
			if err := cs.writeMint(batch, tx, height); err != nil {
				return err
			}
		case models.TxValidatorEdit:
			if err := cs.writeValidatorEdit(batch, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cs *ChainStores) writeMint(batch *WriteBatch, tx *models.Transaction, height uint32) error {
	rec, err := models.ParseMintRecord(tx.Message)
	if err != nil {
		return fmt.Errorf("%w: tx %v: %v", models.ErrReorgInvariant, tx.Hash(), err)
	}
	prev, err := cs.Registry.latestCoin(batch, rec.CoinID)
	if err != nil {
		return err
	}
	supply := rec.Amount
	prev.WhenSome(func(p *models.CoinRecord) {
		supply += p.Supply
	})
	return cs.Registry.SaveCoinBatch(batch, &models.CoinRecord{
		MintRecord: *rec,
		Supply:     supply,
		TxHash:     tx.Hash(),
		Height:     height,
	})
}

func (cs *ChainStores) writeValidatorEdit(batch *WriteBatch, tx *models.Transaction) error {
	edit, err := models.ParseValidatorEdit(tx.Message)
	if err != nil {
		return fmt.Errorf("%w: tx %v: %v", models.ErrReorgInvariant, tx.Hash(), err)
	}
	set, err := cs.Registry.validators(batch)
	if err != nil {
		return err
	}
	next, err := set.Apply(edit)
	if err != nil {
		return fmt.Errorf("%w: tx %v: %v", models.ErrReorgInvariant, tx.Hash(), err)
	}
	return cs.Registry.SaveValidatorsBatch(batch, next)
}

// HeaderInfo returns the header info of a persisted block.
func (cs *ChainStores) HeaderInfo(hash models.Hash) (fn.Option[models.HeaderInfo], error) {
	return cs.Blocks.HeaderInfo(hash)
}

// View returns the ledger state at the persisted root.
func (cs *ChainStores) View() (*StoreView, error) {
	root, err := cs.Sync.GetRoot()
	if err != nil {
		return nil, err
	}
	r, err := root.UnwrapOrErr(fmt.Errorf("store has no root"))
	if err != nil {
		return nil, err
	}
	return &StoreView{stores: cs, root: r}, nil
}

// StoreView reads the persisted ledger. It is the base every in-memory
// view is layered on.
type StoreView struct {
	stores *ChainStores
	root   Root
}

func (v *StoreView) TipHash() models.Hash {
	return v.root.Hash
}

func (v *StoreView) TipHeight() uint32 {
	return v.root.Height
}

func (v *StoreView) LookupTx(hash models.Hash) (fn.Option[*models.Transaction], error) {
	return v.stores.Txs.Get(hash)
}

func (v *StoreView) IsOutputUsed(op models.Outpoint) (bool, error) {
	return v.stores.Outputs.IsUsed(op)
}

func (v *StoreView) LatestCoin(coinID uint32) (fn.Option[*models.CoinRecord], error) {
	return v.stores.Registry.LatestCoin(coinID)
}

func (v *StoreView) Validators() (*models.ValidatorSet, error) {
	return v.stores.Registry.Validators()
}

// ViewAt returns the view of a root just written by FlushBlocks without
// reading it back.
func (cs *ChainStores) ViewAt(r Root) *StoreView {
	return &StoreView{stores: cs, root: r}
}
