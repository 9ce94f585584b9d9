package validation

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
)

// ChainView is a consistent read-only view of the ledger state at the end of
// one chain. Validation never mutates a view; effects of accepted
// transactions are layered on top with an Overlay.
type ChainView interface {
	// TipHash is the block the view ends at.
	TipHash() models.Hash

	// TipHeight is the height of TipHash.
	TipHeight() uint32

	// LookupTx returns a transaction known to the view. Confirmed
	// transactions carry their height.
	LookupTx(hash models.Hash) (fn.Option[*models.Transaction], error)

	// IsOutputUsed reports whether the output was spent on this chain.
	IsOutputUsed(op models.Outpoint) (bool, error)

	// LatestCoin returns the newest confirmed metadata of a coin.
	LatestCoin(coinID uint32) (fn.Option[*models.CoinRecord], error)

	// Validators returns the validator set in force.
	Validators() (*models.ValidatorSet, error)
}

// Overlay layers confirmed transactions on top of a base view. An overlay
// is not safe for concurrent mutation, but once it is no longer mutated any
// number of readers may share it.
type Overlay struct {
	base ChainView

	tip    models.Hash
	height uint32

	txs        map[models.Hash]*models.Transaction
	used       map[models.Outpoint]struct{}
	coins      map[uint32]*models.CoinRecord
	validators *models.ValidatorSet
	order      []models.Hash
}

// A compile time check to ensure Overlay implements the ChainView interface.
var _ ChainView = (*Overlay)(nil)

// NewOverlay returns an empty overlay over base.
func NewOverlay(base ChainView) *Overlay {
	return &Overlay{
		base:   base,
		tip:    base.TipHash(),
		height: base.TipHeight(),
		txs:    make(map[models.Hash]*models.Transaction),
		used:   make(map[models.Outpoint]struct{}),
		coins:  make(map[uint32]*models.CoinRecord),
	}
}

// Clone returns an overlay with the same content that can be extended
// without affecting o.
func (o *Overlay) Clone() *Overlay {
	c := &Overlay{
		base:       o.base,
		tip:        o.tip,
		height:     o.height,
		txs:        make(map[models.Hash]*models.Transaction, len(o.txs)),
		used:       make(map[models.Outpoint]struct{}, len(o.used)),
		coins:      make(map[uint32]*models.CoinRecord, len(o.coins)),
		validators: o.validators,
		order:      append([]models.Hash(nil), o.order...),
	}
	for k, v := range o.txs {
		c.txs[k] = v
	}
	for k := range o.used {
		c.used[k] = struct{}{}
	}
	for k, v := range o.coins {
		c.coins[k] = v
	}
	return c
}

func (o *Overlay) TipHash() models.Hash {
	return o.tip
}

func (o *Overlay) TipHeight() uint32 {
	return o.height
}

func (o *Overlay) LookupTx(hash models.Hash) (fn.Option[*models.Transaction], error) {
	if tx, ok := o.txs[hash]; ok {
		return fn.Some(tx.Clone()), nil
	}
	return o.base.LookupTx(hash)
}

func (o *Overlay) IsOutputUsed(op models.Outpoint) (bool, error) {
	if _, ok := o.used[op]; ok {
		return true, nil
	}
	return o.base.IsOutputUsed(op)
}

func (o *Overlay) LatestCoin(coinID uint32) (fn.Option[*models.CoinRecord], error) {
	if rec, ok := o.coins[coinID]; ok {
		c := *rec
		return fn.Some(&c), nil
	}
	return o.base.LatestCoin(coinID)
}

func (o *Overlay) Validators() (*models.ValidatorSet, error) {
	if o.validators != nil {
		return o.validators, nil
	}
	return o.base.Validators()
}

// Transactions returns the hashes of the layered transactions in the order
// they were applied.
func (o *Overlay) Transactions() []models.Hash {
	return append([]models.Hash(nil), o.order...)
}

// ApplyTx records tx as confirmed at height. It fails with
// models.ErrReorgInvariant if the transaction cannot be applied, which for
// an already validated transaction means the state is inconsistent.
func (o *Overlay) ApplyTx(tx *models.Transaction, height uint32) error {
	hash := tx.Hash()
	if _, ok := o.txs[hash]; ok {
		return fmt.Errorf("%w: tx %v applied twice", models.ErrReorgInvariant, hash)
	}
	for _, in := range tx.Inputs {
		op := in.Outpoint()
		used, err := o.IsOutputUsed(op)
		if err != nil {
			return err
		}
		if used {
			return fmt.Errorf("%w: tx %v spends used output %v:%d",
				models.ErrReorgInvariant, hash, op.Hash, op.Index)
		}
		o.used[op] = struct{}{}
	}

	switch tx.Type {
	case models.TxMintCoin:
		if err := o.applyMint(tx, height); err != nil {
			return err
		}
	case models.TxValidatorEdit:
		if err := o.applyValidatorEdit(tx); err != nil {
			return err
		}
	}

	c := tx.Clone()
	c.Height = fn.Some(height)
	o.txs[hash] = c
	o.order = append(o.order, hash)
	return nil
}

// ApplyBlock applies every transaction of b and advances the tip.
func (o *Overlay) ApplyBlock(b *models.Block, height uint32) error {
	for _, tx := range b.Txs {
		if err := o.ApplyTx(tx, height); err != nil {
			return err
		}
	}
	o.tip = b.Hash()
	o.height = height
	return nil
}

// SetTip moves the tip without applying transactions.
func (o *Overlay) SetTip(hash models.Hash, height uint32) {
	o.tip = hash
	o.height = height
}

func (o *Overlay) applyMint(tx *models.Transaction, height uint32) error {
	rec, err := models.ParseMintRecord(tx.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrReorgInvariant, err)
	}
	prev, err := o.LatestCoin(rec.CoinID)
	if err != nil {
		return err
	}
	supply := rec.Amount
	prev.WhenSome(func(p *models.CoinRecord) {
		supply += p.Supply
	})
	o.coins[rec.CoinID] = &models.CoinRecord{
		MintRecord: *rec,
		Supply:     supply,
		TxHash:     tx.Hash(),
		Height:     height,
	}
	return nil
}

func (o *Overlay) applyValidatorEdit(tx *models.Transaction) error {
	edit, err := models.ParseValidatorEdit(tx.Message)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrReorgInvariant, err)
	}
	set, err := o.Validators()
	if err != nil {
		return err
	}
	next, err := set.Apply(edit)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrReorgInvariant, err)
	}
	o.validators = next
	return nil
}
