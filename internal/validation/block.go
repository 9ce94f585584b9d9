package validation

import (
	"math/bits"

	"github.com/thanhnp/ledger-core/internal/models"
)

// BlockFees sums the base-currency fees of the non-reward transactions.
func BlockFees(b *models.Block) (uint64, error) {
	var fees uint64
	for i, tx := range b.Txs {
		if i == 0 && tx.Type.IsReward() {
			continue
		}
		if tx.FeeCoinID() != models.BaseCoinID {
			continue
		}
		var carry uint64
		fees, carry = bits.Add64(fees, tx.Fee(), 0)
		if carry != 0 {
			return 0, ruleError(models.RejectBadReward, "block fees overflow")
		}
	}
	return fees, nil
}

// prefetchSignatures verifies every transaction signature of the block on
// the worker pool so the sequential rule checks only hit the cache.
func (v *Validator) prefetchSignatures(b *models.Block) error {
	var (
		checks []SigCheck
		owners []int
	)
	for i, tx := range b.Txs {
		// The capacity proof signs the block, not the transaction.
		if tx.Type == models.TxPocReward {
			continue
		}
		hash := tx.Hash()
		for _, s := range tx.Signatures {
			checks = append(checks, SigCheck{PubKey: s.PubKey, Sig: s.Sig, Hash: hash})
			owners = append(owners, i)
		}
	}
	for j, ok := range v.sigs.VerifyBatch(checks) {
		if !ok {
			return ruleError(models.RejectBadSignature,
				"tx %d: invalid signature", owners[j])
		}
	}
	return nil
}

// CheckBlockTransactions validates the transactions of b in order on top of
// view, which must end at the parent of b. Each transaction sees the effects
// of the ones before it. On success the returned overlay holds the effects
// of the whole block and its tip is b.
func (v *Validator) CheckBlockTransactions(b *models.Block, view ChainView) (*Overlay, error) {
	height := view.TipHeight() + 1

	fees, err := BlockFees(b)
	if err != nil {
		return nil, err
	}
	if err := v.prefetchSignatures(b); err != nil {
		return nil, err
	}

	overlay := NewOverlay(view)
	starts := make(map[models.Hash]*models.Transaction)
	for i, tx := range b.Txs {
		ctx := TxContext{
			Mode:      ModeConfirmed,
			Height:    height,
			Time:      b.Time(),
			Index:     i,
			BlockFees: fees,
		}

		if tx.Type == models.TxContractFinish {
			f, err := models.ParseContractFinish(tx.Message)
			if err != nil {
				return nil, ruleError(models.RejectBadContract, "tx %d: %v", i, err)
			}
			start, ok := starts[f.StartHash]
			if !ok {
				return nil, ruleError(models.RejectBadContract,
					"tx %d: finish without preceding start %v", i, f.StartHash)
			}
			delete(starts, f.StartHash)
			ctx.start = start
		}

		if err := v.CheckTransaction(tx, overlay, ctx); err != nil {
			if rerr, ok := models.IsRuleError(err); ok {
				return nil, models.NewRuleError(rerr.Code, "tx %d (%v): %s",
					i, tx.Hash(), rerr.Description)
			}
			return nil, err
		}
		if err := overlay.ApplyTx(tx, height); err != nil {
			return nil, err
		}

		if tx.Type == models.TxContractStart {
			starts[tx.Hash()] = tx
		}
	}
	for h := range starts {
		return nil, ruleError(models.RejectBadContract,
			"contract start %v without finish in the block", h)
	}

	overlay.SetTip(b.Hash(), height)
	log.Tracef("validated %d transactions of block %v", len(b.Txs), b.Hash())
	return overlay, nil
}
