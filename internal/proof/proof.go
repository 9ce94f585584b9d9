// Package proof checks the consensus proof a block carries: a hash below
// target for the work kinds, a staked output for the stake kinds and a
// plotted scope for the capacity kind.
package proof

import (
	"math/big"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/validation"
)

// Result is the outcome of a proof check.
type Result struct {
	Valid    bool
	WorkHash models.Hash

	// Reason describes why an invalid proof was rejected.
	Reason string
}

func invalid(work models.Hash, reason string) *Result {
	return &Result{WorkHash: work, Reason: reason}
}

// Validator checks block proofs. It holds no chain state and is safe for
// concurrent use.
type Validator struct {
	params *models.Params
	sigs   *validation.SigVerifier
}

// New creates a proof validator sharing the signature memo of the
// transaction validator.
func New(params *models.Params, sigs *validation.SigVerifier) *Validator {
	if sigs == nil {
		sigs = validation.NewSigVerifier(0, 0, 0)
	}
	return &Validator{params: params, sigs: sigs}
}

// Validate checks the proof of b against view, which must end at the parent
// of b. The required target is taken from the header bits, which the caller
// has already matched against the difficulty oracle. On success the work
// hash is cached on b. The error is non-nil only when view fails.
func (v *Validator) Validate(b *models.Block, view validation.ChainView) (*Result, error) {
	target := difficulty.BitsToTarget(b.Bits())
	if target.Sign() <= 0 {
		return invalid(models.ZeroHash, "non-positive target"), nil
	}

	proofTx, err := b.ProofTx().UnwrapOrErr(errNoProofTx)
	if err != nil {
		return invalid(models.ZeroHash, err.Error()), nil
	}

	var res *Result
	switch {
	case b.Flag.IsProofOfWork():
		res = v.checkWork(b, target)

	case b.Flag.IsProofOfStake():
		res, err = v.checkStake(b, proofTx, view, target)

	case b.Flag == models.FlagCapacityStake:
		res = v.checkCapacity(b, proofTx, target)

	default:
		res = invalid(models.ZeroHash, "no proof rule for "+b.Flag.String())
	}
	if err != nil {
		return nil, err
	}

	if res.Valid {
		b.WorkHash = fn.Some(res.WorkHash)
		b.Target = target
		b.Difficulty = difficulty.Difficulty(v.params.ReferenceTarget(), target)
	} else {
		log.Debugf("Invalid %v proof for block %v: %s", b.Flag, b.Hash(), res.Reason)
	}
	return res, nil
}

// belowTarget reports whether the little-endian integer value of work is
// strictly less than target.
func belowTarget(work models.Hash, target *big.Int) bool {
	return difficulty.HashToBig(work).Cmp(target) < 0
}
