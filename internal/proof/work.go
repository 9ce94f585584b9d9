package proof

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	ltcwire "github.com/ltcsuite/ltcd/wire"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/models"
	"lukechampine.com/blake3"
)

var errNoProofTx = errors.New("block has no proof transaction")

// WorkHash computes the kind specific hash of an 80-byte header.
func WorkHash(kind models.Flag, header []byte) (models.Hash, error) {
	switch kind {
	case models.FlagPowSHA256d:
		return models.DoubleHash(header), nil

	case models.FlagPowScrypt:
		var h ltcwire.BlockHeader
		if err := h.Deserialize(bytes.NewReader(header)); err != nil {
			return models.ZeroHash, fmt.Errorf("%w: %v", models.ErrMalformedEncoding, err)
		}
		return models.Hash(h.PowHash()), nil

	case models.FlagPowBlake3:
		return models.Hash(blake3.Sum256(header)), nil
	}
	return models.ZeroHash, fmt.Errorf("%v is not a work kind", kind)
}

func (v *Validator) checkWork(b *models.Block, target *big.Int) *Result {
	work, err := WorkHash(b.Flag, b.HeaderBytes())
	if err != nil {
		return invalid(models.ZeroHash, err.Error())
	}
	if !belowTarget(work, target) {
		return invalid(work, fmt.Sprintf("work hash %v above target %064x", work, target))
	}
	return &Result{Valid: true, WorkHash: work}
}

// Solve grinds the header nonce of a work block until its work hash falls
// below the target of its bits. It gives up after tries attempts.
func Solve(b *models.Block, tries uint32) bool {
	target := difficulty.BitsToTarget(b.Bits())
	for n := uint32(0); n < tries; n++ {
		b.SetNonce(n)
		work, err := WorkHash(b.Flag, b.HeaderBytes())
		if err != nil {
			return false
		}
		if belowTarget(work, target) {
			return true
		}
	}
	return false
}
