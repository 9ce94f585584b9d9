package proof

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/validation"
	"golang.org/x/crypto/blake2b"
)

// StakeKernel returns the hash a stake proof is derived from: the double
// hash of the staked output's transaction hash followed by the parent hash.
func StakeKernel(staked, prev models.Hash) models.Hash {
	buf := make([]byte, 0, 2*models.HashSize)
	buf = append(buf, staked[:]...)
	buf = append(buf, prev[:]...)
	return models.DoubleHash(buf)
}

// StakeWork divides the kernel by the staked amount in whole coins. ok is
// false when less than one coin is staked.
func StakeWork(kernel models.Hash, amount uint64) (*big.Int, bool) {
	coins := amount / models.CoinUnit
	if coins == 0 {
		return nil, false
	}
	w := difficulty.HashToBig(kernel)
	return w.Quo(w, new(big.Int).SetUint64(coins)), true
}

func (v *Validator) checkStake(b *models.Block, tx *models.Transaction,
	view validation.ChainView, target *big.Int) (*Result, error) {

	if tx.Type != models.TxPosReward {
		return invalid(models.ZeroHash, "stake block without stake reward"), nil
	}
	if len(tx.Inputs) != 1 || len(tx.Outputs) != 1 {
		return invalid(models.ZeroHash, fmt.Sprintf(
			"stake reward with %d inputs and %d outputs", len(tx.Inputs), len(tx.Outputs))), nil
	}
	in := tx.Inputs[0]
	kernel := StakeKernel(in.PrevHash, b.PrevHash())

	res, err := view.LookupTx(in.PrevHash)
	if err != nil {
		return nil, err
	}
	origin, err := res.UnwrapOrErr(fmt.Errorf("staked transaction %v unknown", in.PrevHash))
	if err != nil {
		return invalid(kernel, err.Error()), nil
	}
	if int(in.Index) >= len(origin.Outputs) {
		return invalid(kernel, fmt.Sprintf("staked output %v:%d missing",
			in.PrevHash, in.Index)), nil
	}
	staked := origin.Outputs[in.Index]
	if staked.CoinID != models.BaseCoinID {
		return invalid(kernel, fmt.Sprintf("staked coin %d is not the base currency",
			staked.CoinID)), nil
	}

	height := view.TipHeight() + 1
	confirmed, ok := origin.Height.UnwrapOr(0), origin.Height.IsSome()
	mature := v.params.MatureHeightFor(b.Flag)
	if !ok || uint64(confirmed)+uint64(mature) >= uint64(height) {
		return invalid(kernel, fmt.Sprintf("staked output %v:%d not mature at %d",
			in.PrevHash, in.Index, height)), nil
	}
	used, err := view.IsOutputUsed(in.Outpoint())
	if err != nil {
		return nil, err
	}
	if used {
		return invalid(kernel, fmt.Sprintf("staked output %v:%d already used",
			in.PrevHash, in.Index)), nil
	}

	out := tx.Outputs[0]
	want := staked.Amount + v.params.Reward(height)
	if out.Address != staked.Address || out.CoinID != staked.CoinID || out.Amount != want {
		return invalid(kernel, fmt.Sprintf("stake output %s/%d/%d, want %s/%d/%d",
			out.Address, out.CoinID, out.Amount, staked.Address, staked.CoinID, want)), nil
	}

	work, ok := StakeWork(kernel, staked.Amount)
	if !ok {
		return invalid(kernel, "less than one coin staked"), nil
	}
	if work.Cmp(target) >= 0 {
		return invalid(kernel, fmt.Sprintf("stake work %064x above target %064x",
			work, target)), nil
	}
	return &Result{Valid: true, WorkHash: kernel}, nil
}

const (
	capacityRounds = 64
	capacityScope  = 32
	capacityHalves = 2 * capacityRounds
	roundSize      = blake2b.Size
)

// CapacityScope derives the plotted scope of (address, nonce) selected by
// the parent hash. The seed is expanded into 64 chained blake2b-512 rounds,
// every round is folded with the last one and the parent hash modulo 128
// picks one 32-byte half of one round.
func CapacityScope(addr models.Address, nonce uint32, prev models.Hash) [capacityScope]byte {
	seed := make([]byte, 0, models.AddressLen+4)
	seed = append(seed, []byte(addr)...)
	seed = binary.LittleEndian.AppendUint32(seed, nonce)

	var rounds [capacityRounds][roundSize]byte
	rounds[0] = blake2b.Sum512(seed)
	for i := 1; i < capacityRounds; i++ {
		buf := make([]byte, 0, roundSize+len(seed))
		buf = append(buf, rounds[i-1][:]...)
		buf = append(buf, seed...)
		rounds[i] = blake2b.Sum512(buf)
	}
	last := rounds[capacityRounds-1]
	for i := range rounds {
		for j := range rounds[i] {
			rounds[i][j] ^= last[j]
		}
	}

	m := new(big.Int).Mod(difficulty.HashToBig(prev), big.NewInt(capacityHalves)).Int64()
	index, half := m/2, m%2

	var scope [capacityScope]byte
	copy(scope[:], rounds[index][half*capacityScope:(half+1)*capacityScope])
	return scope
}

// CapacityWork is the blake2b-256 of the block time, the scope and the
// parent hash.
func CapacityWork(blockTime uint32, scope [capacityScope]byte, prev models.Hash) models.Hash {
	buf := make([]byte, 0, 4+capacityScope+models.HashSize)
	buf = binary.LittleEndian.AppendUint32(buf, blockTime)
	buf = append(buf, scope[:]...)
	buf = append(buf, prev[:]...)
	return models.Hash(blake2b.Sum256(buf))
}

func (v *Validator) checkCapacity(b *models.Block, tx *models.Transaction,
	target *big.Int) *Result {

	if tx.Type != models.TxPocReward {
		return invalid(models.ZeroHash, "capacity block without capacity reward")
	}
	if len(tx.Outputs) != 1 || len(tx.Signatures) != 1 {
		return invalid(models.ZeroHash, fmt.Sprintf(
			"capacity reward with %d outputs and %d signatures",
			len(tx.Outputs), len(tx.Signatures)))
	}
	addr := tx.Outputs[0].Address

	scope := CapacityScope(addr, b.Header.Nonce, b.PrevHash())
	work := CapacityWork(b.Time(), scope, b.PrevHash())
	if !belowTarget(work, target) {
		return invalid(work, fmt.Sprintf("capacity work %v above target %064x", work, target))
	}

	sig := tx.Signatures[0]
	signer, err := validation.SignerAddress(sig.PubKey)
	if err != nil || signer != addr {
		return invalid(work, "capacity proof not signed by the plot address")
	}
	check := validation.SigCheck{PubKey: sig.PubKey, Sig: sig.Sig, Hash: b.Hash()}
	if !v.sigs.Verify(check) {
		return invalid(work, "capacity proof signature invalid")
	}
	return &Result{Valid: true, WorkHash: work}
}

// SignCapacity signs the block with the plot key, replacing any signature
// on the capacity reward. The signature does not change the block hash.
func SignCapacity(b *models.Block, key *btcec.PrivateKey) {
	tx := b.Txs[0]
	tx.Signatures = []models.Signature{validation.Sign(b.Hash(), key)}
}
