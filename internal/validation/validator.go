package validation

import (
	"bytes"
	"math/bits"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/thanhnp/ledger-core/internal/contract"
	"github.com/thanhnp/ledger-core/internal/models"
	"golang.org/x/crypto/ripemd160"
)

// Mode selects between the rules for transactions inside blocks and for
// transactions submitted to the mempool.
type Mode uint8

const (
	// ModeUnconfirmed validates a transaction for the mempool.
	ModeUnconfirmed Mode = iota

	// ModeConfirmed validates a transaction inside a block.
	ModeConfirmed
)

// TxContext describes where a transaction is being validated.
type TxContext struct {
	Mode Mode

	// Height is the height the transaction would be confirmed at.
	Height uint32

	// Time is the block time, or the current time for unconfirmed
	// transactions.
	Time uint32

	// Index is the position inside the block.
	Index int

	// BlockFees is the sum of base-currency fees of the block, bounding
	// the reward.
	BlockFees uint64

	// start is the contract start a finish transaction settles.
	start *models.Transaction
}

// Config holds the collaborators of a Validator.
type Config struct {
	Params   *models.Params
	Sigs     *SigVerifier
	Emulator contract.Emulator
}

// Validator applies the transaction rule set. It holds no chain state and is
// safe for concurrent use.
type Validator struct {
	params   *models.Params
	sigs     *SigVerifier
	emulator contract.Emulator
}

// New creates a validator.
func New(cfg Config) *Validator {
	emulator := cfg.Emulator
	if emulator == nil {
		emulator = contract.Passthrough{}
	}
	sigs := cfg.Sigs
	if sigs == nil {
		sigs = NewSigVerifier(0, 0, 0)
	}
	return &Validator{
		params:   cfg.Params,
		sigs:     sigs,
		emulator: emulator,
	}
}

// Sigs returns the signature verifier shared with the proof validators.
func (v *Validator) Sigs() *SigVerifier {
	return v.sigs
}

func ruleError(c models.RejectCode, format string, args ...interface{}) error {
	return models.NewRuleError(c, format, args...)
}

// CheckTransaction validates tx against view. It reports the first rule the
// transaction violates as a models.RuleError; any other error comes from
// the view.
func (v *Validator) CheckTransaction(tx *models.Transaction, view ChainView,
	ctx TxContext) error {

	if err := v.checkSanity(tx, view); err != nil {
		return err
	}

	switch tx.Type {
	case models.TxPowReward, models.TxPosReward, models.TxPocReward:
		return v.checkReward(tx, view, ctx)

	case models.TxTransfer:
		return v.checkTransfer(tx, view, ctx)

	case models.TxMintCoin:
		return v.checkMint(tx, view, ctx)

	case models.TxValidatorEdit:
		_, err := v.checkValidatorEdit(tx, view, ctx)
		return err

	case models.TxContractStart:
		return v.checkContractStart(tx, view, ctx)

	case models.TxContractFinish:
		return v.checkContractFinish(tx, view, ctx)

	case models.TxGenesis:
		return ruleError(models.RejectBadTxType,
			"genesis transaction outside the genesis block")
	}
	return ruleError(models.RejectBadTxType, "unknown transaction type %d", tx.Type)
}

// checkSanity runs the checks that need no input resolution.
func (v *Validator) checkSanity(tx *models.Transaction, view ChainView) error {
	if !tx.MessageType.Valid() {
		return ruleError(models.RejectBadMessage, "unknown message type %d",
			tx.MessageType)
	}
	if tx.Size() > v.params.MaxTxSize {
		return ruleError(models.RejectTxSize, "transaction size %d exceeds %d",
			tx.Size(), v.params.MaxTxSize)
	}
	if tx.GasAmount < 0 {
		return ruleError(models.RejectLowFee, "negative gas amount %d", tx.GasAmount)
	}
	for i, out := range tx.Outputs {
		if out.Amount == 0 {
			return ruleError(models.RejectBadOutput, "output %d has zero amount", i)
		}
	}
	if tx.MessageType == models.MsgHashLocked {
		if err := checkHashLock(tx); err != nil {
			return err
		}
	}

	known, err := view.LookupTx(tx.Hash())
	if err != nil {
		return err
	}
	if known.IsSome() {
		return ruleError(models.RejectKnown, "transaction %v already known", tx.Hash())
	}
	return nil
}

// checkHashLock verifies that R is a preimage of the message.
func checkHashLock(tx *models.Transaction) error {
	var digest []byte
	switch len(tx.Message) {
	case ripemd160.Size:
		h := ripemd160.New()
		h.Write(tx.R)
		digest = h.Sum(nil)
	case chainhash.HashSize:
		digest = chainhash.HashB(tx.R)
	default:
		return ruleError(models.RejectHashLock, "hash lock of %d bytes",
			len(tx.Message))
	}
	if !bytes.Equal(digest, tx.Message) {
		return ruleError(models.RejectHashLock, "R does not unlock the message")
	}
	return nil
}

// checkWindow requires the validation time to lie in [time, deadline].
func checkWindow(tx *models.Transaction, ctx TxContext) error {
	if ctx.Time < tx.Time || ctx.Time > tx.Deadline {
		return ruleError(models.RejectExpired, "time %d outside window [%d, %d]",
			ctx.Time, tx.Time, tx.Deadline)
	}
	return nil
}

// checkFee requires gas_amount to cover the size plus the signature
// surcharge. Mempool admission also enforces the minimum gas price.
func (v *Validator) checkFee(tx *models.Transaction, ctx TxContext) error {
	need := int64(tx.Size()) + v.params.SignatureGas*int64(len(tx.Signatures))
	if tx.GasAmount < need {
		return ruleError(models.RejectLowFee, "gas amount %d below required %d",
			tx.GasAmount, need)
	}
	if ctx.Mode == ModeUnconfirmed && tx.GasPrice < v.params.MinGasPrice {
		return ruleError(models.RejectLowFee, "gas price %d below minimum %d",
			tx.GasPrice, v.params.MinGasPrice)
	}
	if hi, _ := bits.Mul64(tx.GasPrice, uint64(tx.GasAmount)); hi != 0 {
		return ruleError(models.RejectLowFee, "fee overflows")
	}
	return nil
}

// spent is the resolved view of a transaction's inputs.
type spent struct {
	amounts map[uint32]uint64
	owners  map[models.Address]struct{}
}

// resolveInputs checks that every input exists, is mature and unspent, and
// sums the amounts per coin.
func (v *Validator) resolveInputs(tx *models.Transaction, view ChainView,
	ctx TxContext) (*spent, error) {

	s := &spent{
		amounts: make(map[uint32]uint64),
		owners:  make(map[models.Address]struct{}),
	}
	seen := make(map[models.Outpoint]struct{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		op := in.Outpoint()
		if _, dup := seen[op]; dup {
			return nil, ruleError(models.RejectAlreadyUsed,
				"input %d spends %v:%d twice", i, op.Hash, op.Index)
		}
		seen[op] = struct{}{}

		res, err := view.LookupTx(op.Hash)
		if err != nil {
			return nil, err
		}
		origin, err := res.UnwrapOrErr(ruleError(models.RejectMissingInput,
			"input %d references unknown transaction %v", i, op.Hash))
		if err != nil {
			return nil, err
		}
		if int(op.Index) >= len(origin.Outputs) {
			return nil, ruleError(models.RejectMissingInput,
				"input %d references missing output %v:%d", i, op.Hash, op.Index)
		}

		if origin.Type.IsReward() {
			if h, ok := confirmedAt(origin); !ok ||
				uint64(h)+uint64(v.params.MatureHeight) >= uint64(ctx.Height) {

				return nil, ruleError(models.RejectImmature,
					"input %d spends immature reward %v", i, op.Hash)
			}
		}

		used, err := view.IsOutputUsed(op)
		if err != nil {
			return nil, err
		}
		if used {
			return nil, ruleError(models.RejectAlreadyUsed,
				"output %v:%d already used", op.Hash, op.Index)
		}

		out := origin.Outputs[op.Index]
		if err := addAmount(s.amounts, out.CoinID, out.Amount); err != nil {
			return nil, err
		}
		s.owners[out.Address] = struct{}{}
	}
	return s, nil
}

func confirmedAt(tx *models.Transaction) (uint32, bool) {
	h := tx.Height.UnwrapOr(0)
	return h, tx.Height.IsSome()
}

func addAmount(sums map[uint32]uint64, coin uint32, amount uint64) error {
	sum, carry := bits.Add64(sums[coin], amount, 0)
	if carry != 0 {
		return ruleError(models.RejectBalance, "amount overflow in coin %d", coin)
	}
	sums[coin] = sum
	return nil
}

// outputSums sums the outputs per coin.
func outputSums(tx *models.Transaction) (map[uint32]uint64, error) {
	sums := make(map[uint32]uint64)
	for _, out := range tx.Outputs {
		if err := addAmount(sums, out.CoinID, out.Amount); err != nil {
			return nil, err
		}
	}
	return sums, nil
}

// checkBalance requires inputs to cover outputs plus the fee in every coin.
func checkBalance(in map[uint32]uint64, tx *models.Transaction) error {
	out, err := outputSums(tx)
	if err != nil {
		return err
	}
	fee := tx.Fee()
	if fee > 0 {
		if err := addAmount(out, tx.FeeCoinID(), fee); err != nil {
			return err
		}
	}
	for coin, need := range out {
		if in[coin] < need {
			return ruleError(models.RejectBalance,
				"coin %d: inputs %d do not cover outputs and fee %d",
				coin, in[coin], need)
		}
	}
	return nil
}

// signers verifies every signature over the transaction hash and returns
// the signing addresses.
func (v *Validator) signers(tx *models.Transaction) (map[models.Address]struct{}, error) {
	out := make(map[models.Address]struct{}, len(tx.Signatures))
	for i, s := range tx.Signatures {
		ok := v.sigs.Verify(SigCheck{PubKey: s.PubKey, Sig: s.Sig, Hash: tx.Hash()})
		if !ok {
			return nil, ruleError(models.RejectBadSignature, "signature %d invalid", i)
		}
		addr, err := SignerAddress(s.PubKey)
		if err != nil {
			return nil, ruleError(models.RejectBadSignature, "signature %d: %v", i, err)
		}
		out[addr] = struct{}{}
	}
	return out, nil
}

// checkSigners requires the signer set to equal the input owner set.
func (v *Validator) checkSigners(tx *models.Transaction, s *spent) (map[models.Address]struct{}, error) {
	signers, err := v.signers(tx)
	if err != nil {
		return nil, err
	}
	if len(signers) != len(s.owners) {
		return nil, ruleError(models.RejectSignerMismatch,
			"%d signers for %d input owners", len(signers), len(s.owners))
	}
	for owner := range s.owners {
		if _, ok := signers[owner]; !ok {
			return nil, ruleError(models.RejectSignerMismatch,
				"input owner %s did not sign", owner)
		}
	}
	return signers, nil
}

// checkSpend runs the generic rules shared by every fee paying type.
func (v *Validator) checkSpend(tx *models.Transaction, view ChainView,
	ctx TxContext) (*spent, map[models.Address]struct{}, error) {

	if err := checkWindow(tx, ctx); err != nil {
		return nil, nil, err
	}
	if len(tx.Inputs) == 0 {
		return nil, nil, ruleError(models.RejectBadInputCount,
			"%v transaction without inputs", tx.Type)
	}
	s, err := v.resolveInputs(tx, view, ctx)
	if err != nil {
		return nil, nil, err
	}
	signers, err := v.checkSigners(tx, s)
	if err != nil {
		return nil, nil, err
	}
	if err := v.checkFee(tx, ctx); err != nil {
		return nil, nil, err
	}
	return s, signers, nil
}

func (v *Validator) checkTransfer(tx *models.Transaction, view ChainView,
	ctx TxContext) error {

	if len(tx.Outputs) == 0 {
		return ruleError(models.RejectBadOutput, "transfer without outputs")
	}
	s, _, err := v.checkSpend(tx, view, ctx)
	if err != nil {
		return err
	}
	return checkBalance(s.amounts, tx)
}
