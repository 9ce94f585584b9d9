package validation

import (
	"math/bits"
	"strings"

	"github.com/thanhnp/ledger-core/internal/models"
)

// checkReward validates a proof transaction. Whether the reward type
// matches the block's consensus kind and whether the proof holds is decided
// by the proof validators.
func (v *Validator) checkReward(tx *models.Transaction, view ChainView,
	ctx TxContext) error {

	if ctx.Mode != ModeConfirmed {
		return ruleError(models.RejectBadTxType,
			"%v transactions are only valid inside blocks", tx.Type)
	}
	if ctx.Index != 0 {
		return ruleError(models.RejectBadProofTx,
			"reward transaction at index %d", ctx.Index)
	}
	if tx.GasPrice != 0 || tx.GasAmount != 0 {
		return ruleError(models.RejectBadReward, "reward transaction pays gas")
	}
	if len(tx.Message) > v.params.MaxRewardMessage {
		return ruleError(models.RejectBadMessage, "reward message of %d bytes exceeds %d",
			len(tx.Message), v.params.MaxRewardMessage)
	}
	if len(tx.Outputs) != 1 || tx.Outputs[0].CoinID != models.BaseCoinID {
		return ruleError(models.RejectBadReward,
			"reward needs exactly one base currency output")
	}
	if tx.Time != ctx.Time ||
		uint64(tx.Deadline) != uint64(tx.Time)+uint64(v.params.RewardWindow) {

		return ruleError(models.RejectBadReward,
			"reward time %d/deadline %d do not match block time %d",
			tx.Time, tx.Deadline, ctx.Time)
	}

	reward := v.params.Reward(ctx.Height)
	bound, carry := bits.Add64(reward, ctx.BlockFees, 0)
	if carry != 0 {
		return ruleError(models.RejectBadReward, "reward bound overflows")
	}

	switch tx.Type {
	case models.TxPosReward:
		if len(tx.Inputs) != 1 {
			return ruleError(models.RejectBadInputCount,
				"stake reward with %d inputs", len(tx.Inputs))
		}
		s, err := v.resolveInputs(tx, view, ctx)
		if err != nil {
			return err
		}
		if _, err := v.checkSigners(tx, s); err != nil {
			return err
		}
		// The staked amount comes back with the reward.
		staked := s.amounts[models.BaseCoinID]
		if bound, carry = bits.Add64(bound, staked, 0); carry != 0 {
			return ruleError(models.RejectBadReward, "reward bound overflows")
		}

	default:
		if len(tx.Inputs) != 0 {
			return ruleError(models.RejectBadInputCount,
				"%v transaction with %d inputs", tx.Type, len(tx.Inputs))
		}
		if tx.Type == models.TxPowReward && len(tx.Signatures) != 0 {
			return ruleError(models.RejectBadSignature,
				"work reward carries %d signatures", len(tx.Signatures))
		}
	}

	if tx.Outputs[0].Amount > bound {
		return ruleError(models.RejectBadReward, "reward %d exceeds %d",
			tx.Outputs[0].Amount, bound)
	}
	return nil
}

// mintDeniedReason prefixes every rejection of an issuance the coin
// settings do not allow.
const mintDeniedReason = "Allowed two coin_ids"

func (v *Validator) checkMint(tx *models.Transaction, view ChainView,
	ctx TxContext) error {

	s, signers, err := v.checkSpend(tx, view, ctx)
	if err != nil {
		return err
	}
	for coin := range s.amounts {
		if coin != models.BaseCoinID {
			return ruleError(models.RejectBadMint,
				"mint input in coin %d, only base currency allowed", coin)
		}
	}

	rec, err := models.ParseMintRecord(tx.Message)
	if err != nil {
		return ruleError(models.RejectBadMint, "%v", err)
	}
	if rec.CoinID == models.BaseCoinID {
		return ruleError(models.RejectBadMint, "cannot mint the base currency")
	}

	out, err := outputSums(tx)
	if err != nil {
		return err
	}
	for coin := range out {
		if coin != models.BaseCoinID && coin != rec.CoinID {
			return ruleError(models.RejectBadMint,
				"%s: outputs in coin %d and %d", mintDeniedReason, rec.CoinID, coin)
		}
	}

	// Base currency pays the fee; the minted coin appears from nothing.
	base, carry := bits.Add64(out[models.BaseCoinID], tx.Fee(), 0)
	if carry != 0 || s.amounts[models.BaseCoinID] < base {
		return ruleError(models.RejectBalance,
			"mint inputs %d do not cover base outputs and fee",
			s.amounts[models.BaseCoinID])
	}
	if out[rec.CoinID] != rec.Amount {
		return ruleError(models.RejectBadMint, "minted %d, declared %d",
			out[rec.CoinID], rec.Amount)
	}

	prevOpt, err := view.LatestCoin(rec.CoinID)
	if err != nil {
		return err
	}
	if prevOpt.IsNone() {
		if rec.Version != 0 {
			return ruleError(models.RejectBadMint,
				"first issuance of coin %d with version %d", rec.CoinID, rec.Version)
		}
		if rec.Amount == 0 {
			return ruleError(models.RejectBadMint, "first issuance of zero amount")
		}
		return nil
	}
	prev := prevOpt.UnwrapOr(nil)
	return checkMintUpdate(prev, rec, signers)
}

// checkMintUpdate validates a later version of a coin against the current
// record.
func checkMintUpdate(prev *models.CoinRecord, rec *models.MintRecord,
	signers map[models.Address]struct{}) error {

	if rec.Version != prev.Version+1 {
		return ruleError(models.RejectBadMint, "coin %d version %d, want %d",
			rec.CoinID, rec.Version, prev.Version+1)
	}
	if rec.Name != prev.Name || rec.Unit != prev.Unit || rec.Digit != prev.Digit {
		return ruleError(models.RejectBadMint,
			"coin %d name, unit and digit are immutable", rec.CoinID)
	}
	if rec.Amount > 0 && !prev.Settings.AdditionalIssue {
		return ruleError(models.RejectBadMint,
			"%s: coin %d does not allow additional issue", mintDeniedReason, rec.CoinID)
	}
	if _, ok := signers[prev.Owner]; !ok {
		return ruleError(models.RejectBadMint, "coin %d update not signed by owner %s",
			rec.CoinID, prev.Owner)
	}

	var denied []string
	if rec.Owner != prev.Owner && !prev.Settings.ChangeAddress {
		denied = append(denied, "owner")
	}
	if rec.Description != prev.Description && !prev.Settings.ChangeDescription {
		denied = append(denied, "description")
	}
	if rec.Image != prev.Image && !prev.Settings.ChangeImage {
		denied = append(denied, "image")
	}
	if len(denied) > 0 {
		return ruleError(models.RejectBadMint, "coin %d does not allow changing %s",
			rec.CoinID, strings.Join(denied, ", "))
	}

	p, n := prev.Settings, rec.Settings
	if (n.AdditionalIssue && !p.AdditionalIssue) || (n.ChangeAddress && !p.ChangeAddress) ||
		(n.ChangeDescription && !p.ChangeDescription) || (n.ChangeImage && !p.ChangeImage) {

		return ruleError(models.RejectBadMint,
			"coin %d settings can only be switched off", rec.CoinID)
	}

	if _, carry := bits.Add64(prev.Supply, rec.Amount, 0); carry != 0 {
		return ruleError(models.RejectBadMint, "coin %d supply overflows", rec.CoinID)
	}
	return nil
}

// ValidatorSignatures returns how many validators of the current set signed
// the edit.
func (v *Validator) ValidatorSignatures(tx *models.Transaction, view ChainView) (int, error) {
	set, err := view.Validators()
	if err != nil {
		return 0, err
	}
	signers, err := v.signers(tx)
	if err != nil {
		return 0, err
	}
	addrs := make([]models.Address, 0, len(signers))
	for a := range signers {
		addrs = append(addrs, a)
	}
	return set.Count(addrs), nil
}

// checkValidatorEdit validates a validator-set edit and returns the number
// of validator signatures it carries. Validators may co-sign, so the signer
// set only has to cover the input owners.
func (v *Validator) checkValidatorEdit(tx *models.Transaction, view ChainView,
	ctx TxContext) (int, error) {

	if err := checkWindow(tx, ctx); err != nil {
		return 0, err
	}
	if len(tx.Inputs) == 0 {
		return 0, ruleError(models.RejectBadInputCount, "validator edit without inputs")
	}
	s, err := v.resolveInputs(tx, view, ctx)
	if err != nil {
		return 0, err
	}
	signers, err := v.signers(tx)
	if err != nil {
		return 0, err
	}
	for owner := range s.owners {
		if _, ok := signers[owner]; !ok {
			return 0, ruleError(models.RejectSignerMismatch,
				"input owner %s did not sign", owner)
		}
	}
	if err := v.checkFee(tx, ctx); err != nil {
		return 0, err
	}
	if err := checkBalance(s.amounts, tx); err != nil {
		return 0, err
	}

	edit, err := models.ParseValidatorEdit(tx.Message)
	if err != nil {
		return 0, ruleError(models.RejectBadValidatorEdit, "%v", err)
	}
	set, err := view.Validators()
	if err != nil {
		return 0, err
	}
	if len(set.Validators) == 0 {
		return 0, ruleError(models.RejectBadValidatorEdit, "chain has no validator set")
	}
	if _, err := set.Apply(edit); err != nil {
		return 0, ruleError(models.RejectBadValidatorEdit, "%v", err)
	}

	addrs := make([]models.Address, 0, len(signers))
	for a := range signers {
		addrs = append(addrs, a)
	}
	count := set.Count(addrs)

	need := 1
	if ctx.Mode == ModeConfirmed {
		need = set.Require
	}
	if count < need {
		return count, ruleError(models.RejectBadValidatorEdit,
			"%d validator signatures, need %d", count, need)
	}
	return count, nil
}

func (v *Validator) checkContractStart(tx *models.Transaction, view ChainView,
	ctx TxContext) error {

	s, _, err := v.checkSpend(tx, view, ctx)
	if err != nil {
		return err
	}
	if err := checkBalance(s.amounts, tx); err != nil {
		return err
	}
	call, err := models.ParseContractStart(tx.Message)
	if err != nil {
		return ruleError(models.RejectBadContract, "%v", err)
	}

	// Outside blocks nothing pairs the start with a finish, so the call is
	// emulated right away to reject calls that cannot run.
	if ctx.Mode == ModeUnconfirmed {
		if _, err := v.emulator.Emulate(tx, call); err != nil {
			return ruleError(models.RejectBadContract, "emulation: %v", err)
		}
	}
	return nil
}

func (v *Validator) checkContractFinish(tx *models.Transaction, view ChainView,
	ctx TxContext) error {

	if ctx.Mode != ModeConfirmed {
		return ruleError(models.RejectBadContract,
			"contract finish transactions are only valid inside blocks")
	}
	if err := checkWindow(tx, ctx); err != nil {
		return err
	}
	if tx.GasPrice != 0 || tx.GasAmount != 0 {
		return ruleError(models.RejectBadContract, "contract finish pays gas")
	}
	if len(tx.Signatures) != 0 {
		return ruleError(models.RejectBadContract, "contract finish carries signatures")
	}
	finish, err := models.ParseContractFinish(tx.Message)
	if err != nil {
		return ruleError(models.RejectBadContract, "%v", err)
	}
	start := ctx.start
	if start == nil || start.Hash() != finish.StartHash {
		return ruleError(models.RejectBadContract,
			"finish references start %v not earlier in the block", finish.StartHash)
	}
	call, err := models.ParseContractStart(start.Message)
	if err != nil {
		return ruleError(models.RejectBadContract, "%v", err)
	}

	s, err := v.resolveInputs(tx, view, ctx)
	if err != nil {
		return err
	}
	for owner := range s.owners {
		if owner != call.Contract {
			return ruleError(models.RejectBadContract,
				"finish spends output of %s, not contract %s", owner, call.Contract)
		}
	}
	if err := checkBalance(s.amounts, tx); err != nil {
		return err
	}

	outcome, err := v.emulator.Emulate(start, call)
	if err != nil {
		return ruleError(models.RejectBadContract, "emulation: %v", err)
	}
	if err := outcome.Matches(finish, tx.Outputs); err != nil {
		return ruleError(models.RejectBadContract, "%v", err)
	}
	return nil
}
