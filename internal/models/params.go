package models

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Params holds every consensus constant. It is built once from config and
// shared read-only by all components.
type Params struct {
	// BlockSpan is the average number of seconds between two blocks of any
	// kind.
	BlockSpan uint32

	// Shares maps each enabled consensus kind to its percentage of blocks.
	Shares map[Flag]uint32

	// BaseBiasKind is the kind whose bias is fixed at 1.0.
	BaseBiasKind Flag

	// PowLimitBits is the compact maximum target per kind.
	PowLimitBits map[Flag]uint32

	// ReferenceBits is the compact target of difficulty 1.
	ReferenceBits uint32

	MatureHeight         uint32
	FundLockMatureHeight uint32

	// RewardWindow is deadline - time for every reward transaction.
	RewardWindow     uint32
	MaxRewardMessage int

	MaxTxSize    int
	MaxBlockSize int

	SignatureGas int64
	MinGasPrice  uint64

	// TotalSupply is the asymptotic issuance in whole coins.
	TotalSupply uint64
	GompertzB   float64
	GompertzC   float64

	WindowSize int
	FlushBatch int

	MinBias  float64
	MaxBias  float64
	BiasStep float64

	DifficultyLookback int
	MaxFutureDrift     time.Duration

	GenesisTime        uint32
	GenesisAllocations []TxOutput
	Validators         []Address
	ValidatorRequire   int
}

// DefaultParams returns the parameters of a hybrid sha256d / coin-stake chain.
func DefaultParams() *Params {
	return &Params{
		BlockSpan: 60,
		Shares: map[Flag]uint32{
			FlagPowSHA256d: 50,
			FlagCoinStake:  50,
		},
		BaseBiasKind: FlagCoinStake,
		PowLimitBits: map[Flag]uint32{
			FlagCoinStake:     0x207fffff,
			FlagCapacityStake: 0x207fffff,
			FlagFundLockStake: 0x207fffff,
			FlagPowSHA256d:    0x207fffff,
			FlagPowScrypt:     0x207fffff,
			FlagPowBlake3:     0x207fffff,
		},
		ReferenceBits:        0x207fffff,
		MatureHeight:         20,
		FundLockMatureHeight: 2000,
		RewardWindow:         10800,
		MaxRewardMessage:     96,
		MaxTxSize:            65536,
		MaxBlockSize:         1 << 20,
		SignatureGas:         100,
		MinGasPrice:          100,
		TotalSupply:          1_000_000_000,
		GompertzB:            0.4,
		GompertzC:            3.6,
		WindowSize:           200,
		FlushBatch:           20,
		MinBias:              0.5,
		MaxBias:              2.0,
		BiasStep:             0.01,
		DifficultyLookback:   4096,
		MaxFutureDrift:       2 * time.Hour,
		GenesisTime:          1700000000,
		ValidatorRequire:     1,
	}
}

// Validate checks internal consistency of the parameters.
func (p *Params) Validate() error {
	if p.BlockSpan == 0 {
		return errors.New("block span must be positive")
	}
	if len(p.Shares) == 0 {
		return errors.New("at least one consensus kind must be enabled")
	}
	var total uint32
	for kind, share := range p.Shares {
		if kind == FlagGenesis {
			return errors.New("genesis is not a consensus kind")
		}
		if share == 0 {
			return fmt.Errorf("share of %v must be positive", kind)
		}
		if _, ok := p.PowLimitBits[kind]; !ok {
			return fmt.Errorf("missing pow limit for %v", kind)
		}
		total += share
	}
	if total != 100 {
		return fmt.Errorf("consensus shares sum to %d, want 100", total)
	}
	if p.WindowSize < 1 || p.FlushBatch < 1 {
		return errors.New("window size and flush batch must be positive")
	}
	if p.MinBias <= 0 || p.MinBias > 1 || p.MaxBias < 1 {
		return fmt.Errorf("bias bounds [%v, %v] must contain 1", p.MinBias, p.MaxBias)
	}
	if p.BiasStep <= 0 {
		return errors.New("bias step must be positive")
	}
	if p.DifficultyLookback < 2 {
		return errors.New("difficulty lookback must be at least 2")
	}
	if p.GompertzB <= 0 || p.GompertzB >= 1 || p.GompertzC <= 0 {
		return fmt.Errorf("invalid gompertz constants b=%v c=%v", p.GompertzB, p.GompertzC)
	}
	for i, out := range p.GenesisAllocations {
		if err := out.Address.Validate(); err != nil {
			return fmt.Errorf("genesis allocation %d: %w", i, err)
		}
	}
	for _, v := range p.Validators {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("validator: %w", err)
		}
	}
	if len(p.Validators) > 0 && (p.ValidatorRequire < 1 || p.ValidatorRequire > len(p.Validators)) {
		return fmt.Errorf("validator require %d out of range", p.ValidatorRequire)
	}
	return nil
}

// Kinds returns the enabled consensus kinds in ascending order.
func (p *Params) Kinds() []Flag {
	kinds := make([]Flag, 0, len(p.Shares))
	for k := range p.Shares {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Enabled reports whether blocks of kind are accepted.
func (p *Params) Enabled(kind Flag) bool {
	_, ok := p.Shares[kind]
	return ok
}

// TargetSolveTime is the average spacing in seconds between two blocks of the
// same kind.
func (p *Params) TargetSolveTime(kind Flag) float64 {
	share := p.Shares[kind]
	if share == 0 {
		return 0
	}
	return float64(p.BlockSpan) * 100 / float64(share)
}

// PowLimit returns the maximum target of kind.
func (p *Params) PowLimit(kind Flag) *big.Int {
	return blockchain.CompactToBig(p.PowLimitBits[kind])
}

// ReferenceTarget returns the target of difficulty 1.
func (p *Params) ReferenceTarget() *big.Int {
	return blockchain.CompactToBig(p.ReferenceBits)
}

// BlocksPerYear is the Gompertz time unit.
func (p *Params) BlocksPerYear() float64 {
	return 365 * 24 * 3600 / float64(p.BlockSpan)
}

// MatureHeightFor returns the confirmations a staked output of kind needs.
func (p *Params) MatureHeightFor(kind Flag) uint32 {
	if kind == FlagFundLockStake {
		return p.FundLockMatureHeight
	}
	return p.MatureHeight
}

// GenesisBlock builds the block at height 0: one genesis transaction paying
// the configured allocations.
func (p *Params) GenesisBlock() *Block {
	tx := &Transaction{
		Type:     TxGenesis,
		Time:     p.GenesisTime,
		Deadline: p.GenesisTime,
		Outputs:  append([]TxOutput(nil), p.GenesisAllocations...),
	}
	tx.UpdateHash()

	b := NewBlock(1, ZeroHash, p.GenesisTime, p.ReferenceBits, 0, FlagGenesis,
		[]*Transaction{tx})
	b.Height = fn.Some(uint32(0))
	return b
}

// GenesisValidators returns the version 0 validator set.
func (p *Params) GenesisValidators() *ValidatorSet {
	return NewValidatorSet(p.Validators, p.ValidatorRequire)
}
