package models

import "fmt"

// Flag identifies the consensus kind that produced a block.
type Flag uint8

const (
	FlagGenesis Flag = iota
	FlagCoinStake
	FlagCapacityStake
	FlagFundLockStake
	FlagPowSHA256d
	FlagPowScrypt
	FlagPowBlake3
)

var flagNames = map[Flag]string{
	FlagGenesis:       "genesis",
	FlagCoinStake:     "coin_stake",
	FlagCapacityStake: "capacity_stake",
	FlagFundLockStake: "fund_lock_stake",
	FlagPowSHA256d:    "pow_sha256d",
	FlagPowScrypt:     "pow_scrypt",
	FlagPowBlake3:     "pow_blake3",
}

// String returns the config name of the consensus kind.
func (f Flag) String() string {
	if name, ok := flagNames[f]; ok {
		return name
	}
	return fmt.Sprintf("flag(%d)", uint8(f))
}

// ParseFlag resolves a config name to a Flag.
func ParseFlag(name string) (Flag, error) {
	for f, n := range flagNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown consensus kind: %s", name)
}

// IsProofOfWork reports whether blocks of this kind carry a hash-based proof.
func (f Flag) IsProofOfWork() bool {
	switch f {
	case FlagPowSHA256d, FlagPowScrypt, FlagPowBlake3:
		return true
	}
	return false
}

// IsProofOfStake reports whether blocks of this kind stake an existing output.
func (f Flag) IsProofOfStake() bool {
	return f == FlagCoinStake || f == FlagFundLockStake
}

// RewardType returns the proof transaction type a block of this kind must
// carry at index 0.
func (f Flag) RewardType() (TxType, bool) {
	switch {
	case f.IsProofOfWork():
		return TxPowReward, true
	case f.IsProofOfStake():
		return TxPosReward, true
	case f == FlagCapacityStake:
		return TxPocReward, true
	}
	return 0, false
}

// TxType is the closed set of transaction kinds.
type TxType uint32

const (
	TxGenesis TxType = iota
	TxPowReward
	TxPosReward
	TxPocReward
	TxTransfer
	TxMintCoin
	TxValidatorEdit
	TxContractStart
	TxContractFinish
)

var txTypeNames = [...]string{
	TxGenesis:        "genesis",
	TxPowReward:      "pow_reward",
	TxPosReward:      "pos_reward",
	TxPocReward:      "poc_reward",
	TxTransfer:       "transfer",
	TxMintCoin:       "mint_coin",
	TxValidatorEdit:  "validator_edit",
	TxContractStart:  "contract_start",
	TxContractFinish: "contract_finish",
}

// String returns a human readable name of the type.
func (t TxType) String() string {
	if int(t) < len(txTypeNames) {
		return txTypeNames[t]
	}
	return fmt.Sprintf("txtype(%d)", uint32(t))
}

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	return t <= TxContractFinish
}

// IsReward reports whether t claims a block reward.
func (t TxType) IsReward() bool {
	return t == TxPowReward || t == TxPosReward || t == TxPocReward
}

// MessageType describes how the message payload is interpreted.
type MessageType uint8

const (
	MsgNone MessageType = iota
	MsgPlain
	MsgByte
	MsgHashLocked
)

// Valid reports whether m is a known message type.
func (m MessageType) Valid() bool {
	return m <= MsgHashLocked
}
