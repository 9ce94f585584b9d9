package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEncoding is returned when bytes do not decode to exactly
	// one well-formed structure.
	ErrMalformedEncoding = errors.New("malformed encoding")

	// ErrStoreUnavailable wraps I/O failures of the persistent store.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrReorgInvariant signals an internal consistency failure while
	// rolling back or reapplying blocks. Callers must treat it as fatal.
	ErrReorgInvariant = errors.New("reorg invariant violation")
)

// RejectCode identifies the consensus or mempool rule an input violated.
type RejectCode int

const (
	RejectDuplicate RejectCode = iota
	RejectUnknownParent
	RejectBadFlag
	RejectBadBits
	RejectBadTime
	RejectBadMerkle
	RejectBlockSize
	RejectBadProofTx
	RejectBadProof
	RejectBadTxType
	RejectBadInputCount
	RejectMissingInput
	RejectImmature
	RejectAlreadyUsed
	RejectBalance
	RejectBadOutput
	RejectBadSignature
	RejectSignerMismatch
	RejectLowFee
	RejectTxSize
	RejectBadReward
	RejectBadMessage
	RejectHashLock
	RejectBadMint
	RejectBadContract
	RejectBadValidatorEdit
	RejectExpired
	RejectConflict
	RejectKnown
)

var rejectCodeStrings = map[RejectCode]string{
	RejectDuplicate:        "RejectDuplicate",
	RejectUnknownParent:    "RejectUnknownParent",
	RejectBadFlag:          "RejectBadFlag",
	RejectBadBits:          "RejectBadBits",
	RejectBadTime:          "RejectBadTime",
	RejectBadMerkle:        "RejectBadMerkle",
	RejectBlockSize:        "RejectBlockSize",
	RejectBadProofTx:       "RejectBadProofTx",
	RejectBadProof:         "RejectBadProof",
	RejectBadTxType:        "RejectBadTxType",
	RejectBadInputCount:    "RejectBadInputCount",
	RejectMissingInput:     "RejectMissingInput",
	RejectImmature:         "RejectImmature",
	RejectAlreadyUsed:      "RejectAlreadyUsed",
	RejectBalance:          "RejectBalance",
	RejectBadOutput:        "RejectBadOutput",
	RejectBadSignature:     "RejectBadSignature",
	RejectSignerMismatch:   "RejectSignerMismatch",
	RejectLowFee:           "RejectLowFee",
	RejectTxSize:           "RejectTxSize",
	RejectBadReward:        "RejectBadReward",
	RejectBadMessage:       "RejectBadMessage",
	RejectHashLock:         "RejectHashLock",
	RejectBadMint:          "RejectBadMint",
	RejectBadContract:      "RejectBadContract",
	RejectBadValidatorEdit: "RejectBadValidatorEdit",
	RejectExpired:          "RejectExpired",
	RejectConflict:         "RejectConflict",
	RejectKnown:            "RejectKnown",
}

// String returns the RejectCode as a human-readable name.
func (c RejectCode) String() string {
	if s := rejectCodeStrings[c]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown RejectCode (%d)", int(c))
}

// RuleError identifies a rule violation. The input was well formed but is not
// acceptable; it is logged and dropped, never retried.
type RuleError struct {
	Code        RejectCode
	Description string
}

// Error satisfies the error interface and prints human-readable errors.
func (e RuleError) Error() string {
	return e.Description
}

// NewRuleError creates a RuleError given a set of arguments.
func NewRuleError(c RejectCode, format string, args ...interface{}) RuleError {
	return RuleError{Code: c, Description: fmt.Sprintf(format, args...)}
}

// IsRuleError returns the RuleError wrapped in err, if any.
func IsRuleError(err error) (RuleError, bool) {
	var rerr RuleError
	if errors.As(err, &rerr) {
		return rerr, true
	}
	return RuleError{}, false
}

// malformed wraps ErrMalformedEncoding with context.
func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedEncoding, fmt.Sprintf(format, args...))
}
