package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// MintSettings lists which properties of a coin may change in later
// versions. Settings can only ever be switched off.
type MintSettings struct {
	AdditionalIssue   bool `json:"additional_issue"`
	ChangeAddress     bool `json:"change_address"`
	ChangeDescription bool `json:"change_description"`
	ChangeImage       bool `json:"change_image"`
}

// MintRecord is the metadata carried by a mint-coin transaction message.
type MintRecord struct {
	CoinID      uint32       `json:"coin_id"`
	Version     uint32       `json:"version"`
	Name        string       `json:"name"`
	Unit        string       `json:"unit"`
	Digit       uint8        `json:"digit"`
	Description string       `json:"description"`
	Image       string       `json:"image"`
	Owner       Address      `json:"owner"`
	Amount      uint64       `json:"amount"`
	Settings    MintSettings `json:"settings"`
}

// ParseMintRecord decodes a mint-coin message.
func ParseMintRecord(msg []byte) (*MintRecord, error) {
	var rec MintRecord
	if err := json.Unmarshal(msg, &rec); err != nil {
		return nil, fmt.Errorf("decode mint record: %w", err)
	}
	if err := rec.Owner.Validate(); err != nil {
		return nil, fmt.Errorf("mint owner: %w", err)
	}
	return &rec, nil
}

// Encode returns the message form of the record.
func (r *MintRecord) Encode() []byte {
	b, _ := json.Marshal(r)
	return b
}

// CoinRecord is the confirmed state of a coin: its latest metadata version
// and the total issued supply.
type CoinRecord struct {
	MintRecord
	Supply uint64 `json:"supply"`
	TxHash Hash   `json:"tx_hash"`
	Height uint32 `json:"height"`
}

// ValidatorEdit is the message of a validator-set edit transaction.
type ValidatorEdit struct {
	Version uint32  `json:"version"`
	Address Address `json:"address"`
	Add     bool    `json:"add"`
	Require int     `json:"require"`
}

// ParseValidatorEdit decodes a validator-edit message.
func ParseValidatorEdit(msg []byte) (*ValidatorEdit, error) {
	var e ValidatorEdit
	if err := json.Unmarshal(msg, &e); err != nil {
		return nil, fmt.Errorf("decode validator edit: %w", err)
	}
	if err := e.Address.Validate(); err != nil {
		return nil, fmt.Errorf("validator address: %w", err)
	}
	return &e, nil
}

// Encode returns the message form of the edit.
func (e *ValidatorEdit) Encode() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ValidatorSet is the set of addresses whose signatures authorize the next
// validator edit.
type ValidatorSet struct {
	Version    uint32    `json:"version"`
	Validators []Address `json:"validators"`
	Require    int       `json:"require"`
}

// Contains reports whether addr is a validator.
func (s *ValidatorSet) Contains(addr Address) bool {
	i := sort.Search(len(s.Validators), func(i int) bool {
		return s.Validators[i] >= addr
	})
	return i < len(s.Validators) && s.Validators[i] == addr
}

// Count returns how many distinct addresses of signers are validators.
func (s *ValidatorSet) Count(signers []Address) int {
	seen := make(map[Address]struct{}, len(signers))
	n := 0
	for _, a := range signers {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		if s.Contains(a) {
			n++
		}
	}
	return n
}

// Apply returns the set after edit, leaving s untouched.
func (s *ValidatorSet) Apply(edit *ValidatorEdit) (*ValidatorSet, error) {
	if edit.Version != s.Version+1 {
		return nil, fmt.Errorf("edit version %d, want %d", edit.Version, s.Version+1)
	}
	next := &ValidatorSet{Version: edit.Version, Require: edit.Require}
	switch {
	case edit.Add && s.Contains(edit.Address):
		return nil, fmt.Errorf("%s is already a validator", edit.Address)
	case edit.Add:
		next.Validators = append(append(next.Validators, s.Validators...), edit.Address)
	case !s.Contains(edit.Address):
		return nil, fmt.Errorf("%s is not a validator", edit.Address)
	default:
		for _, v := range s.Validators {
			if v != edit.Address {
				next.Validators = append(next.Validators, v)
			}
		}
	}
	sort.Slice(next.Validators, func(i, j int) bool {
		return next.Validators[i] < next.Validators[j]
	})
	if next.Require < 1 || next.Require > len(next.Validators) {
		return nil, fmt.Errorf("require %d out of range for %d validators",
			next.Require, len(next.Validators))
	}
	return next, nil
}

// NewValidatorSet builds the version 0 set.
func NewValidatorSet(validators []Address, require int) *ValidatorSet {
	vs := &ValidatorSet{Validators: append([]Address(nil), validators...), Require: require}
	sort.Slice(vs.Validators, func(i, j int) bool {
		return vs.Validators[i] < vs.Validators[j]
	})
	return vs
}

// ContractStatus is the outcome of a contract execution.
type ContractStatus uint8

const (
	ContractFailed ContractStatus = iota
	ContractSucceeded
)

// ContractStart is the decoded message of a contract-start transaction.
type ContractStart struct {
	Contract Address
	Payload  []byte
}

// ParseContractStart splits a start message into contract address and
// payload.
func ParseContractStart(msg []byte) (*ContractStart, error) {
	if len(msg) < AddressLen {
		return nil, errors.New("contract start message too short")
	}
	addr := Address(msg[:AddressLen])
	if err := addr.Validate(); err != nil {
		return nil, fmt.Errorf("contract address: %w", err)
	}
	return &ContractStart{
		Contract: addr,
		Payload:  append([]byte(nil), msg[AddressLen:]...),
	}, nil
}

// Encode returns the message form of the start.
func (c *ContractStart) Encode() []byte {
	return append([]byte(c.Contract), c.Payload...)
}

// ContractFinish is the decoded message of a contract-finish transaction.
type ContractFinish struct {
	StartHash Hash
	Status    ContractStatus
	Diff      []byte
}

// ParseContractFinish decodes a finish message.
func ParseContractFinish(msg []byte) (*ContractFinish, error) {
	if len(msg) < HashSize+1 {
		return nil, errors.New("contract finish message too short")
	}
	f := &ContractFinish{
		Status: ContractStatus(msg[HashSize]),
		Diff:   append([]byte(nil), msg[HashSize+1:]...),
	}
	copy(f.StartHash[:], msg[:HashSize])
	if f.Status > ContractSucceeded {
		return nil, fmt.Errorf("unknown contract status %d", f.Status)
	}
	return f, nil
}

// Encode returns the message form of the finish.
func (c *ContractFinish) Encode() []byte {
	b := make([]byte, 0, HashSize+1+len(c.Diff))
	b = append(b, c.StartHash[:]...)
	b = append(b, byte(c.Status))
	return append(b, c.Diff...)
}
