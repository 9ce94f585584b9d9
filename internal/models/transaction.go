package models

import (
	"encoding/binary"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// TxHeaderSize is the fixed size of the transaction header record.
	TxHeaderSize = 4 + 4 + 4 + 4 + 8 + 8 + 1 + 1 + 1 + 4

	// TxInputSize is the encoded size of one input.
	TxInputSize = HashSize + 1

	// TxOutputSize is the encoded size of one output.
	TxOutputSize = AddressLen + 4 + 8

	// MaxTxInOut bounds both the input and the output count.
	MaxTxInOut = 255

	// BaseCoinID is the coin id of the base currency.
	BaseCoinID uint32 = 0

	// CoinUnit is the number of base units in one coin.
	CoinUnit uint64 = 100_000_000
)

// TxInput references output Index of transaction PrevHash.
type TxInput struct {
	PrevHash Hash
	Index    uint8
}

// Outpoint names output Index of transaction Hash.
type Outpoint struct {
	Hash  Hash
	Index uint8
}

// Outpoint returns the output the input spends.
func (in TxInput) Outpoint() Outpoint {
	return Outpoint{Hash: in.PrevHash, Index: in.Index}
}

// TxOutput assigns Amount units of coin CoinID to Address.
type TxOutput struct {
	Address Address `json:"address"`
	CoinID  uint32  `json:"coin_id"`
	Amount  uint64  `json:"amount"`
}

// Signature is one (public key, DER signature) pair over the tx hash.
type Signature struct {
	PubKey []byte
	Sig    []byte
}

// Transaction is the unit of state change. Signatures and R authenticate the
// hash and are therefore not covered by it.
type Transaction struct {
	Version     uint32
	Type        TxType
	Time        uint32
	Deadline    uint32
	GasPrice    uint64
	GasAmount   int64
	MessageType MessageType
	Inputs      []TxInput
	Outputs     []TxOutput
	Message     []byte

	Signatures []Signature
	R          []byte

	// Height is None while the transaction is unconfirmed.
	Height fn.Option[uint32]

	hash Hash
}

// Hash returns the cached transaction hash. UpdateHash must be called after
// mutating any hashed field.
func (tx *Transaction) Hash() Hash {
	return tx.hash
}

// UpdateHash recomputes the hash over the hashed fields.
func (tx *Transaction) UpdateHash() {
	tx.hash = DoubleHash(tx.CoreBytes())
}

// Size returns the length of the hashed encoding, the basis of fee checks.
func (tx *Transaction) Size() int {
	return TxHeaderSize + len(tx.Inputs)*TxInputSize +
		len(tx.Outputs)*TxOutputSize + len(tx.Message)
}

// EnvelopeSize returns the length of the transport encoding.
func (tx *Transaction) EnvelopeSize() int {
	n := tx.Size() + 1 + 2 + len(tx.R)
	for _, s := range tx.Signatures {
		n += 2 + len(s.PubKey) + len(s.Sig)
	}
	return n
}

// Fee returns gas_price * gas_amount. Negative gas amounts yield zero and are
// rejected by the validator.
func (tx *Transaction) Fee() uint64 {
	if tx.GasAmount <= 0 {
		return 0
	}
	return tx.GasPrice * uint64(tx.GasAmount)
}

// FeeCoinID returns the coin the fee is paid in. Transfers pay in the coin of
// their first output, everything else in the base currency.
func (tx *Transaction) FeeCoinID() uint32 {
	if tx.Type == TxTransfer && len(tx.Outputs) > 0 {
		return tx.Outputs[0].CoinID
	}
	return BaseCoinID
}

// Clone returns a deep copy that carries the same hash.
func (tx *Transaction) Clone() *Transaction {
	c := *tx
	c.Inputs = append([]TxInput(nil), tx.Inputs...)
	c.Outputs = append([]TxOutput(nil), tx.Outputs...)
	c.Message = append([]byte(nil), tx.Message...)
	c.R = append([]byte(nil), tx.R...)
	c.Signatures = make([]Signature, len(tx.Signatures))
	for i, s := range tx.Signatures {
		c.Signatures[i] = Signature{
			PubKey: append([]byte(nil), s.PubKey...),
			Sig:    append([]byte(nil), s.Sig...),
		}
	}
	return &c
}

// CheckEncodable verifies the structural limits imposed by the wire format.
func (tx *Transaction) CheckEncodable() error {
	if len(tx.Inputs) > MaxTxInOut || len(tx.Outputs) > MaxTxInOut {
		return fmt.Errorf("too many inputs/outputs: %d/%d",
			len(tx.Inputs), len(tx.Outputs))
	}
	for i, out := range tx.Outputs {
		if err := out.Address.Validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	if len(tx.Signatures) > 255 {
		return fmt.Errorf("too many signatures: %d", len(tx.Signatures))
	}
	for i, s := range tx.Signatures {
		if len(s.PubKey) > 255 || len(s.Sig) > 255 {
			return fmt.Errorf("signature %d too long", i)
		}
	}
	if len(tx.R) > 0xffff {
		return fmt.Errorf("R too long: %d", len(tx.R))
	}
	return nil
}

// CoreBytes returns the hashed encoding: header, inputs, outputs, message.
func (tx *Transaction) CoreBytes() []byte {
	b := make([]byte, 0, tx.Size())
	b = binary.LittleEndian.AppendUint32(b, tx.Version)
	b = binary.LittleEndian.AppendUint32(b, uint32(tx.Type))
	b = binary.LittleEndian.AppendUint32(b, tx.Time)
	b = binary.LittleEndian.AppendUint32(b, tx.Deadline)
	b = binary.LittleEndian.AppendUint64(b, tx.GasPrice)
	b = binary.LittleEndian.AppendUint64(b, uint64(tx.GasAmount))
	b = append(b, byte(tx.MessageType), byte(len(tx.Inputs)), byte(len(tx.Outputs)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(tx.Message)))
	for _, in := range tx.Inputs {
		b = append(b, in.PrevHash[:]...)
		b = append(b, in.Index)
	}
	for _, out := range tx.Outputs {
		b = append(b, out.Address...)
		b = binary.LittleEndian.AppendUint32(b, out.CoinID)
		b = binary.LittleEndian.AppendUint64(b, out.Amount)
	}
	return append(b, tx.Message...)
}

// WitnessBytes returns the signature set and hash-lock preimage encoding.
func (tx *Transaction) WitnessBytes() []byte {
	b := []byte{byte(len(tx.Signatures))}
	for _, s := range tx.Signatures {
		b = append(b, byte(len(s.PubKey)))
		b = append(b, s.PubKey...)
		b = append(b, byte(len(s.Sig)))
		b = append(b, s.Sig...)
	}
	b = binary.LittleEndian.AppendUint16(b, uint16(len(tx.R)))
	return append(b, tx.R...)
}

// Serialize returns the transport envelope: core followed by witness.
func (tx *Transaction) Serialize() ([]byte, error) {
	if err := tx.CheckEncodable(); err != nil {
		return nil, err
	}
	return append(tx.CoreBytes(), tx.WitnessBytes()...), nil
}

// DeserializeTransaction decodes a transport envelope, consuming b exactly.
func DeserializeTransaction(b []byte) (*Transaction, error) {
	r := newReader(b)
	tx := decodeCore(r)
	if r.err != nil {
		return nil, r.err
	}
	coreLen := r.off

	sigCount := int(r.u8("signature count"))
	for i := 0; i < sigCount && r.err == nil; i++ {
		pk := r.bytes(int(r.u8("pubkey length")), "pubkey")
		sig := r.bytes(int(r.u8("signature length")), "signature")
		tx.Signatures = append(tx.Signatures, Signature{PubKey: pk, Sig: sig})
	}
	tx.R = r.bytes(int(r.u16("R length")), "R")
	if err := r.finish("transaction"); err != nil {
		return nil, err
	}

	tx.hash = DoubleHash(b[:coreLen])
	return tx, nil
}

// DeserializeTransactionCore decodes the hashed encoding only.
func DeserializeTransactionCore(b []byte) (*Transaction, error) {
	r := newReader(b)
	tx := decodeCore(r)
	if err := r.finish("transaction core"); err != nil {
		return nil, err
	}
	tx.hash = DoubleHash(b)
	return tx, nil
}

func decodeCore(r *reader) *Transaction {
	tx := &Transaction{
		Version:     r.u32("version"),
		Type:        TxType(r.u32("type")),
		Time:        r.u32("time"),
		Deadline:    r.u32("deadline"),
		GasPrice:    r.u64("gas price"),
		GasAmount:   int64(r.u64("gas amount")),
		MessageType: MessageType(r.u8("message type")),
	}
	inCount := int(r.u8("input count"))
	outCount := int(r.u8("output count"))
	msgLen := int(r.u32("message length"))
	if r.err != nil {
		return tx
	}

	// Reject declared lengths that cannot fit before allocating.
	need := inCount*TxInputSize + outCount*TxOutputSize + msgLen
	if msgLen < 0 || need > r.remaining() {
		r.err = malformed("declared body of %d bytes exceeds buffer of %d",
			need, r.remaining())
		return tx
	}

	tx.Inputs = make([]TxInput, inCount)
	for i := range tx.Inputs {
		copy(tx.Inputs[i].PrevHash[:], r.take(HashSize, "input hash"))
		tx.Inputs[i].Index = r.u8("input index")
	}
	tx.Outputs = make([]TxOutput, outCount)
	for i := range tx.Outputs {
		addr := Address(r.take(AddressLen, "output address"))
		if r.err == nil {
			if err := addr.Validate(); err != nil {
				r.err = malformed("output %d: %v", i, err)
				return tx
			}
		}
		tx.Outputs[i] = TxOutput{
			Address: addr,
			CoinID:  r.u32("output coin id"),
			Amount:  r.u64("output amount"),
		}
	}
	tx.Message = r.bytes(msgLen, "message")
	return tx
}

// TxSummary is the JSON view of a transaction.
type TxSummary struct {
	Hash       string     `json:"hash"`
	Type       string     `json:"type"`
	Time       uint32     `json:"time"`
	Deadline   uint32     `json:"deadline"`
	GasPrice   uint64     `json:"gas_price"`
	GasAmount  int64      `json:"gas_amount"`
	Inputs     []string   `json:"inputs"`
	Outputs    []TxOutput `json:"outputs"`
	Signatures int        `json:"signatures"`
	Height     int64      `json:"height"`
}

// Summary returns the JSON view of tx. Height is -1 while unconfirmed.
func (tx *Transaction) Summary() TxSummary {
	s := TxSummary{
		Hash:       tx.hash.String(),
		Type:       tx.Type.String(),
		Time:       tx.Time,
		Deadline:   tx.Deadline,
		GasPrice:   tx.GasPrice,
		GasAmount:  tx.GasAmount,
		Inputs:     make([]string, len(tx.Inputs)),
		Outputs:    tx.Outputs,
		Signatures: len(tx.Signatures),
		Height:     -1,
	}
	for i, in := range tx.Inputs {
		s.Inputs[i] = fmt.Sprintf("%v:%d", in.PrevHash, in.Index)
	}
	tx.Height.WhenSome(func(h uint32) {
		s.Height = int64(h)
	})
	return s
}
