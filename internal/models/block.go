package models

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockHeaderSize is the fixed size of an encoded block header.
const BlockHeaderSize = wire.MaxBlockHeaderPayload

// Block is a header, the consensus kind that produced it and its ordered
// transactions, plus metadata filled in as it moves through validation.
type Block struct {
	Header wire.BlockHeader
	Flag   Flag
	Txs    []*Transaction

	// Height is assigned once the block is accepted into some chain.
	Height fn.Option[uint32]

	// WorkHash is the proof output, cached once the proof was checked.
	WorkHash fn.Option[Hash]

	Target     *big.Int
	Difficulty float64
	Bias       float64
	IsOrphan   bool

	// ChildBiases is the bias a child of each biased kind gets. It is
	// filled in before the block is persisted.
	ChildBiases map[Flag]float64

	hash Hash
}

// NewBlock assembles a block, computing its merkle root and hash.
func NewBlock(version int32, prev Hash, t, bits, nonce uint32, flag Flag,
	txs []*Transaction) *Block {

	b := &Block{
		Header: wire.BlockHeader{
			Version:   version,
			PrevBlock: prev,
			Timestamp: time.Unix(int64(t), 0),
			Bits:      bits,
			Nonce:     nonce,
		},
		Flag: flag,
		Txs:  txs,
	}
	b.UpdateMerkleRoot()
	return b
}

// Hash returns the double hash of the header.
func (b *Block) Hash() Hash {
	return b.hash
}

// PrevHash returns the hash of the parent block.
func (b *Block) PrevHash() Hash {
	return b.Header.PrevBlock
}

// Time returns the header timestamp in unix seconds.
func (b *Block) Time() uint32 {
	return uint32(b.Header.Timestamp.Unix())
}

// Bits returns the compact target of the header.
func (b *Block) Bits() uint32 {
	return b.Header.Bits
}

// UpdateHash recomputes the block hash from the header.
func (b *Block) UpdateHash() {
	b.hash = b.Header.BlockHash()
}

// SetTime changes the header time and rehashes.
func (b *Block) SetTime(t uint32) {
	b.Header.Timestamp = time.Unix(int64(t), 0)
	b.UpdateHash()
}

// SetNonce changes the header nonce and rehashes.
func (b *Block) SetNonce(n uint32) {
	b.Header.Nonce = n
	b.UpdateHash()
}

// SetMerkleRoot changes the header merkle root and rehashes.
func (b *Block) SetMerkleRoot(root Hash) {
	b.Header.MerkleRoot = root
	b.UpdateHash()
}

// UpdateMerkleRoot recomputes the merkle root over Txs and rehashes.
func (b *Block) UpdateMerkleRoot() {
	b.SetMerkleRoot(b.CalcMerkleRoot())
}

// CalcMerkleRoot returns the merkle root of the current transactions without
// touching the header.
func (b *Block) CalcMerkleRoot() Hash {
	hashes := make([]Hash, len(b.Txs))
	for i, tx := range b.Txs {
		hashes[i] = tx.Hash()
	}
	return MerkleRoot(hashes)
}

// HeaderBytes returns the 80-byte header encoding.
func (b *Block) HeaderBytes() []byte {
	var buf bytes.Buffer
	buf.Grow(BlockHeaderSize)
	// Writes to a bytes.Buffer cannot fail.
	_ = b.Header.Serialize(&buf)
	return buf.Bytes()
}

// Size returns the length of the block envelope.
func (b *Block) Size() int {
	n := BlockHeaderSize + 1 + 4
	for _, tx := range b.Txs {
		n += 4 + tx.EnvelopeSize()
	}
	return n
}

// IsGenesis reports whether b is a genesis block.
func (b *Block) IsGenesis() bool {
	return b.Flag == FlagGenesis
}

// ProofTx returns the transaction at index 0, if any.
func (b *Block) ProofTx() fn.Option[*Transaction] {
	if len(b.Txs) == 0 {
		return fn.None[*Transaction]()
	}
	return fn.Some(b.Txs[0])
}

// Serialize returns the block envelope: header, flag, tx count and the
// length-prefixed transaction envelopes.
func (b *Block) Serialize() ([]byte, error) {
	out := make([]byte, 0, b.Size())
	out = append(out, b.HeaderBytes()...)
	out = append(out, byte(b.Flag))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(b.Txs)))
	for i, tx := range b.Txs {
		raw, err := tx.Serialize()
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(raw)))
		out = append(out, raw...)
	}
	return out, nil
}

// DeserializeBlock decodes a block envelope, consuming raw exactly.
func DeserializeBlock(raw []byte) (*Block, error) {
	r := newReader(raw)
	hdr := r.take(BlockHeaderSize, "block header")
	if r.err != nil {
		return nil, r.err
	}

	b := &Block{}
	if err := b.Header.Deserialize(bytes.NewReader(hdr)); err != nil {
		return nil, malformed("block header: %v", err)
	}
	b.Flag = Flag(r.u8("flag"))
	count := int(r.u32("tx count"))
	if r.err != nil {
		return nil, r.err
	}
	// Every tx needs at least its length prefix and a core header.
	if count > r.remaining()/(4+TxHeaderSize) {
		return nil, malformed("tx count %d exceeds buffer", count)
	}

	b.Txs = make([]*Transaction, 0, count)
	for i := 0; i < count; i++ {
		n := int(r.u32("tx length"))
		body := r.take(n, "tx body")
		if r.err != nil {
			return nil, r.err
		}
		tx, err := DeserializeTransaction(body)
		if err != nil {
			return nil, fmt.Errorf("tx %d: %w", i, err)
		}
		b.Txs = append(b.Txs, tx)
	}
	if err := r.finish("block"); err != nil {
		return nil, err
	}

	b.UpdateHash()
	return b, nil
}

// DeserializeBlockHeader decodes exactly 80 header bytes.
func DeserializeBlockHeader(raw []byte) (wire.BlockHeader, error) {
	var hdr wire.BlockHeader
	if len(raw) != BlockHeaderSize {
		return hdr, malformed("header length %d, want %d", len(raw), BlockHeaderSize)
	}
	if err := hdr.Deserialize(bytes.NewReader(raw)); err != nil {
		return hdr, malformed("block header: %v", err)
	}
	return hdr, nil
}

// MerkleRoot computes a bitcoin style merkle root, duplicating the last node
// of odd levels. The root of no hashes is the zero hash.
func MerkleRoot(hashes []Hash) Hash {
	if len(hashes) == 0 {
		return ZeroHash
	}
	level := append([]Hash(nil), hashes...)
	var buf [HashSize * 2]byte
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			copy(buf[:HashSize], level[i][:])
			copy(buf[HashSize:], level[i+1][:])
			next = append(next, DoubleHash(buf[:]))
		}
		level = next
	}
	return level[0]
}

// HeaderInfo is the slice of a block that chain history walks need: the
// difficulty oracle and fork choice never look at transactions.
type HeaderInfo struct {
	Hash   Hash
	Prev   Hash
	Height uint32
	Flag   Flag
	Time   uint32
	Bits   uint32

	// Biases is only known for blocks that carry ChildBiases.
	Biases map[Flag]float64
}

// Info returns the header info of b. The height must already be assigned.
func (b *Block) Info() HeaderInfo {
	return HeaderInfo{
		Hash:   b.hash,
		Prev:   b.Header.PrevBlock,
		Height: b.Height.UnwrapOr(0),
		Flag:   b.Flag,
		Time:   b.Time(),
		Bits:   b.Header.Bits,
		Biases: b.ChildBiases,
	}
}

// BlockSummary is the JSON view of a block.
type BlockSummary struct {
	Hash         string   `json:"hash"`
	Height       int64    `json:"height"`
	Version      int32    `json:"version"`
	PreviousHash string   `json:"previous_hash"`
	MerkleRoot   string   `json:"merkle_root"`
	Timestamp    uint32   `json:"timestamp"`
	Bits         string   `json:"bits"`
	Nonce        uint32   `json:"nonce"`
	Flag         string   `json:"flag"`
	Difficulty   float64  `json:"difficulty"`
	Bias         float64  `json:"bias"`
	TxCount      int      `json:"tx_count"`
	Size         int      `json:"size"`
	TxHashes     []string `json:"tx_hashes"`
}

// Summary returns the JSON view of b. Height is -1 while unassigned.
func (b *Block) Summary() BlockSummary {
	s := BlockSummary{
		Hash:         b.hash.String(),
		Height:       -1,
		Version:      b.Header.Version,
		PreviousHash: b.Header.PrevBlock.String(),
		MerkleRoot:   b.Header.MerkleRoot.String(),
		Timestamp:    b.Time(),
		Bits:         fmt.Sprintf("%08x", b.Header.Bits),
		Nonce:        b.Header.Nonce,
		Flag:         b.Flag.String(),
		Difficulty:   b.Difficulty,
		Bias:         b.Bias,
		TxCount:      len(b.Txs),
		Size:         b.Size(),
		TxHashes:     make([]string, len(b.Txs)),
	}
	b.Height.WhenSome(func(h uint32) {
		s.Height = int64(h)
	})
	for i, tx := range b.Txs {
		s.TxHashes[i] = tx.Hash().String()
	}
	return s
}
