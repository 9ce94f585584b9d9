package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleBlock() *Block {
	reward := &Transaction{
		Version:  1,
		Type:     TxPowReward,
		Time:     1700000060,
		Deadline: 1700000060 + 10800,
		Outputs:  []TxOutput{{Address: testAddr, Amount: 5000}},
	}
	reward.UpdateHash()
	return NewBlock(1, DoubleHash([]byte("parent")), 1700000060, 0x207fffff, 7,
		FlagPowSHA256d, []*Transaction{reward, sampleTx()})
}

func TestBlockHeaderIs80Bytes(t *testing.T) {
	b := sampleBlock()
	hdr := b.HeaderBytes()
	require.Len(t, hdr, 80)
	require.Equal(t, DoubleHash(hdr), b.Hash())

	// version u32 LE, then previous hash.
	require.Equal(t, []byte{1, 0, 0, 0}, hdr[:4])
	prev := b.PrevHash()
	require.Equal(t, prev[:], hdr[4:36])
	require.Equal(t, []byte{0xff, 0xff, 0x7f, 0x20}, hdr[72:76])
}

func TestBlockMutationRehashes(t *testing.T) {
	b := sampleBlock()
	h := b.Hash()

	b.SetTime(b.Time() + 1)
	require.NotEqual(t, h, b.Hash())
	require.Equal(t, DoubleHash(b.HeaderBytes()), b.Hash())

	h = b.Hash()
	b.Txs = b.Txs[:1]
	b.UpdateMerkleRoot()
	require.NotEqual(t, h, b.Hash())
	require.Equal(t, b.Txs[0].Hash(), b.Header.MerkleRoot)
}

func TestBlockRoundTrip(t *testing.T) {
	b := sampleBlock()
	raw, err := b.Serialize()
	require.NoError(t, err)
	require.Equal(t, b.Size(), len(raw))

	got, err := DeserializeBlock(raw)
	require.NoError(t, err)
	require.Equal(t, b.Hash(), got.Hash())
	require.Equal(t, FlagPowSHA256d, got.Flag)
	require.Len(t, got.Txs, 2)
	require.Equal(t, b.Txs[1].Hash(), got.Txs[1].Hash())
	require.Equal(t, got.CalcMerkleRoot(), got.Header.MerkleRoot)
}

func TestDeserializeBlockMalformed(t *testing.T) {
	raw, err := sampleBlock().Serialize()
	require.NoError(t, err)

	for _, cut := range []int{0, 79, 80, 84, 90, len(raw) - 1} {
		_, err := DeserializeBlock(raw[:cut])
		require.True(t, errors.Is(err, ErrMalformedEncoding), "cut %d: %v", cut, err)
	}

	_, err = DeserializeBlock(append(append([]byte(nil), raw...), 0))
	require.ErrorIs(t, err, ErrMalformedEncoding)

	_, err = DeserializeBlockHeader(raw[:81])
	require.ErrorIs(t, err, ErrMalformedEncoding)
}

func TestMerkleRoot(t *testing.T) {
	require.Equal(t, ZeroHash, MerkleRoot(nil))

	a, b, c := DoubleHash([]byte("a")), DoubleHash([]byte("b")), DoubleHash([]byte("c"))
	require.Equal(t, a, MerkleRoot([]Hash{a}))

	ab := DoubleHash(append(a[:], b[:]...))
	require.Equal(t, ab, MerkleRoot([]Hash{a, b}))

	cc := DoubleHash(append(c[:], c[:]...))
	require.Equal(t, DoubleHash(append(ab[:], cc[:]...)), MerkleRoot([]Hash{a, b, c}))

	// Input is not mutated.
	in := []Hash{a, b, c}
	MerkleRoot(in)
	require.Equal(t, []Hash{a, b, c}, in)
}

func TestBlockSummary(t *testing.T) {
	b := sampleBlock()
	s := b.Summary()
	require.Equal(t, int64(-1), s.Height)
	require.Equal(t, "pow_sha256d", s.Flag)
	require.Equal(t, "207fffff", s.Bits)

	b.Height = someHeight(12)
	require.Equal(t, int64(12), b.Summary().Height)
}
