package storage

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/pkg/semver"
)

func testAddr(seed byte) models.Address {
	return models.AddressFromPubKey(bytes.Repeat([]byte{seed}, 33))
}

func newTestStores(t *testing.T) *ChainStores {
	t.Helper()
	db, err := NewMemPebbleDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewChainStores(db)
}

func testParams() *models.Params {
	p := models.DefaultParams()
	p.GenesisAllocations = []models.TxOutput{
		{Address: testAddr(1), Amount: 10 * models.CoinUnit},
		{Address: testAddr(2), Amount: 5 * models.CoinUnit},
	}
	p.Validators = []models.Address{testAddr(1), testAddr(2)}
	p.ValidatorRequire = 1
	return p
}

func installGenesis(t *testing.T, cs *ChainStores, p *models.Params) *models.Block {
	t.Helper()
	g := p.GenesisBlock()
	require.NoError(t, cs.InstallGenesis(g, p.GenesisValidators()))
	return g
}

func childBlock(parent *models.Block, txs ...*models.Transaction) *models.Block {
	reward := &models.Transaction{
		Type:     models.TxPowReward,
		Time:     parent.Time() + 60,
		Deadline: parent.Time() + 60 + 10800,
		Outputs:  []models.TxOutput{{Address: testAddr(3), Amount: models.CoinUnit}},
	}
	reward.UpdateHash()
	b := models.NewBlock(1, parent.Hash(), parent.Time()+60, 0x207fffff, 0,
		models.FlagPowSHA256d, append([]*models.Transaction{reward}, txs...))
	b.Height = fn.Some(parent.Height.UnwrapOr(0) + 1)
	return b
}

func spend(prev *models.Transaction, index uint8, msgType models.MessageType,
	txType models.TxType, msg []byte, outs ...models.TxOutput) *models.Transaction {

	tx := &models.Transaction{
		Type:        txType,
		Time:        prev.Time,
		Deadline:    prev.Time + 3600,
		MessageType: msgType,
		Message:     msg,
		Inputs:      []models.TxInput{{PrevHash: prev.Hash(), Index: index}},
		Outputs:     outs,
	}
	tx.UpdateHash()
	return tx
}

func TestInstallGenesis(t *testing.T) {
	cs := newTestStores(t)
	p := testParams()
	g := installGenesis(t, cs, p)

	view, err := cs.View()
	require.NoError(t, err)
	require.Equal(t, g.Hash(), view.TipHash())
	require.Zero(t, view.TipHeight())

	tx, err := view.LookupTx(g.Txs[0].Hash())
	require.NoError(t, err)
	require.True(t, tx.IsSome())
	require.Equal(t, fn.Some(uint32(0)), tx.UnsafeFromSome().Height)
	require.Len(t, tx.UnsafeFromSome().Outputs, 2)

	set, err := view.Validators()
	require.NoError(t, err)
	require.Equal(t, 1, set.Require)
	require.True(t, set.Contains(testAddr(2)))

	// A second install keeps the existing root.
	other := models.DefaultParams()
	other.GenesisTime++
	require.NoError(t, cs.InstallGenesis(other.GenesisBlock(), other.GenesisValidators()))
	view, err = cs.View()
	require.NoError(t, err)
	require.Equal(t, g.Hash(), view.TipHash())
}

func TestFlushBlocks(t *testing.T) {
	cs := newTestStores(t)
	p := testParams()
	g := installGenesis(t, cs, p)
	fund := g.Txs[0]

	mint := &models.MintRecord{
		CoinID: 7, Name: "gold", Unit: "g", Owner: testAddr(1), Amount: 1000,
		Settings: models.MintSettings{AdditionalIssue: true},
	}
	mintTx := spend(fund, 0, models.MsgByte, models.TxMintCoin, mint.Encode(),
		models.TxOutput{Address: testAddr(1), CoinID: 7, Amount: 1000})
	edit := &models.ValidatorEdit{Version: 1, Address: testAddr(3), Add: true, Require: 2}
	editTx := spend(fund, 1, models.MsgByte, models.TxValidatorEdit, edit.Encode(),
		models.TxOutput{Address: testAddr(2), Amount: models.CoinUnit})

	b1 := childBlock(g, mintTx)
	mint.Version, mint.Amount = 1, 500
	mint2Tx := spend(mintTx, 0, models.MsgByte, models.TxMintCoin, mint.Encode(),
		models.TxOutput{Address: testAddr(1), CoinID: 7, Amount: 500})
	b2 := childBlock(b1, editTx, mint2Tx)

	require.NoError(t, cs.FlushBlocks([]*models.Block{b1, b2}))

	view, err := cs.View()
	require.NoError(t, err)
	require.Equal(t, b2.Hash(), view.TipHash())
	require.Equal(t, uint32(2), view.TipHeight())

	used, err := view.IsOutputUsed(models.Outpoint{Hash: fund.Hash(), Index: 1})
	require.NoError(t, err)
	require.True(t, used)
	indexes, err := cs.Outputs.UsedIndexes(fund.Hash())
	require.NoError(t, err)
	require.Equal(t, []uint8{0, 1}, indexes)

	coin, err := view.LatestCoin(7)
	require.NoError(t, err)
	rec := coin.UnwrapOrFail(t)
	require.Equal(t, uint32(1), rec.Version)
	require.Equal(t, uint64(1500), rec.Supply)
	require.Equal(t, mint2Tx.Hash(), rec.TxHash)
	require.Equal(t, uint32(2), rec.Height)

	set, err := view.Validators()
	require.NoError(t, err)
	require.Equal(t, uint32(1), set.Version)
	require.Equal(t, 2, set.Require)
	require.True(t, set.Contains(testAddr(3)))

	got, err := cs.Blocks.GetByHeight(1)
	require.NoError(t, err)
	require.Equal(t, b1.Hash(), got.UnwrapOrFail(t).Hash())
	require.Equal(t, fn.Some(uint32(1)), got.UnwrapOrFail(t).Height)

	info, err := cs.HeaderInfo(b2.Hash())
	require.NoError(t, err)
	require.Equal(t, b2.Info(), info.UnwrapOrFail(t))

	tx, err := view.LookupTx(editTx.Hash())
	require.NoError(t, err)
	require.Equal(t, fn.Some(uint32(2)), tx.UnwrapOrFail(t).Height)
}

func TestFlushBlocksRejectsGap(t *testing.T) {
	cs := newTestStores(t)
	g := installGenesis(t, cs, testParams())

	b1 := childBlock(g)
	b2 := childBlock(b1)
	err := cs.FlushBlocks([]*models.Block{b2})
	require.True(t, errors.Is(err, models.ErrReorgInvariant))

	// Nothing of the failed batch is visible.
	got, err := cs.Blocks.GetByHash(b2.Hash())
	require.NoError(t, err)
	require.True(t, got.IsNone())

	require.NoError(t, cs.FlushBlocks([]*models.Block{b1, b2}))
}

func TestAddressLedger(t *testing.T) {
	cs := newTestStores(t)
	a, b := testAddr(1), testAddr(2)
	tx1 := models.DoubleHash([]byte("tx1"))
	tx2 := models.DoubleHash([]byte("tx2"))

	balance := func(addr models.Address, coin uint32) uint64 {
		bal, err := cs.Addresses.Balance(addr, coin)
		require.NoError(t, err)
		return bal
	}

	require.NoError(t, cs.Addresses.Apply(tx1, 1, []Movement{
		{Address: a, Amount: 100},
		{Address: a, CoinID: 7, Amount: 5},
	}))
	// Applying twice changes nothing.
	require.NoError(t, cs.Addresses.Apply(tx1, 1, []Movement{{Address: a, Amount: 100}}))
	require.Equal(t, uint64(100), balance(a, 0))
	require.Equal(t, uint64(5), balance(a, 7))

	require.NoError(t, cs.Addresses.Apply(tx2, 2, []Movement{
		{Address: a, Amount: 60, Debit: true},
		{Address: b, Amount: 60},
	}))
	require.Equal(t, uint64(40), balance(a, 0))
	require.Equal(t, uint64(60), balance(b, 0))

	err := cs.Addresses.Apply(models.DoubleHash([]byte("tx3")), 3, []Movement{
		{Address: b, Amount: 61, Debit: true},
	})
	require.True(t, errors.Is(err, models.ErrReorgInvariant))
	require.Equal(t, uint64(60), balance(b, 0))

	require.NoError(t, cs.Addresses.Revert(tx2))
	require.NoError(t, cs.Addresses.Revert(tx2))
	require.Equal(t, uint64(100), balance(a, 0))
	require.Zero(t, balance(b, 0))

	applied, err := cs.Addresses.Applied(tx2)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestRevertAbove(t *testing.T) {
	cs := newTestStores(t)
	a, b := testAddr(1), testAddr(2)

	require.NoError(t, cs.Addresses.Apply(models.DoubleHash([]byte("tx1")), 4, []Movement{
		{Address: a, Amount: 100},
	}))
	require.NoError(t, cs.Addresses.Apply(models.DoubleHash([]byte("tx2")), 5, []Movement{
		{Address: b, Amount: 30},
	}))
	// tx3 spends what tx2 paid in, so reverting in hash order alone
	// could underflow.
	require.NoError(t, cs.Addresses.Apply(models.DoubleHash([]byte("tx3")), 6, []Movement{
		{Address: b, Amount: 30, Debit: true},
		{Address: a, Amount: 30},
	}))

	n, err := cs.Addresses.RevertAbove(4)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	bal, err := cs.Addresses.Balance(a, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(100), bal)
	bal, err = cs.Addresses.Balance(b, 0)
	require.NoError(t, err)
	require.Zero(t, bal)

	applied, err := cs.Addresses.Applied(models.DoubleHash([]byte("tx1")))
	require.NoError(t, err)
	require.True(t, applied)

	n, err = cs.Addresses.RevertAbove(4)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCheckFormat(t *testing.T) {
	cs := newTestStores(t)
	require.NoError(t, cs.Sync.CheckFormat())
	require.NoError(t, cs.Sync.CheckFormat())

	next := semver.NewSemver(FormatVersion.Major+1, 0, 0)
	require.NoError(t, cs.DB.Put(CFSyncState, formatKey, []byte(next.String())))
	require.Error(t, cs.Sync.CheckFormat())

	require.NoError(t, cs.DB.Put(CFSyncState, formatKey, []byte(FormatVersion.String()+"-rc1")))
	require.NoError(t, cs.Sync.CheckFormat())
	data, err := cs.DB.Get(CFSyncState, formatKey)
	require.NoError(t, err)
	require.Equal(t, FormatVersion.String(), string(data))

	require.NoError(t, cs.DB.Put(CFSyncState, formatKey, []byte("garbage")))
	require.Error(t, cs.Sync.CheckFormat())
}

func TestStoreErrorsWrapUnavailable(t *testing.T) {
	err := storeErr("get blocks", errors.New("closed"))
	require.True(t, errors.Is(err, models.ErrStoreUnavailable))
	require.Contains(t, err.Error(), "get blocks")
}

func TestUnsyncedFlush(t *testing.T) {
	o := DefaultOptions()
	o.NoSync = true
	db, err := open("", o, vfs.NewMem())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cs := NewChainStores(db)

	g := installGenesis(t, cs, testParams())
	b1 := childBlock(g)
	require.NoError(t, cs.FlushBlocks([]*models.Block{b1}))

	root, err := cs.Sync.GetRoot()
	require.NoError(t, err)
	require.Equal(t, Root{Hash: b1.Hash(), Height: 1}, root.UnsafeFromSome())
}

func TestHeaderInfoKeepsChildBiases(t *testing.T) {
	cs := newTestStores(t)
	g := installGenesis(t, cs, testParams())

	b1 := childBlock(g)
	b1.ChildBiases = map[models.Flag]float64{
		models.FlagPowSHA256d: 1.0625,
		models.FlagPowScrypt:  0.75,
	}
	b2 := childBlock(b1)
	require.NoError(t, cs.FlushBlocks([]*models.Block{b1, b2}))

	info, err := cs.HeaderInfo(b1.Hash())
	require.NoError(t, err)
	require.Equal(t, b1.ChildBiases, info.UnwrapOrFail(t).Biases)

	info, err = cs.HeaderInfo(b2.Hash())
	require.NoError(t, err)
	require.Nil(t, info.UnwrapOrFail(t).Biases)

	raw := encodeHeaderInfo(b1.Info())
	_, err = decodeHeaderInfo(b1.Hash(), raw[:len(raw)-1])
	require.ErrorIs(t, err, models.ErrMalformedEncoding)
}
