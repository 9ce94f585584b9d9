package chain

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/proof"
	"github.com/thanhnp/ledger-core/internal/storage"
	"github.com/thanhnp/ledger-core/internal/validation"
	"pgregory.net/rapid"
)

func testKey(seed byte) *btcec.PrivateKey {
	k, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return k
}

type harness struct {
	t       testing.TB
	params  *models.Params
	stores  *storage.ChainStores
	clock   *clock.TestClock
	chain   *Chain
	funder  *btcec.PrivateKey
	miner   models.Address
	genesis *models.Block
	seq     int
}

func newHarness(t testing.TB, tweak func(*models.Params)) *harness {
	params := models.DefaultParams()
	funder := testKey(1)
	for i := 0; i < 8; i++ {
		params.GenesisAllocations = append(params.GenesisAllocations, models.TxOutput{
			Address: validation.KeyAddress(funder), Amount: 10 * models.CoinUnit,
		})
	}
	if tweak != nil {
		tweak(params)
	}
	require.NoError(t, params.Validate())

	db, err := storage.NewMemPebbleDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		t:      t,
		params: params,
		stores: storage.NewChainStores(db),
		clock:  clock.NewTestClock(time.Unix(int64(params.GenesisTime)+1_000_000, 0)),
		funder: funder,
		miner:  validation.KeyAddress(testKey(9)),
	}
	h.open()
	h.genesis = h.chain.Snapshot().Tip()
	return h
}

func (h *harness) open() {
	c, err := New(Config{Params: h.params, Stores: h.stores, Clock: h.clock})
	require.NoError(h.t, err)
	h.chain = c
}

// build returns a solved work block on parent, dt seconds later, paying the
// full reward to the miner.
func (h *harness) build(parent *models.Block, dt uint32, txs ...*models.Transaction) *models.Block {
	t := parent.Time() + dt
	height := parent.Height.UnwrapOr(0) + 1
	h.seq++

	reward := &models.Transaction{
		Version:     1,
		Type:        models.TxPowReward,
		Time:        t,
		Deadline:    t + h.params.RewardWindow,
		MessageType: models.MsgPlain,
		Message:     []byte(fmt.Sprintf("block %d", h.seq)),
		Outputs: []models.TxOutput{{
			Address: h.miner, Amount: h.params.Reward(height),
		}},
	}
	reward.UpdateHash()

	bits, _, err := h.chain.oracle.Target(parent.Hash(), models.FlagPowSHA256d)
	require.NoError(h.t, err)
	b := models.NewBlock(1, parent.Hash(), t, bits, 0, models.FlagPowSHA256d,
		append([]*models.Transaction{reward}, txs...))
	require.True(h.t, proof.Solve(b, 1<<20))
	return b
}

func (h *harness) add(b *models.Block) *Update {
	upd, err := h.chain.AddBlock(b)
	require.NoError(h.t, err)
	return upd
}

// extend adds a block on parent and returns it.
func (h *harness) extend(parent *models.Block, dt uint32, txs ...*models.Transaction) *models.Block {
	b := h.build(parent, dt, txs...)
	h.add(b)
	return b
}

// transfer spends genesis output index to the miner.
func (h *harness) transfer(index uint8, amount uint64) *models.Transaction {
	tx := &models.Transaction{
		Version:  1,
		Type:     models.TxTransfer,
		Time:     h.params.GenesisTime,
		Deadline: h.params.GenesisTime + 100_000,
		GasPrice: 100,
		Inputs:   []models.TxInput{{PrevHash: h.genesis.Txs[0].Hash(), Index: index}},
		Outputs:  []models.TxOutput{{Address: h.miner, Amount: amount}},
	}
	tx.GasAmount = int64(tx.Size()) + h.params.SignatureGas
	tx.UpdateHash()
	validation.SignTx(tx, h.funder)
	return tx
}

func confirmedAt(t testing.TB, view validation.ChainView, hash models.Hash) (uint32, bool) {
	t.Helper()
	tx, err := view.LookupTx(hash)
	require.NoError(t, err)
	if tx.IsNone() {
		return 0, false
	}
	return tx.UnsafeFromSome().Height.UnwrapOr(0), true
}

func requireRule(t *testing.T, err error, code models.RejectCode) models.RuleError {
	t.Helper()
	require.Error(t, err)
	rerr, ok := models.IsRuleError(err)
	require.True(t, ok, "not a rule error: %v", err)
	require.Equal(t, code, rerr.Code, rerr.Description)
	return rerr
}

func TestAddBlockExtendsBestChain(t *testing.T) {
	h := newHarness(t, nil)

	b1 := h.build(h.genesis, 120)
	upd := h.add(b1)
	require.True(t, upd.TipChanged())
	require.False(t, upd.IsReorg())
	require.Equal(t, []*models.Block{b1}, upd.Attached)

	snap := h.chain.Snapshot()
	require.Equal(t, b1.Hash(), snap.TipHash())
	require.Equal(t, uint32(1), snap.Height())
	require.True(t, snap.Contains(h.genesis.Hash()))

	height, ok := confirmedAt(t, snap.View(), b1.Txs[0].Hash())
	require.True(t, ok)
	require.Equal(t, uint32(1), height)
	require.True(t, b1.WorkHash.IsSome())
	require.Equal(t, 1.0, b1.Bias)

	_, err := h.chain.AddBlock(b1)
	requireRule(t, err, models.RejectDuplicate)

	got, err := h.chain.BlockAtHeight(1)
	require.NoError(t, err)
	require.Equal(t, b1.Hash(), got.UnwrapOrFail(t).Hash())
}

func TestBlockContextRules(t *testing.T) {
	h := newHarness(t, nil)
	g := h.genesis

	tests := []struct {
		name  string
		block func() *models.Block
		code  models.RejectCode
	}{{
		name: "unknown parent",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Header.PrevBlock = models.DoubleHash([]byte("nowhere"))
			b.UpdateHash()
			return b
		},
		code: models.RejectUnknownParent,
	}, {
		name: "disabled kind",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Flag = models.FlagPowScrypt
			return b
		},
		code: models.RejectBadFlag,
	}, {
		name: "genesis kind",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Flag = models.FlagGenesis
			return b
		},
		code: models.RejectBadFlag,
	}, {
		name: "wrong bits",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Header.Bits = 0x1f00ffff
			b.UpdateHash()
			return b
		},
		code: models.RejectBadBits,
	}, {
		name: "time before parent",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.SetTime(g.Time() - 1)
			return b
		},
		code: models.RejectBadTime,
	}, {
		name: "time too far ahead",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.SetTime(uint32(h.clock.Now().Add(3 * time.Hour).Unix()))
			return b
		},
		code: models.RejectBadTime,
	}, {
		name: "merkle mismatch",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.SetMerkleRoot(models.DoubleHash([]byte("bogus")))
			return b
		},
		code: models.RejectBadMerkle,
	}, {
		name: "oversized",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Txs[0].Message = bytes.Repeat([]byte{'x'}, h.params.MaxBlockSize)
			b.Txs[0].UpdateHash()
			b.UpdateMerkleRoot()
			return b
		},
		code: models.RejectBlockSize,
	}, {
		name: "proof transaction of another kind",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Txs[0].Type = models.TxPosReward
			b.Txs[0].UpdateHash()
			b.UpdateMerkleRoot()
			return b
		},
		code: models.RejectBadProofTx,
	}, {
		name: "no transactions",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Txs = nil
			b.UpdateMerkleRoot()
			return b
		},
		code: models.RejectBadProofTx,
	}, {
		name: "work above target",
		block: func() *models.Block {
			b := h.build(g, 120)
			target := difficulty.BitsToTarget(b.Bits())
			for n := uint32(0); ; n++ {
				b.SetNonce(n)
				work, err := proof.WorkHash(b.Flag, b.HeaderBytes())
				require.NoError(t, err)
				if difficulty.HashToBig(work).Cmp(target) >= 0 {
					return b
				}
			}
		},
		code: models.RejectBadProof,
	}, {
		name: "reward too large",
		block: func() *models.Block {
			b := h.build(g, 120)
			b.Txs[0].Outputs[0].Amount++
			b.Txs[0].UpdateHash()
			b.UpdateMerkleRoot()
			require.True(t, proof.Solve(b, 1<<20))
			return b
		},
		code: models.RejectBadReward,
	}}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := h.chain.AddBlock(test.block())
			requireRule(t, err, test.code)
			require.Equal(t, g.Hash(), h.chain.Snapshot().TipHash())
		})
	}
}

func TestForkChoiceTiePrefersHeightThenFirstSeen(t *testing.T) {
	h := newHarness(t, nil)

	a1 := h.extend(h.genesis, 120)
	b1 := h.build(h.genesis, 100)
	upd := h.add(b1)
	require.False(t, upd.TipChanged())
	require.Equal(t, a1.Hash(), h.chain.Snapshot().TipHash())

	// The longer chain wins once b1 is extended.
	b2 := h.extend(b1, 120)
	snap := h.chain.Snapshot()
	require.Equal(t, b2.Hash(), snap.TipHash())
	require.False(t, snap.Contains(a1.Hash()))

	early := &blockNode{total: 3, height: 4, seq: 1}
	late := &blockNode{total: 3, height: 4, seq: 2}
	taller := &blockNode{total: 3, height: 5, seq: 3}
	heavier := &blockNode{total: 3.5, height: 2, seq: 4}
	require.True(t, better(early, late))
	require.False(t, better(late, early))
	require.True(t, better(taller, early))
	require.True(t, better(heavier, taller))
}

func TestFailedBestChainForgetsBlock(t *testing.T) {
	h := newHarness(t, nil)

	a1 := h.extend(h.genesis, 120)
	b1 := h.build(h.genesis, 100)
	h.add(b1)
	b2 := h.build(b1, 120)

	// Without the current tip in the tree the best chain cannot be built.
	tip, ok := h.chain.arena.get(a1.Hash())
	require.True(t, ok)
	delete(h.chain.arena.nodes, a1.Hash())

	_, err := h.chain.AddBlock(b2)
	require.ErrorIs(t, err, models.ErrReorgInvariant)
	_, ok = h.chain.arena.get(b2.Hash())
	require.False(t, ok)
	require.Equal(t, a1.Hash(), h.chain.Snapshot().TipHash())

	h.chain.arena.nodes[a1.Hash()] = tip
	upd := h.add(b2)
	require.True(t, upd.IsReorg())
	require.Equal(t, b2.Hash(), h.chain.Snapshot().TipHash())
}

func TestReorgToHigherScore(t *testing.T) {
	h := newHarness(t, nil)

	a1 := h.extend(h.genesis, 120)
	a2 := h.extend(a1, 120)
	require.Equal(t, a2.Hash(), h.chain.Snapshot().TipHash())

	// The fast fork reaches a higher difficulty at the same height.
	b1 := h.extend(h.genesis, 10)
	b2 := h.extend(b1, 10)
	require.Equal(t, a2.Hash(), h.chain.Snapshot().TipHash())

	b3 := h.build(b2, 10)
	upd := h.add(b3)
	require.True(t, upd.IsReorg())
	require.Equal(t, a2.Hash(), upd.OldTip.Hash())
	require.Equal(t, b3.Hash(), upd.NewTip.Hash())
	require.Equal(t, []*models.Block{a2, a1}, upd.Detached)
	require.Equal(t, []*models.Block{b1, b2, b3}, upd.Attached)
	require.Greater(t, b3.Difficulty, 1.0)

	snap := h.chain.Snapshot()
	require.Greater(t, snap.Score(), 0.0)

	// The abandoned rewards are unconfirmed again.
	_, ok := confirmedAt(t, snap.View(), a1.Txs[0].Hash())
	require.False(t, ok)
	height, ok := confirmedAt(t, snap.View(), b1.Txs[0].Hash())
	require.True(t, ok)
	require.Equal(t, uint32(1), height)
}

func TestReorgRoundTripRestoresState(t *testing.T) {
	h := newHarness(t, nil)

	spend := h.transfer(0, models.CoinUnit)
	a1 := h.extend(h.genesis, 120, spend)
	a2 := h.extend(a1, 120)
	probe := []models.Hash{a1.Txs[0].Hash(), a2.Txs[0].Hash(), spend.Hash()}
	op := spend.Inputs[0].Outpoint()

	type state struct {
		heights []uint32
		used    bool
	}
	capture := func() state {
		view := h.chain.Snapshot().View()
		var s state
		for _, hash := range probe {
			height, ok := confirmedAt(t, view, hash)
			if !ok {
				height = 0
			}
			s.heights = append(s.heights, height)
		}
		used, err := view.IsOutputUsed(op)
		require.NoError(t, err)
		s.used = used
		return s
	}
	before := capture()
	require.Equal(t, state{heights: []uint32{1, 2, 1}, used: true}, before)

	// Move to a fast fork, then back by speeding up the original chain.
	b1 := h.extend(h.genesis, 10)
	b2 := h.extend(b1, 10)
	h.extend(b2, 10)
	require.False(t, h.chain.Snapshot().Contains(a2.Hash()))
	require.Equal(t, state{heights: []uint32{0, 0, 0}, used: false}, capture())

	tip := a2
	for i := 0; i < 10 && !h.chain.Snapshot().Contains(a2.Hash()); i++ {
		tip = h.extend(tip, 1)
	}
	require.True(t, h.chain.Snapshot().Contains(a2.Hash()))
	require.Equal(t, before, capture())
}

func TestNoDoubleSpendOnBestChain(t *testing.T) {
	h := newHarness(t, nil)

	first := h.transfer(0, models.CoinUnit)
	a1 := h.extend(h.genesis, 120, first)

	second := h.transfer(0, 2*models.CoinUnit)
	_, err := h.chain.AddBlock(h.build(a1, 120, second))
	rerr := requireRule(t, err, models.RejectAlreadyUsed)
	require.Contains(t, rerr.Description, "already used")

	// Both spends inside one block fail as well.
	third := h.transfer(1, models.CoinUnit)
	fourth := h.transfer(1, 3*models.CoinUnit)
	_, err = h.chain.AddBlock(h.build(a1, 120, third, fourth))
	requireRule(t, err, models.RejectAlreadyUsed)

	// A fork not containing the first spend may spend the output again.
	b1 := h.extend(h.genesis, 130, second)
	view, err := h.chain.View(b1.Hash())
	require.NoError(t, err)
	height, ok := confirmedAt(t, view, second.Hash())
	require.True(t, ok)
	require.Equal(t, uint32(1), height)
}

func TestFlush(t *testing.T) {
	h := newHarness(t, func(p *models.Params) {
		p.WindowSize = 3
		p.FlushBatch = 2
	})

	spend := h.transfer(0, models.CoinUnit)
	stale := h.build(h.genesis, 300)

	chain := []*models.Block{h.genesis}
	for i := 0; i < 4; i++ {
		var txs []*models.Transaction
		if i == 0 {
			txs = append(txs, spend)
		}
		chain = append(chain, h.extend(chain[len(chain)-1], 120, txs...))
	}
	h.add(stale)
	orphan := h.build(stale, 120)

	// Four blocks above the root are below the threshold.
	n, err := h.chain.Flush()
	require.NoError(t, err)
	require.Zero(t, n)

	chain = append(chain, h.extend(chain[len(chain)-1], 120))
	n, err = h.chain.Flush()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snap := h.chain.Snapshot()
	require.Equal(t, chain[2].Hash(), snap.RootHash())
	require.Equal(t, chain[5].Hash(), snap.TipHash())
	require.Equal(t, 4, h.chain.Len())

	persisted, err := h.stores.Blocks.GetByHeight(2)
	require.NoError(t, err)
	require.Equal(t, chain[2].Hash(), persisted.UnwrapOrFail(t).Hash())

	// Persisted headers carry the bias of their children.
	bias, err := h.chain.oracle.Bias(chain[2].Hash(), models.FlagPowSHA256d)
	require.NoError(t, err)
	info, err := h.stores.HeaderInfo(chain[2].Hash())
	require.NoError(t, err)
	require.Equal(t, map[models.Flag]float64{models.FlagPowSHA256d: bias},
		info.UnwrapOrFail(t).Biases)

	// The stale fork was dropped with the old root.
	_, err = h.chain.AddBlock(orphan)
	requireRule(t, err, models.RejectUnknownParent)

	// Flushed state still answers lookups and spends.
	height, ok := confirmedAt(t, snap.View(), spend.Hash())
	require.True(t, ok)
	require.Equal(t, uint32(1), height)
	_, err = h.chain.AddBlock(h.build(chain[5], 120, h.transfer(0, 2*models.CoinUnit)))
	requireRule(t, err, models.RejectAlreadyUsed)

	got, err := h.chain.BlockAtHeight(1)
	require.NoError(t, err)
	require.Equal(t, chain[1].Hash(), got.UnwrapOrFail(t).Hash())

	// Difficulty history spans the store and the tree.
	h.extend(chain[5], 120)

	// Reopening resumes from the persisted root.
	h.open()
	require.Equal(t, chain[2].Hash(), h.chain.Snapshot().TipHash())
	require.Equal(t, info.UnwrapOrFail(t).Biases, h.chain.Snapshot().Tip().ChildBiases)
	reopened, err := h.chain.oracle.Bias(chain[2].Hash(), models.FlagPowSHA256d)
	require.NoError(t, err)
	require.Equal(t, bias, reopened)
}

func TestBestChainProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, nil)
		blocks := []*models.Block{h.genesis}

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			parent := blocks[rapid.IntRange(0, len(blocks)-1).Draw(rt, "parent")]
			dt := uint32(rapid.IntRange(100, 300).Draw(rt, "dt"))
			b := h.build(parent, dt)
			if _, err := h.chain.AddBlock(b); err != nil {
				rt.Fatalf("add block: %v", err)
			}
			blocks = append(blocks, b)
		}

		snap := h.chain.Snapshot()
		h.chain.mu.Lock()
		best := h.chain.arena.best()
		path := h.chain.arena.path(best)
		h.chain.mu.Unlock()
		if best.hash != snap.TipHash() {
			rt.Fatalf("published tip %v, best %v", snap.TipHash(), best.hash)
		}

		// Every block on the best path has its reward confirmed at its
		// height; every other block's reward is unknown.
		onPath := make(map[models.Hash]uint32)
		for _, n := range path {
			onPath[n.hash] = n.height
		}
		for _, b := range blocks[1:] {
			height, ok := confirmedAt(t, snap.View(), b.Txs[0].Hash())
			want, on := onPath[b.Hash()]
			if ok != on || (on && height != want) {
				rt.Fatalf("block %v: confirmed=%v at %d, on best chain=%v at %d",
					b.Hash(), ok, height, on, want)
			}
		}

		// The published view equals a replay from the root.
		replay := validation.NewOverlay(h.chain.base)
		if err := applyPath(replay, path[1:]); err != nil {
			rt.Fatalf("replay: %v", err)
		}
		for _, b := range blocks[1:] {
			_, a := confirmedAt(t, snap.View(), b.Txs[0].Hash())
			_, r := confirmedAt(t, replay, b.Txs[0].Hash())
			if a != r {
				rt.Fatalf("replay disagrees on %v", b.Hash())
			}
		}
	})
}
