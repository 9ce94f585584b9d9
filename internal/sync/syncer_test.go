package sync

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/notifier"
	"github.com/thanhnp/ledger-core/internal/storage"
)

func testAddr(b byte) models.Address {
	return models.Address(bytes.Repeat([]byte{"0123456789abcdef"[b%16]}, models.AddressLen))
}

type mockBackend struct {
	ntfn *notifier.Server

	mu  sync.Mutex
	txs map[models.Hash]*models.Transaction

	flushes chan struct{}
}

func (m *mockBackend) Subscribe() (*notifier.Client, error) {
	return m.ntfn.Subscribe()
}

func (m *mockBackend) Flush() (int, error) {
	m.flushes <- struct{}{}
	return 0, nil
}

func (m *mockBackend) Transaction(hash models.Hash) (fn.Option[*models.Transaction], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tx, ok := m.txs[hash]; ok {
		return fn.Some(tx), nil
	}
	return fn.None[*models.Transaction](), nil
}

func (m *mockBackend) add(txs ...*models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		m.txs[tx.Hash()] = tx
	}
}

// forget drops txs, as when their block left the best chain.
func (m *mockBackend) forget(txs ...*models.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		delete(m.txs, tx.Hash())
	}
}

type syncHarness struct {
	t       *testing.T
	stores  *storage.ChainStores
	backend *mockBackend
	genesis *models.Block
	ticker  *ticker.Force
	syncer  *Syncer
	fatal   chan error
}

var funder = testAddr(1)

func newSyncHarness(t *testing.T) *syncHarness {
	params := models.DefaultParams()
	for i := 0; i < 2; i++ {
		params.GenesisAllocations = append(params.GenesisAllocations, models.TxOutput{
			Address: funder, Amount: 10 * models.CoinUnit,
		})
	}

	db, err := storage.NewMemPebbleDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	stores := storage.NewChainStores(db)

	genesis := params.GenesisBlock()
	require.NoError(t, stores.InstallGenesis(genesis, params.GenesisValidators()))

	ntfn := notifier.NewServer(0)
	require.NoError(t, ntfn.Start())
	t.Cleanup(func() { ntfn.Stop() })

	backend := &mockBackend{
		ntfn:    ntfn,
		txs:     make(map[models.Hash]*models.Transaction),
		flushes: make(chan struct{}, 10),
	}
	backend.add(genesis.Txs...)

	h := &syncHarness{
		t:       t,
		stores:  stores,
		backend: backend,
		genesis: genesis,
		ticker:  ticker.NewForce(time.Hour),
		fatal:   make(chan error, 1),
	}
	h.syncer = NewSyncer(Config{
		Backend:     backend,
		Stores:      stores,
		FlushTicker: h.ticker,
		FatalHandler: func(err error) {
			h.fatal <- err
		},
	})
	return h
}

func (h *syncHarness) start() {
	require.NoError(h.t, h.syncer.Start())
	h.t.Cleanup(func() { h.syncer.Stop() })
}

func (h *syncHarness) balance(addr models.Address) uint64 {
	bal, err := h.stores.Addresses.Balance(addr, models.BaseCoinID)
	require.NoError(h.t, err)
	return bal
}

func (h *syncHarness) eventually(addr models.Address, want uint64) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.balance(addr) == want
	}, 5*time.Second, 10*time.Millisecond)
}

// block builds a block at height on prev holding a reward to miner and txs.
func (h *syncHarness) block(prev *models.Block, height uint32, miner models.Address,
	txs ...*models.Transaction) *models.Block {

	reward := &models.Transaction{
		Type:    models.TxPowReward,
		Time:    prev.Time() + 60,
		Message: []byte{byte(height)},
		Outputs: []models.TxOutput{{Address: miner, Amount: 50}},
	}
	reward.UpdateHash()

	b := models.NewBlock(1, prev.Hash(), prev.Time()+60, 0x207fffff, 0,
		models.FlagPowSHA256d, append([]*models.Transaction{reward}, txs...))
	b.Height = fn.Some(height)
	h.backend.add(b.Txs...)
	return b
}

func spend(origin *models.Transaction, index uint8, to models.Address, amount uint64) *models.Transaction {
	tx := &models.Transaction{
		Type:    models.TxTransfer,
		Inputs:  []models.TxInput{{PrevHash: origin.Hash(), Index: index}},
		Outputs: []models.TxOutput{{Address: to, Amount: amount}},
	}
	tx.UpdateHash()
	return tx
}

func TestStartAppliesGenesis(t *testing.T) {
	h := newSyncHarness(t)
	h.start()

	require.Equal(t, 20*models.CoinUnit, h.balance(funder))
	applied, err := h.stores.Addresses.Applied(h.genesis.Txs[0].Hash())
	require.NoError(t, err)
	require.True(t, applied)
}

func TestStartRevertsUnpersistedEntries(t *testing.T) {
	h := newSyncHarness(t)
	stray := models.DoubleHash([]byte("held in memory only"))
	require.NoError(t, h.stores.Addresses.Apply(stray, 7, []storage.Movement{
		{Address: testAddr(2), Amount: 99},
	}))

	h.start()

	applied, err := h.stores.Addresses.Applied(stray)
	require.NoError(t, err)
	require.False(t, applied)
	require.Zero(t, h.balance(testAddr(2)))
	require.Equal(t, 20*models.CoinUnit, h.balance(funder))
}

func TestLedgerFollowsBestChain(t *testing.T) {
	h := newSyncHarness(t)
	h.start()

	minerA, minerB, bob := testAddr(3), testAddr(4), testAddr(5)
	pay := spend(h.genesis.Txs[0], 0, bob, 10*models.CoinUnit)
	a1 := h.block(h.genesis, 1, minerA, pay)

	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: a1, Height: 1}))
	h.eventually(bob, 10*models.CoinUnit)
	require.Equal(t, 10*models.CoinUnit, h.balance(funder))
	require.Equal(t, uint64(50), h.balance(minerA))

	b1 := h.block(h.genesis, 1, minerB)
	b2 := h.block(b1, 2, minerB)
	require.NoError(t, h.backend.ntfn.Send(notifier.ChainReorg{
		OldTip:   a1,
		NewTip:   b2,
		Detached: []*models.Block{a1},
		Attached: []*models.Block{b1, b2},
	}))
	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: b2, Height: 2}))

	h.eventually(minerB, 100)
	require.Zero(t, h.balance(bob))
	require.Zero(t, h.balance(minerA))
	require.Equal(t, 20*models.CoinUnit, h.balance(funder))
}

func TestFlushOnTick(t *testing.T) {
	h := newSyncHarness(t)
	h.start()

	for i := 0; i < 2; i++ {
		h.ticker.Force <- time.Time{}
		select {
		case <-h.backend.flushes:
		case <-time.After(5 * time.Second):
			t.Fatal("flush not called")
		}
	}
}

func TestLedgerUnderflowIsFatal(t *testing.T) {
	h := newSyncHarness(t)
	h.start()

	// The origin pays an address the ledger never credited.
	ghost := &models.Transaction{
		Type:    models.TxTransfer,
		Outputs: []models.TxOutput{{Address: testAddr(6), Amount: 5}},
	}
	ghost.UpdateHash()
	h.backend.add(ghost)

	b1 := h.block(h.genesis, 1, testAddr(3), spend(ghost, 0, testAddr(7), 5))
	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: b1, Height: 1}))

	select {
	case err := <-h.fatal:
		require.ErrorIs(t, err, models.ErrReorgInvariant)
	case <-time.After(5 * time.Second):
		t.Fatal("fatal handler not called")
	}
	require.Zero(t, h.balance(testAddr(7)))
}

func TestInputsResolveWithoutBackend(t *testing.T) {
	h := newSyncHarness(t)
	h.start()

	minerA, minerB, carol, dave := testAddr(3), testAddr(4), testAddr(5), testAddr(6)
	a1 := h.block(h.genesis, 1, minerA)
	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: a1, Height: 1}))
	h.eventually(minerA, 50)

	// a2 spends a1's reward and then its own transaction. None of them is
	// known to the backend any more.
	toCarol := spend(a1.Txs[0], 0, carol, 50)
	toDave := spend(toCarol, 0, dave, 50)
	a2 := h.block(a1, 2, minerB, toCarol, toDave)
	h.backend.forget(a1.Txs...)
	h.backend.forget(a2.Txs...)

	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: a2, Height: 2}))
	h.eventually(dave, 50)
	require.Zero(t, h.balance(minerA))
	require.Zero(t, h.balance(carol))
	require.Equal(t, uint64(50), h.balance(minerB))

	// Genesis outputs resolve once the backend forgot them too.
	h.backend.forget(h.genesis.Txs...)
	pay := spend(h.genesis.Txs[0], 1, carol, 10*models.CoinUnit)
	a3 := h.block(a2, 3, minerB, pay)
	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: a3, Height: 3}))
	h.eventually(carol, 10*models.CoinUnit)
	require.Equal(t, 10*models.CoinUnit, h.balance(funder))

	select {
	case err := <-h.fatal:
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestUnresolvedInputIsFatal(t *testing.T) {
	h := newSyncHarness(t)
	h.start()

	unknown := &models.Transaction{
		Type:    models.TxTransfer,
		Outputs: []models.TxOutput{{Address: funder, Amount: 5}},
	}
	unknown.UpdateHash()

	b1 := h.block(h.genesis, 1, testAddr(3), spend(unknown, 0, testAddr(7), 5))
	require.NoError(t, h.backend.ntfn.Send(notifier.NewBestBlock{Block: b1, Height: 1}))

	select {
	case err := <-h.fatal:
		require.ErrorIs(t, err, models.ErrReorgInvariant)
		require.Contains(t, err.Error(), "does not resolve")
	case <-time.After(5 * time.Second):
		t.Fatal("fatal handler not called")
	}
	require.Zero(t, h.balance(testAddr(7)))
	require.Equal(t, 20*models.CoinUnit, h.balance(funder))
}

func TestOriginFallsBackToStore(t *testing.T) {
	h := newSyncHarness(t)
	h.backend.forget(h.genesis.Txs...)

	tx, err := h.syncer.origin(h.genesis.Txs[0].Hash(), nil)
	require.NoError(t, err)
	require.Equal(t, h.genesis.Txs[0].Hash(), tx.Hash())

	tx, err = h.syncer.origin(models.DoubleHash([]byte("unknown")), nil)
	require.NoError(t, err)
	require.Nil(t, tx)
}
