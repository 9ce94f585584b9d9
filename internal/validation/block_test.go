package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thanhnp/ledger-core/internal/models"
)

func (f *fixture) powReward(amount uint64, blockTime uint32) *models.Transaction {
	tx := &models.Transaction{
		Version:  1,
		Type:     models.TxPowReward,
		Time:     blockTime,
		Deadline: blockTime + f.params.RewardWindow,
		Outputs:  []models.TxOutput{{Address: KeyAddress(testKey(30)), Amount: amount}},
	}
	tx.UpdateHash()
	return tx
}

func (f *fixture) block(txs ...*models.Transaction) *models.Block {
	return models.NewBlock(1, f.view.tip, testTime+10, 0x207fffff, 0,
		models.FlagPowSHA256d, txs)
}

func TestCheckBlockTransactions(t *testing.T) {
	f := newFixture(t)
	height := f.view.height + 1
	transfer := f.transfer(1000, KeyAddress(testKey(2)))

	reward := f.params.Reward(height) + transfer.Fee()
	b := f.block(f.powReward(reward, testTime+10), transfer)

	overlay, err := f.v.CheckBlockTransactions(b, f.view)
	require.NoError(t, err)
	require.Equal(t, b.Hash(), overlay.TipHash())
	require.Equal(t, height, overlay.TipHeight())
	require.Len(t, overlay.Transactions(), 2)

	got, err := overlay.LookupTx(transfer.Hash())
	require.NoError(t, err)
	require.Equal(t, height, got.UnwrapOrFail(t).Height.UnwrapOrFail(t))

	used, err := overlay.IsOutputUsed(transfer.Inputs[0].Outpoint())
	require.NoError(t, err)
	require.True(t, used)
}

func TestCheckBlockRewardBound(t *testing.T) {
	f := newFixture(t)
	height := f.view.height + 1
	transfer := f.transfer(1000, KeyAddress(testKey(2)))

	b := f.block(f.powReward(f.params.Reward(height)+transfer.Fee()+1, testTime+10), transfer)
	_, err := f.v.CheckBlockTransactions(b, f.view)
	requireRule(t, err, models.RejectBadReward)

	// The reward must sit at index 0.
	b = f.block(transfer, f.powReward(1, testTime+10))
	_, err = f.v.CheckBlockTransactions(b, f.view)
	requireRule(t, err, models.RejectBadProofTx)

	// Its time must be the block time.
	b = f.block(f.powReward(1, testTime+9))
	_, err = f.v.CheckBlockTransactions(b, f.view)
	requireRule(t, err, models.RejectBadReward)
}

func TestCheckBlockDoubleSpend(t *testing.T) {
	f := newFixture(t)
	in := f.input()
	a := buildTx(models.TxTransfer, []models.TxInput{in},
		[]models.TxOutput{{Address: KeyAddress(testKey(2)), Amount: 10}}, nil, f.funder)
	c := buildTx(models.TxTransfer, []models.TxInput{in},
		[]models.TxOutput{{Address: KeyAddress(testKey(3)), Amount: 10}}, nil, f.funder)

	b := f.block(f.powReward(1, testTime+10), a, c)
	_, err := f.v.CheckBlockTransactions(b, f.view)
	rerr := requireRule(t, err, models.RejectAlreadyUsed)
	require.Contains(t, rerr.Description, "tx 2")
	require.Contains(t, rerr.Description, "already used")
}

func TestCheckBlockBadSignature(t *testing.T) {
	f := newFixture(t)
	tx := f.transfer(1000, KeyAddress(testKey(2)))
	tx.Signatures[0].Sig[len(tx.Signatures[0].Sig)-1] ^= 1

	b := f.block(f.powReward(1, testTime+10), tx)
	_, err := f.v.CheckBlockTransactions(b, f.view)
	requireRule(t, err, models.RejectBadSignature)
}

func (f *fixture) contractPair(contract models.Address) (*models.Transaction, *models.Transaction) {
	call := &models.ContractStart{Contract: contract, Payload: []byte("call")}
	start := buildTx(models.TxContractStart, []models.TxInput{f.input()},
		[]models.TxOutput{{Address: contract, Amount: 5000}}, call.Encode(), f.funder)

	fin := &models.ContractFinish{StartHash: start.Hash(), Status: models.ContractSucceeded}
	finish := &models.Transaction{
		Version:     1,
		Type:        models.TxContractFinish,
		Time:        testTime,
		Deadline:    testTime + 3600,
		MessageType: models.MsgByte,
		Message:     fin.Encode(),
	}
	finish.UpdateHash()
	return start, finish
}

func TestCheckBlockContractPairing(t *testing.T) {
	contract := KeyAddress(testKey(40))

	t.Run("paired", func(t *testing.T) {
		f := newFixture(t)
		start, finish := f.contractPair(contract)
		b := f.block(f.powReward(1, testTime+10), start, finish)
		_, err := f.v.CheckBlockTransactions(b, f.view)
		require.NoError(t, err)
	})

	t.Run("start without finish", func(t *testing.T) {
		f := newFixture(t)
		start, _ := f.contractPair(contract)
		b := f.block(f.powReward(1, testTime+10), start)
		_, err := f.v.CheckBlockTransactions(b, f.view)
		requireRule(t, err, models.RejectBadContract)
	})

	t.Run("finish before start", func(t *testing.T) {
		f := newFixture(t)
		start, finish := f.contractPair(contract)
		b := f.block(f.powReward(1, testTime+10), finish, start)
		_, err := f.v.CheckBlockTransactions(b, f.view)
		requireRule(t, err, models.RejectBadContract)
	})

	t.Run("finish outside block", func(t *testing.T) {
		f := newFixture(t)
		_, finish := f.contractPair(contract)
		err := f.v.CheckTransaction(finish, f.view, f.unconfirmed())
		requireRule(t, err, models.RejectBadContract)
	})
}

func TestBlockFees(t *testing.T) {
	f := newFixture(t)
	a := f.transfer(1000, KeyAddress(testKey(2)))
	c := f.transfer(2000, KeyAddress(testKey(3)))

	fees, err := BlockFees(f.block(f.powReward(1, testTime+10), a, c))
	require.NoError(t, err)
	require.Equal(t, a.Fee()+c.Fee(), fees)
}
