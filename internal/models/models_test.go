package models

import (
	"math"
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

func someHeight(h uint32) fn.Option[uint32] {
	return fn.Some(h)
}

func TestDefaultParamsValid(t *testing.T) {
	p := DefaultParams()
	require.NoError(t, p.Validate())
	require.Equal(t, []Flag{FlagCoinStake, FlagPowSHA256d}, p.Kinds())
	require.Equal(t, 120.0, p.TargetSolveTime(FlagPowSHA256d))
	require.Equal(t, 525600.0, p.BlocksPerYear())
	require.Equal(t, uint32(2000), p.MatureHeightFor(FlagFundLockStake))
	require.Equal(t, uint32(20), p.MatureHeightFor(FlagCoinStake))
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"shares", func(p *Params) { p.Shares[FlagPowSHA256d] = 40 }},
		{"genesis kind", func(p *Params) { p.Shares = map[Flag]uint32{FlagGenesis: 100} }},
		{"no limit", func(p *Params) { delete(p.PowLimitBits, FlagCoinStake) }},
		{"bias", func(p *Params) { p.MinBias = 1.5 }},
		{"window", func(p *Params) { p.WindowSize = 0 }},
		{"validators", func(p *Params) {
			p.Validators = []Address{testAddr}
			p.ValidatorRequire = 2
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p := DefaultParams()
			test.mutate(p)
			require.Error(t, p.Validate())
		})
	}
}

func TestReward(t *testing.T) {
	p := DefaultParams()
	require.Zero(t, p.Reward(0))

	first := p.Reward(1)
	require.Greater(t, first, uint64(0))
	// Issuance rate decays after the inflection point, which for b=0.4
	// lies before t=0.
	require.GreaterOrEqual(t, first, p.Reward(100000))

	// The sum of rewards telescopes to the curve.
	k := float64(p.TotalSupply) * float64(CoinUnit)
	y := p.BlocksPerYear()
	curve := func(h float64) float64 {
		return k * math.Pow(p.GompertzB, math.Exp(-p.GompertzC*h/y))
	}
	var sum uint64
	for h := uint32(1); h <= 1000; h++ {
		sum += p.Reward(h)
	}
	want := curve(1000) - curve(0)
	require.InDelta(t, want, float64(sum), 1000)

	// Deterministic for identical inputs.
	require.Equal(t, p.Reward(777), p.Reward(777))
}

func TestFlagHelpers(t *testing.T) {
	f, err := ParseFlag("pow_blake3")
	require.NoError(t, err)
	require.Equal(t, FlagPowBlake3, f)
	require.True(t, f.IsProofOfWork())

	_, err = ParseFlag("pow_x11")
	require.Error(t, err)

	rt, ok := FlagFundLockStake.RewardType()
	require.True(t, ok)
	require.Equal(t, TxPosReward, rt)

	_, ok = FlagGenesis.RewardType()
	require.False(t, ok)
	require.False(t, TxType(99).Valid())
}

func TestRuleError(t *testing.T) {
	err := error(NewRuleError(RejectAlreadyUsed, "output %d already used", 2))
	rerr, ok := IsRuleError(err)
	require.True(t, ok)
	require.Equal(t, RejectAlreadyUsed, rerr.Code)
	require.Equal(t, "output 2 already used", err.Error())
	require.Equal(t, "RejectAlreadyUsed", rerr.Code.String())
}

func TestAddress(t *testing.T) {
	a := AddressFromPubKey([]byte{2, 1, 2, 3})
	require.NoError(t, a.Validate())
	require.Error(t, Address("AB").Validate())
	require.Error(t, Address(string(a[:39])+"G").Validate())
}

func TestValidatorSetApply(t *testing.T) {
	v1 := AddressFromPubKey([]byte{1})
	v2 := AddressFromPubKey([]byte{2})
	set := NewValidatorSet([]Address{v1}, 1)

	next, err := set.Apply(&ValidatorEdit{Version: 1, Address: v2, Add: true, Require: 2})
	require.NoError(t, err)
	require.True(t, next.Contains(v2))
	require.False(t, set.Contains(v2))
	require.Equal(t, 2, next.Count([]Address{v1, v2, v2, testAddr}))

	_, err = next.Apply(&ValidatorEdit{Version: 1, Address: v2, Require: 1})
	require.Error(t, err, "stale version")
	_, err = next.Apply(&ValidatorEdit{Version: 2, Address: v2, Add: true, Require: 1})
	require.Error(t, err, "duplicate add")
	_, err = next.Apply(&ValidatorEdit{Version: 2, Address: v1, Require: 2})
	require.Error(t, err, "require above set size")

	last, err := next.Apply(&ValidatorEdit{Version: 2, Address: v1, Require: 1})
	require.NoError(t, err)
	require.Equal(t, []Address{v2}, last.Validators)
}

func TestMessageCodecs(t *testing.T) {
	rec := &MintRecord{CoinID: 3, Version: 0, Name: "gold", Owner: testAddr,
		Amount: 10, Settings: MintSettings{AdditionalIssue: true}}
	got, err := ParseMintRecord(rec.Encode())
	require.NoError(t, err)
	require.Equal(t, rec, got)

	_, err = ParseMintRecord([]byte(`{"coin_id":1,"owner":"x"}`))
	require.Error(t, err)

	start := &ContractStart{Contract: testAddr, Payload: []byte("call")}
	cs, err := ParseContractStart(start.Encode())
	require.NoError(t, err)
	require.Equal(t, start, cs)

	finish := &ContractFinish{StartHash: DoubleHash([]byte("s")), Status: ContractSucceeded,
		Diff: []byte("diff")}
	cf, err := ParseContractFinish(finish.Encode())
	require.NoError(t, err)
	require.Equal(t, finish, cf)

	_, err = ParseContractFinish(append(finish.StartHash[:], 9))
	require.Error(t, err)
}
