package models

import "math"

// Reward returns the issuance of the block at height in base units. Issuance
// follows the Gompertz curve K*b^(e^(-c*t)) with t in years; the block reward
// is the difference between two adjacent heights, rounded half to even.
func (p *Params) Reward(height uint32) uint64 {
	if height == 0 {
		return 0
	}
	k := float64(p.TotalSupply) * float64(CoinUnit)
	y := p.BlocksPerYear()
	at := func(h float64) float64 {
		return k * math.Pow(p.GompertzB, math.Exp(-p.GompertzC*h/y))
	}
	d := at(float64(height)) - at(float64(height-1))
	if d <= 0 {
		return 0
	}
	return uint64(math.RoundToEven(d))
}
