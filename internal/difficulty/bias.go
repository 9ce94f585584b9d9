package difficulty

import (
	"math"

	"github.com/thanhnp/ledger-core/internal/models"
)

// Bias returns the normalization factor applied to the score of a block of
// kind built on prev. The base kind, and every kind on chains without the
// base kind, have bias 1.
//
// The bias of a child of prev follows the bias recorded for a child of
// prev's parent: the raw ratio log2(kindTarget)/log2(baseTarget) at prev is
// clamped to within BiasStep of it, then to [MinBias, MaxBias]. The series
// starts at genesis from the range-clamped raw ratio.
func (o *Oracle) Bias(prev models.Hash, kind models.Flag) (float64, error) {
	if !o.biased(kind) {
		return 1, nil
	}

	key := cacheKey{prev: prev, kind: kind}
	if b, ok := o.biases.Get(key); ok {
		return b, nil
	}

	// Walk back to the nearest block whose child bias is known, either
	// memoized or recorded with a persisted header.
	var (
		pending []models.Hash
		b       float64
		known   bool
		at      = prev
	)
	for {
		if cached, ok := o.biases.Get(cacheKey{prev: at, kind: kind}); ok {
			b, known = cached, true
			break
		}
		info, err := o.mustInfo(at)
		if err != nil {
			return 0, err
		}
		if recorded, ok := info.Biases[kind]; ok {
			b, known = recorded, true
			o.biases.Add(cacheKey{prev: at, kind: kind}, b)
			break
		}
		pending = append(pending, at)
		if info.Height == 0 {
			break
		}
		at = info.Prev
	}

	p := o.params
	for i := len(pending) - 1; i >= 0; i-- {
		raw, err := o.rawBias(pending[i], kind)
		if err != nil {
			return 0, err
		}
		if known {
			b = stepBias(b, raw, p.MinBias, p.MaxBias, p.BiasStep)
		} else {
			b, known = clamp(raw, p.MinBias, p.MaxBias), true
		}
		o.biases.Add(cacheKey{prev: pending[i], kind: kind}, b)
	}
	return b, nil
}

// ChildBiases returns the bias of a child of hash for every biased kind.
// They are recorded with persisted headers so later walks stop there.
func (o *Oracle) ChildBiases(hash models.Hash) (map[models.Flag]float64, error) {
	var out map[models.Flag]float64
	for _, kind := range o.params.Kinds() {
		if !o.biased(kind) {
			continue
		}
		b, err := o.Bias(hash, kind)
		if err != nil {
			return nil, err
		}
		if out == nil {
			out = make(map[models.Flag]float64)
		}
		out[kind] = b
	}
	return out, nil
}

func (o *Oracle) biased(kind models.Flag) bool {
	base := o.params.BaseBiasKind
	return kind != base && kind != models.FlagGenesis && o.params.Enabled(base)
}

func (o *Oracle) rawBias(at models.Hash, kind models.Flag) (float64, error) {
	_, kindTarget, err := o.Target(at, kind)
	if err != nil {
		return 0, err
	}
	_, baseTarget, err := o.Target(at, o.params.BaseBiasKind)
	if err != nil {
		return 0, err
	}
	den := log2Big(baseTarget)
	if den == 0 {
		return 1, nil
	}
	return log2Big(kindTarget) / den, nil
}

// stepBias moves prev toward raw by at most step, within [lo, hi].
func stepBias(prev, raw, lo, hi, step float64) float64 {
	return clamp(clamp(raw, prev*(1-step), prev*(1+step)), lo, hi)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
