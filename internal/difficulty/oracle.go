package difficulty

import (
	"fmt"
	"math"
	"math/big"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
)

// DefaultCacheSize bounds each memo. It comfortably covers every
// (block, kind) pair of the in-memory window.
const DefaultCacheSize = 8192

// HeaderSource resolves block hashes to header info along any chain the
// oracle is asked about, including blocks already flushed to the store.
type HeaderSource interface {
	HeaderInfo(hash models.Hash) (fn.Option[models.HeaderInfo], error)
}

type cacheKey struct {
	prev models.Hash
	kind models.Flag
}

type targetEntry struct {
	bits   uint32
	target *big.Int
}

type sample struct {
	time   uint32
	target *big.Int
}

// Oracle computes the required target and the bias of a block from its
// parent's history. Results are pure functions of (prev, kind) and are
// memoized in bounded caches owned by the oracle.
type Oracle struct {
	params *models.Params
	src    HeaderSource

	targets *lru.Cache[cacheKey, targetEntry]
	biases  *lru.Cache[cacheKey, float64]
}

// New returns an oracle reading history from src.
func New(params *models.Params, src HeaderSource, cacheSize int) (*Oracle, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	targets, err := lru.New[cacheKey, targetEntry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create target cache: %w", err)
	}
	biases, err := lru.New[cacheKey, float64](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias cache: %w", err)
	}
	return &Oracle{
		params:  params,
		src:     src,
		targets: targets,
		biases:  biases,
	}, nil
}

// WindowSize returns the LWMA window N for target solve time t.
func WindowSize(t float64) int {
	n := int(math.Floor(45 * math.Pow(600/t, 0.3)))
	if n < 1 {
		n = 1
	}
	return n
}

// Normalization returns the LWMA constant K for window n and solve time t.
func Normalization(n int, t float64) int64 {
	return int64(math.Floor(float64(n+1) / 2 * math.Pow(0.9989, 500/float64(n)) * t))
}

// Target returns the compact and expanded target a block of kind must carry
// on top of prev.
func (o *Oracle) Target(prev models.Hash, kind models.Flag) (uint32, *big.Int, error) {
	key := cacheKey{prev: prev, kind: kind}
	if e, ok := o.targets.Get(key); ok {
		return e.bits, new(big.Int).Set(e.target), nil
	}

	e, err := o.calcTarget(prev, kind)
	if err != nil {
		return 0, nil, err
	}
	o.targets.Add(key, e)
	return e.bits, new(big.Int).Set(e.target), nil
}

func (o *Oracle) calcTarget(prev models.Hash, kind models.Flag) (targetEntry, error) {
	limit := o.params.PowLimit(kind)
	limitEntry := targetEntry{bits: TargetToBits(limit), target: BitsToTarget(TargetToBits(limit))}

	t := o.params.TargetSolveTime(kind)
	if t <= 0 {
		return limitEntry, nil
	}
	n := WindowSize(t)
	k := Normalization(n, t)

	samples, err := o.collect(prev, kind, n+1)
	if err != nil {
		return targetEntry{}, err
	}
	if len(samples) < 2 {
		return limitEntry, nil
	}
	if len(samples)-1 < n {
		n = len(samples) - 1
		k = Normalization(n, t)
	}
	if k <= 0 {
		return limitEntry, nil
	}

	// samples run newest first; index i counts from the oldest.
	at := func(i int) sample { return samples[n-i] }

	var weighted int64
	sumTargets := new(big.Int)
	for i := 1; i <= n; i++ {
		solve := int64(at(i).time) - int64(at(i-1).time)
		weighted += solve * int64(i)
		sumTargets.Add(sumTargets, at(i).target)
	}
	if floor := int64(n) * k / 3; weighted < floor {
		weighted = floor
	}

	next := new(big.Int).Mul(big.NewInt(weighted), sumTargets)
	next.Quo(next, new(big.Int).Mul(big.NewInt(k), big.NewInt(int64(n)*int64(n))))
	if next.Cmp(limit) > 0 {
		next.Set(limit)
	}
	if next.Sign() <= 0 {
		next.SetInt64(1)
	}

	bits := TargetToBits(next)
	log.Tracef("target for %v on %v: n=%d bits=%08x", kind, prev, n, bits)
	return targetEntry{bits: bits, target: BitsToTarget(bits)}, nil
}

// collect walks back from prev gathering up to want samples of kind, newest
// first. The walk ends at genesis, at the lookback cap or where history is
// no longer available.
func (o *Oracle) collect(prev models.Hash, kind models.Flag, want int) ([]sample, error) {
	info, err := o.mustInfo(prev)
	if err != nil {
		return nil, err
	}

	samples := make([]sample, 0, want)
	for visited := 0; visited < o.params.DifficultyLookback; visited++ {
		if info.Flag == kind {
			samples = append(samples, sample{
				time:   info.Time,
				target: BitsToTarget(info.Bits),
			})
			if len(samples) == want {
				break
			}
		}
		if info.Height == 0 {
			break
		}
		next, err := o.src.HeaderInfo(info.Prev)
		if err != nil {
			return nil, err
		}
		if next.IsNone() {
			break
		}
		info = next.UnwrapOr(models.HeaderInfo{})
	}
	return samples, nil
}

func (o *Oracle) mustInfo(hash models.Hash) (models.HeaderInfo, error) {
	info, err := o.src.HeaderInfo(hash)
	if err != nil {
		return models.HeaderInfo{}, err
	}
	return info.UnwrapOrErr(fmt.Errorf("unknown block %v", hash))
}
