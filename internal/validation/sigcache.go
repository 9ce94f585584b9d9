package validation

import (
	"runtime"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/thanhnp/ledger-core/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultSigCacheSize is the number of verification results kept.
	DefaultSigCacheSize = 100_000

	// DefaultSigCacheTTL is how long a verification result is kept.
	DefaultSigCacheTTL = 10 * time.Minute
)

// SigCheck is one (public key, signature, message hash) tuple.
type SigCheck struct {
	PubKey []byte
	Sig    []byte
	Hash   models.Hash
}

func (c SigCheck) key() string {
	b := make([]byte, 0, len(c.PubKey)+len(c.Sig)+models.HashSize+2)
	b = append(b, byte(len(c.PubKey)))
	b = append(b, c.PubKey...)
	b = append(b, byte(len(c.Sig)))
	b = append(b, c.Sig...)
	b = append(b, c.Hash[:]...)
	return string(b)
}

// SigVerifier verifies ECDSA signatures on a bounded worker pool and
// memoizes the outcome per tuple for a bounded time.
type SigVerifier struct {
	cache   *expirable.LRU[string, bool]
	workers int
}

// NewSigVerifier creates a verifier. Non-positive arguments select the
// defaults.
func NewSigVerifier(size int, ttl time.Duration, workers int) *SigVerifier {
	if size <= 0 {
		size = DefaultSigCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultSigCacheTTL
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &SigVerifier{
		cache:   expirable.NewLRU[string, bool](size, nil, ttl),
		workers: workers,
	}
}

// Verify checks a single tuple, consulting the cache first.
func (v *SigVerifier) Verify(c SigCheck) bool {
	key := c.key()
	if ok, hit := v.cache.Get(key); hit {
		return ok
	}
	ok := verifySignature(c)
	v.cache.Add(key, ok)
	return ok
}

// VerifyBatch checks all tuples in parallel and returns the results in
// input order. It returns only after every worker finished.
func (v *SigVerifier) VerifyBatch(checks []SigCheck) []bool {
	results := make([]bool, len(checks))

	var g errgroup.Group
	g.SetLimit(v.workers)
	for i := range checks {
		i := i
		g.Go(func() error {
			results[i] = v.Verify(checks[i])
			return nil
		})
	}
	// Workers never fail.
	_ = g.Wait()

	return results
}

// Len returns the number of cached results.
func (v *SigVerifier) Len() int {
	return v.cache.Len()
}

func verifySignature(c SigCheck) bool {
	pub, err := btcec.ParsePubKey(c.PubKey)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(c.Sig)
	if err != nil {
		return false
	}
	return sig.Verify(c.Hash[:], pub)
}

// SignerAddress returns the address of a serialized public key. Keys are
// normalized to their compressed form first.
func SignerAddress(pubKey []byte) (models.Address, error) {
	pub, err := btcec.ParsePubKey(pubKey)
	if err != nil {
		return "", err
	}
	return models.AddressFromPubKey(pub.SerializeCompressed()), nil
}

// Sign signs hash with key and returns the signature pair carried by
// transactions.
func Sign(hash models.Hash, key *btcec.PrivateKey) models.Signature {
	return models.Signature{
		PubKey: key.PubKey().SerializeCompressed(),
		Sig:    ecdsa.Sign(key, hash[:]).Serialize(),
	}
}

// SignTx appends one signature per key over the transaction hash.
func SignTx(tx *models.Transaction, keys ...*btcec.PrivateKey) {
	hash := tx.Hash()
	for _, k := range keys {
		tx.Signatures = append(tx.Signatures, Sign(hash, k))
	}
}

// KeyAddress returns the address owned by key.
func KeyAddress(key *btcec.PrivateKey) models.Address {
	return models.AddressFromPubKey(key.PubKey().SerializeCompressed())
}
