package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
)

// validatorSetKey is the single key of the validators column family.
var validatorSetKey = []byte("current")

// RegistryStore holds the confirmed coin records and validator set.
type RegistryStore struct {
	db *PebbleDB
}

// NewRegistryStore creates a new RegistryStore
func NewRegistryStore(db *PebbleDB) *RegistryStore {
	return &RegistryStore{db: db}
}

// coinKey creates a key for the coins column family
func coinKey(coinID uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, coinID)
}

// read goes through the batch when one is given.
func (s *RegistryStore) read(batch *WriteBatch, cf string, key []byte) ([]byte, error) {
	if batch != nil {
		return s.db.GetBatch(batch, cf, key)
	}
	return s.db.Get(cf, key)
}

func (s *RegistryStore) latestCoin(batch *WriteBatch, coinID uint32) (fn.Option[*models.CoinRecord], error) {
	data, err := s.read(batch, CFCoins, coinKey(coinID))
	if err != nil || data == nil {
		return fn.None[*models.CoinRecord](), err
	}
	var rec models.CoinRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fn.None[*models.CoinRecord](), fmt.Errorf("failed to unmarshal coin: %w", err)
	}
	return fn.Some(&rec), nil
}

// LatestCoin returns the newest record of a coin.
func (s *RegistryStore) LatestCoin(coinID uint32) (fn.Option[*models.CoinRecord], error) {
	return s.latestCoin(nil, coinID)
}

// SaveCoinBatch replaces the record of a coin.
func (s *RegistryStore) SaveCoinBatch(batch *WriteBatch, rec *models.CoinRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal coin: %w", err)
	}
	return s.db.PutBatch(batch, CFCoins, coinKey(rec.CoinID), data)
}

func (s *RegistryStore) validators(batch *WriteBatch) (*models.ValidatorSet, error) {
	data, err := s.read(batch, CFValidators, validatorSetKey)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return models.NewValidatorSet(nil, 0), nil
	}
	var set models.ValidatorSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to unmarshal validator set: %w", err)
	}
	return &set, nil
}

// Validators returns the validator set in force at the persisted root.
func (s *RegistryStore) Validators() (*models.ValidatorSet, error) {
	return s.validators(nil)
}

// SaveValidatorsBatch replaces the validator set.
func (s *RegistryStore) SaveValidatorsBatch(batch *WriteBatch, set *models.ValidatorSet) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to marshal validator set: %w", err)
	}
	return s.db.PutBatch(batch, CFValidators, validatorSetKey, data)
}
