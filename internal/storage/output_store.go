package storage

import (
	"github.com/thanhnp/ledger-core/internal/models"
)

// OutputStore tracks which outputs of persisted transactions are used.
type OutputStore struct {
	db *PebbleDB
}

// NewOutputStore creates a new OutputStore
func NewOutputStore(db *PebbleDB) *OutputStore {
	return &OutputStore{db: db}
}

// outputKey creates a key for the used_outputs column family
func outputKey(op models.Outpoint) []byte {
	key := make([]byte, 0, models.HashSize+1)
	key = append(key, op.Hash[:]...)
	return append(key, op.Index)
}

// MarkUsedBatch marks an output as used
func (s *OutputStore) MarkUsedBatch(batch *WriteBatch, op models.Outpoint) error {
	return s.db.PutBatch(batch, CFUsedOutputs, outputKey(op), []byte{1})
}

// MarkUnusedBatch marks an output as unused again
func (s *OutputStore) MarkUnusedBatch(batch *WriteBatch, op models.Outpoint) error {
	return s.db.DeleteBatch(batch, CFUsedOutputs, outputKey(op))
}

// IsUsed reports whether the output is marked used.
func (s *OutputStore) IsUsed(op models.Outpoint) (bool, error) {
	data, err := s.db.Get(CFUsedOutputs, outputKey(op))
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// UsedIndexes returns the used output indexes of a transaction in
// ascending order.
func (s *OutputStore) UsedIndexes(hash models.Hash) ([]uint8, error) {
	iter, err := s.db.NewPrefixIterator(CFUsedOutputs, hash[:])
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var indexes []uint8
	for ; iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != models.HashSize+1 {
			continue
		}
		indexes = append(indexes, key[models.HashSize])
	}
	return indexes, nil
}
