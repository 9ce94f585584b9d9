package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
)

// TxStore handles transaction storage operations
type TxStore struct {
	db *PebbleDB
}

// NewTxStore creates a new TxStore
func NewTxStore(db *PebbleDB) *TxStore {
	return &TxStore{db: db}
}

// txKey creates a key for the transactions column family
func txKey(hash models.Hash) []byte {
	return append([]byte(nil), hash[:]...)
}

// SaveBatch adds a transaction confirmed at height to the batch.
func (s *TxStore) SaveBatch(batch *WriteBatch, tx *models.Transaction, height uint32) error {
	raw, err := tx.Serialize()
	if err != nil {
		return fmt.Errorf("failed to encode transaction: %w", err)
	}
	data := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(raw)), height)
	data = append(data, raw...)
	return s.db.PutBatch(batch, CFTransactions, txKey(tx.Hash()), data)
}

// Get retrieves a confirmed transaction by its hash. The returned
// transaction carries its confirmation height.
func (s *TxStore) Get(hash models.Hash) (fn.Option[*models.Transaction], error) {
	data, err := s.db.Get(CFTransactions, txKey(hash))
	if err != nil || data == nil {
		return fn.None[*models.Transaction](), err
	}
	if len(data) < 4 {
		return fn.None[*models.Transaction](), fmt.Errorf(
			"%w: transaction record of %d bytes", models.ErrMalformedEncoding, len(data))
	}

	tx, err := models.DeserializeTransaction(data[4:])
	if err != nil {
		return fn.None[*models.Transaction](), fmt.Errorf(
			"failed to decode transaction %v: %w", hash, err)
	}
	tx.Height = fn.Some(binary.LittleEndian.Uint32(data))
	return fn.Some(tx), nil
}
