package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/thanhnp/ledger-core/internal/models"
)

// Movement is one balance change of an address caused by a transaction.
type Movement struct {
	Address models.Address `json:"address"`
	CoinID  uint32         `json:"coin_id"`
	Amount  uint64         `json:"amount"`
	Debit   bool           `json:"debit"`
}

// ledgerEntry is what the ledger keeps per applied transaction.
type ledgerEntry struct {
	Height    uint32     `json:"height"`
	Movements []Movement `json:"movements"`
}

// AddressStore is the account ledger: the movements applied per confirmed
// transaction and the resulting balance per (address, coin).
type AddressStore struct {
	db *PebbleDB
}

// NewAddressStore creates a new AddressStore
func NewAddressStore(db *PebbleDB) *AddressStore {
	return &AddressStore{db: db}
}

// balanceKey creates a key for the balances column family
func balanceKey(addr models.Address, coinID uint32) []byte {
	key := make([]byte, 0, models.AddressLen+4)
	key = append(key, addr...)
	return binary.BigEndian.AppendUint32(key, coinID)
}

func (s *AddressStore) balance(batch *WriteBatch, addr models.Address, coinID uint32) (uint64, error) {
	data, err := s.db.GetBatch(batch, CFBalances, balanceKey(addr, coinID))
	if err != nil || data == nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: balance of %d bytes", models.ErrMalformedEncoding, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Balance returns the confirmed balance of addr in coin.
func (s *AddressStore) Balance(addr models.Address, coinID uint32) (uint64, error) {
	data, err := s.db.Get(CFBalances, balanceKey(addr, coinID))
	if err != nil || data == nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: balance of %d bytes", models.ErrMalformedEncoding, len(data))
	}
	return binary.LittleEndian.Uint64(data), nil
}

// Applied reports whether the movements of a transaction are recorded.
func (s *AddressStore) Applied(txHash models.Hash) (bool, error) {
	data, err := s.db.Get(CFLedger, txKey(txHash))
	if err != nil {
		return false, err
	}
	return data != nil, nil
}

// Apply records the movements of a confirmed transaction. Applying the same
// transaction twice is a no-op.
func (s *AddressStore) Apply(txHash models.Hash, height uint32, movements []Movement) error {
	batch := s.db.NewIndexedBatch()
	defer batch.Destroy()

	existing, err := s.db.GetBatch(batch, CFLedger, txKey(txHash))
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	if err := s.move(batch, movements, false); err != nil {
		return fmt.Errorf("apply %v: %w", txHash, err)
	}
	data, err := json.Marshal(ledgerEntry{Height: height, Movements: movements})
	if err != nil {
		return fmt.Errorf("failed to marshal ledger entry: %w", err)
	}
	if err := s.db.PutBatch(batch, CFLedger, txKey(txHash), data); err != nil {
		return err
	}
	return s.db.WriteBatch(batch)
}

// Revert undoes the movements of a transaction that left the best chain.
// Reverting an unknown transaction is a no-op.
func (s *AddressStore) Revert(txHash models.Hash) error {
	batch := s.db.NewIndexedBatch()
	defer batch.Destroy()

	data, err := s.db.GetBatch(batch, CFLedger, txKey(txHash))
	if err != nil || data == nil {
		return err
	}
	var entry ledgerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal ledger entry: %w", err)
	}

	if err := s.move(batch, entry.Movements, true); err != nil {
		return fmt.Errorf("revert %v: %w", txHash, err)
	}
	if err := s.db.DeleteBatch(batch, CFLedger, txKey(txHash)); err != nil {
		return err
	}
	return s.db.WriteBatch(batch)
}

func (s *AddressStore) move(batch *WriteBatch, movements []Movement, invert bool) error {
	for _, m := range movements {
		bal, err := s.balance(batch, m.Address, m.CoinID)
		if err != nil {
			return err
		}
		if m.Debit != invert {
			if bal < m.Amount {
				return fmt.Errorf("%w: balance of %s in coin %d below %d",
					models.ErrReorgInvariant, m.Address, m.CoinID, m.Amount)
			}
			bal -= m.Amount
		} else {
			bal += m.Amount
		}

		key := balanceKey(m.Address, m.CoinID)
		if bal == 0 {
			err = s.db.DeleteBatch(batch, CFBalances, key)
		} else {
			err = s.db.PutBatch(batch, CFBalances, key, binary.LittleEndian.AppendUint64(nil, bal))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RevertAbove undoes every transaction applied at a height above height, as
// one batch. It returns the number of reverted transactions.
func (s *AddressStore) RevertAbove(height uint32) (int, error) {
	iter, err := s.db.NewPrefixIterator(CFLedger, nil)
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	type delta struct {
		addr        models.Address
		coinID      uint32
		plus, minus uint64
	}
	deltas := make(map[string]*delta)
	var reverted [][]byte
	for ; iter.Valid(); iter.Next() {
		var entry ledgerEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return 0, fmt.Errorf("failed to unmarshal ledger entry: %w", err)
		}
		if entry.Height <= height {
			continue
		}
		reverted = append(reverted, append([]byte(nil), iter.Key()...))
		for _, m := range entry.Movements {
			key := string(balanceKey(m.Address, m.CoinID))
			d, ok := deltas[key]
			if !ok {
				d = &delta{addr: m.Address, coinID: m.CoinID}
				deltas[key] = d
			}
			// Reverting a debit gives the amount back.
			if m.Debit {
				d.plus += m.Amount
			} else {
				d.minus += m.Amount
			}
		}
	}
	if len(reverted) == 0 {
		return 0, nil
	}

	batch := s.db.NewIndexedBatch()
	defer batch.Destroy()

	for _, d := range deltas {
		bal, err := s.balance(batch, d.addr, d.coinID)
		if err != nil {
			return 0, err
		}
		if bal+d.plus < d.minus {
			return 0, fmt.Errorf("%w: balance of %s in coin %d below %d",
				models.ErrReorgInvariant, d.addr, d.coinID, d.minus-d.plus)
		}
		bal = bal + d.plus - d.minus

		key := balanceKey(d.addr, d.coinID)
		if bal == 0 {
			err = s.db.DeleteBatch(batch, CFBalances, key)
		} else {
			err = s.db.PutBatch(batch, CFBalances, key, binary.LittleEndian.AppendUint64(nil, bal))
		}
		if err != nil {
			return 0, err
		}
	}
	for _, key := range reverted {
		if err := s.db.DeleteBatch(batch, CFLedger, key); err != nil {
			return 0, err
		}
	}
	if err := s.db.WriteBatch(batch); err != nil {
		return 0, err
	}
	return len(reverted), nil
}
