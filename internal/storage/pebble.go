package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/thanhnp/ledger-core/internal/models"
)

// Key prefixes (simulating column families)
const (
	PrefixBlocks         = "blk:"
	PrefixBlocksByHeight = "bht:"
	PrefixHeaders        = "hdr:"
	PrefixTransactions   = "txn:"
	PrefixUsedOutputs    = "use:"
	PrefixCoins          = "coi:"
	PrefixValidators     = "val:"
	PrefixLedger         = "ldg:"
	PrefixBalances       = "bal:"
	PrefixSyncState      = "syn:"
)

// Column family names
const (
	CFBlocks         = "blocks"
	CFBlocksByHeight = "blocks_by_height"
	CFHeaders        = "headers"
	CFTransactions   = "transactions"
	CFUsedOutputs    = "used_outputs"
	CFCoins          = "coins"
	CFValidators     = "validators"
	CFLedger         = "ledger"
	CFBalances       = "balances"
	CFSyncState      = "sync_state"
)

// Column family name to prefix mapping
var cfPrefixes = map[string]string{
	CFBlocks:         PrefixBlocks,
	CFBlocksByHeight: PrefixBlocksByHeight,
	CFHeaders:        PrefixHeaders,
	CFTransactions:   PrefixTransactions,
	CFUsedOutputs:    PrefixUsedOutputs,
	CFCoins:          PrefixCoins,
	CFValidators:     PrefixValidators,
	CFLedger:         PrefixLedger,
	CFBalances:       PrefixBalances,
	CFSyncState:      PrefixSyncState,
}

// PebbleDB wraps the Pebble database. Every I/O failure it returns wraps
// models.ErrStoreUnavailable.
type PebbleDB struct {
	db     *pebble.DB
	noSync bool // When true, uses NoSync for faster writes
}

// WriteBatch wraps Pebble's batch for atomic writes. Indexed batches can
// also read their own pending writes.
type WriteBatch struct {
	batch *pebble.Batch
	db    *PebbleDB
}

// Iterator wraps Pebble's iterator
type Iterator struct {
	iter     *pebble.Iterator
	prefix   []byte // full prefix (cf + user prefix) for bounds checking
	cfPrefix []byte // just the column family prefix (to strip from keys)
}

// Options tunes the database.
type Options struct {
	CacheSize    int64
	MaxOpenFiles int
	NoSync       bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{CacheSize: 64 << 20, MaxOpenFiles: 500}
}

// NewPebbleDB opens (or creates) the database at path.
func NewPebbleDB(path string, o Options) (*PebbleDB, error) {
	// Ensure directory exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return open(path, o, nil)
}

// NewMemPebbleDB opens a database held entirely in memory.
func NewMemPebbleDB() (*PebbleDB, error) {
	return open("", DefaultOptions(), vfs.NewMem())
}

func open(path string, o Options, fs vfs.FS) (*PebbleDB, error) {
	cache := pebble.NewCache(o.CacheSize)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: o.MaxOpenFiles,
		FS:           fs,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, storeErr("open database", err)
	}

	return &PebbleDB{db: db, noSync: o.NoSync}, nil
}

// storeErr wraps an I/O failure.
func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStoreUnavailable, op, err)
}

// Close closes the database
func (p *PebbleDB) Close() error {
	if err := p.db.Close(); err != nil {
		return storeErr("close", err)
	}
	return nil
}

// Sync forces a sync to disk.
func (p *PebbleDB) Sync() error {
	if err := p.db.Flush(); err != nil {
		return storeErr("sync", err)
	}
	return nil
}

// writeOptions returns the appropriate write options based on sync mode
func (p *PebbleDB) writeOptions() *pebble.WriteOptions {
	if p.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

// prefixKey creates a prefixed key for the given column family
func prefixKey(cf string, key []byte) ([]byte, error) {
	prefix, ok := cfPrefixes[cf]
	if !ok {
		return nil, fmt.Errorf("column family not found: %s", cf)
	}
	return append([]byte(prefix), key...), nil
}

// Put stores a key-value pair in the specified column family
func (p *PebbleDB) Put(cf string, key, value []byte) error {
	prefixedKey, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	if err := p.db.Set(prefixedKey, value, p.writeOptions()); err != nil {
		return storeErr("put "+cf, err)
	}
	return nil
}

// Get retrieves a value from the specified column family. A missing key
// yields nil without error.
func (p *PebbleDB) Get(cf string, key []byte) ([]byte, error) {
	return p.get(p.db, cf, key)
}

func (p *PebbleDB) get(r pebble.Reader, cf string, key []byte) ([]byte, error) {
	prefixedKey, err := prefixKey(cf, key)
	if err != nil {
		return nil, err
	}

	value, closer, err := r.Get(prefixedKey)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, storeErr("get "+cf, err)
	}
	defer closer.Close()

	// Copy the value since it's only valid until closer.Close()
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// NewBatch creates a new write-only batch
func (p *PebbleDB) NewBatch() *WriteBatch {
	return &WriteBatch{
		batch: p.db.NewBatch(),
		db:    p,
	}
}

// NewIndexedBatch creates a batch whose reads observe its own writes on top
// of the database.
func (p *PebbleDB) NewIndexedBatch() *WriteBatch {
	return &WriteBatch{
		batch: p.db.NewIndexedBatch(),
		db:    p,
	}
}

// WriteBatch writes a batch to the database
func (p *PebbleDB) WriteBatch(batch *WriteBatch) error {
	if err := batch.batch.Commit(p.writeOptions()); err != nil {
		return storeErr("commit batch", err)
	}
	return nil
}

// PutBatch adds a put operation to the batch
func (p *PebbleDB) PutBatch(batch *WriteBatch, cf string, key, value []byte) error {
	prefixedKey, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	if err := batch.batch.Set(prefixedKey, value, nil); err != nil {
		return storeErr("batch put "+cf, err)
	}
	return nil
}

// DeleteBatch adds a delete operation to the batch
func (p *PebbleDB) DeleteBatch(batch *WriteBatch, cf string, key []byte) error {
	prefixedKey, err := prefixKey(cf, key)
	if err != nil {
		return err
	}
	if err := batch.batch.Delete(prefixedKey, nil); err != nil {
		return storeErr("batch delete "+cf, err)
	}
	return nil
}

// GetBatch reads through an indexed batch.
func (p *PebbleDB) GetBatch(batch *WriteBatch, cf string, key []byte) ([]byte, error) {
	return p.get(batch.batch, cf, key)
}

// Destroy closes the batch and releases resources
func (b *WriteBatch) Destroy() {
	b.batch.Close()
}

// NewPrefixIterator creates an iterator over the keys of a column family
// starting with prefix.
func (p *PebbleDB) NewPrefixIterator(cf string, prefix []byte) (*Iterator, error) {
	cfPrefix, ok := cfPrefixes[cf]
	if !ok {
		return nil, fmt.Errorf("column family not found: %s", cf)
	}

	cfPrefixBytes := []byte(cfPrefix)
	fullPrefix := append(append([]byte(nil), cfPrefixBytes...), prefix...)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: fullPrefix,
		UpperBound: prefixUpperBound(fullPrefix),
	})
	if err != nil {
		return nil, storeErr("iterate "+cf, err)
	}

	iter.First()
	return &Iterator{iter: iter, prefix: fullPrefix, cfPrefix: cfPrefixBytes}, nil
}

// prefixUpperBound returns the upper bound for prefix iteration
func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

// Iterator methods

// Valid returns true if the iterator is positioned at a valid key
func (i *Iterator) Valid() bool {
	return i.iter.Valid()
}

// Next advances the iterator to the next key
func (i *Iterator) Next() bool {
	return i.iter.Next()
}

// Key returns the current key (without the column family prefix)
func (i *Iterator) Key() []byte {
	key := i.iter.Key()
	// Strip only the column family prefix, keep the user prefix
	if len(key) > len(i.cfPrefix) && bytes.HasPrefix(key, i.cfPrefix) {
		return key[len(i.cfPrefix):]
	}
	return key
}

// Value returns the current value
func (i *Iterator) Value() []byte {
	return i.iter.Value()
}

// Close closes the iterator
func (i *Iterator) Close() error {
	if err := i.iter.Close(); err != nil {
		return storeErr("close iterator", err)
	}
	return nil
}
