package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/pkg/semver"
)

var (
	rootKey   = []byte("root")
	formatKey = []byte("format")
)

// FormatVersion is the on-disk layout written by this package. Stores with
// a different major version cannot be opened.
var FormatVersion = semver.NewSemver(2, 0, 0)

// Root is the oldest block kept in memory; everything up to it is
// persisted.
type Root struct {
	Hash   models.Hash
	Height uint32
}

// SyncStore handles flush state storage operations
type SyncStore struct {
	db *PebbleDB
}

// NewSyncStore creates a new SyncStore
func NewSyncStore(db *PebbleDB) *SyncStore {
	return &SyncStore{db: db}
}

// GetRoot retrieves the persisted root, if any.
func (s *SyncStore) GetRoot() (fn.Option[Root], error) {
	data, err := s.db.Get(CFSyncState, rootKey)
	if err != nil || data == nil {
		return fn.None[Root](), err
	}
	if len(data) != models.HashSize+4 {
		return fn.None[Root](), fmt.Errorf("%w: root record of %d bytes",
			models.ErrMalformedEncoding, len(data))
	}
	var r Root
	copy(r.Hash[:], data)
	r.Height = binary.LittleEndian.Uint32(data[models.HashSize:])
	return fn.Some(r), nil
}

// SetRootBatch moves the root.
func (s *SyncStore) SetRootBatch(batch *WriteBatch, r Root) error {
	data := append(append([]byte(nil), r.Hash[:]...), binary.LittleEndian.AppendUint32(nil, r.Height)...)
	return s.db.PutBatch(batch, CFSyncState, rootKey, data)
}

// CheckFormat records the format version on a fresh store, rejects a store
// written by an incompatible version and bumps an older compatible record.
func (s *SyncStore) CheckFormat() error {
	data, err := s.db.Get(CFSyncState, formatKey)
	if err != nil {
		return err
	}
	if data == nil {
		return s.db.Put(CFSyncState, formatKey, []byte(FormatVersion.String()))
	}

	stored, err := semver.Parse(string(data))
	if err != nil {
		return fmt.Errorf("store format: %w", err)
	}
	if !semver.AnyCompatible([]semver.Semver{FormatVersion}, stored.Semver()) {
		return fmt.Errorf("store format %v is incompatible with %v", stored, FormatVersion)
	}

	switch stored.Compare(FormatVersion.Version()) {
	case -1:
		log.Infof("Upgrading store format %v to %v", stored, FormatVersion)
		return s.db.Put(CFSyncState, formatKey, []byte(FormatVersion.String()))
	case 1:
		log.Warnf("Store format %v is newer than %v", stored, FormatVersion)
	}
	return nil
}
