package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
)

// headerInfoSize is prev(32) height(4) flag(1) time(4) bits(4).
const headerInfoSize = models.HashSize + 4 + 1 + 4 + 4

// BlockStore handles block storage operations
type BlockStore struct {
	db *PebbleDB
}

// NewBlockStore creates a new BlockStore
func NewBlockStore(db *PebbleDB) *BlockStore {
	return &BlockStore{db: db}
}

// blockKey creates a key for the blocks and headers column families
func blockKey(hash models.Hash) []byte {
	return append([]byte(nil), hash[:]...)
}

// blockHeightKey creates a key for the blocks_by_height column family.
// Big-endian keeps heights ordered under iteration.
func blockHeightKey(height uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, height)
}

// biasEntrySize is flag(1) bias(8).
const biasEntrySize = 1 + 8

func encodeHeaderInfo(info models.HeaderInfo) []byte {
	b := make([]byte, 0, headerInfoSize+1+len(info.Biases)*biasEntrySize)
	b = append(b, info.Prev[:]...)
	b = binary.LittleEndian.AppendUint32(b, info.Height)
	b = append(b, byte(info.Flag))
	b = binary.LittleEndian.AppendUint32(b, info.Time)
	b = binary.LittleEndian.AppendUint32(b, info.Bits)

	kinds := make([]models.Flag, 0, len(info.Biases))
	for kind := range info.Biases {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	b = append(b, byte(len(kinds)))
	for _, kind := range kinds {
		b = append(b, byte(kind))
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(info.Biases[kind]))
	}
	return b
}

func decodeHeaderInfo(hash models.Hash, b []byte) (models.HeaderInfo, error) {
	if len(b) < headerInfoSize+1 {
		return models.HeaderInfo{}, fmt.Errorf("%w: header info of %d bytes",
			models.ErrMalformedEncoding, len(b))
	}
	info := models.HeaderInfo{Hash: hash}
	copy(info.Prev[:], b[:models.HashSize])
	b = b[models.HashSize:]
	info.Height = binary.LittleEndian.Uint32(b)
	info.Flag = models.Flag(b[4])
	info.Time = binary.LittleEndian.Uint32(b[5:])
	info.Bits = binary.LittleEndian.Uint32(b[9:])

	count := int(b[13])
	b = b[14:]
	if len(b) != count*biasEntrySize {
		return models.HeaderInfo{}, fmt.Errorf("%w: %d bias bytes for %d entries",
			models.ErrMalformedEncoding, len(b), count)
	}
	if count > 0 {
		info.Biases = make(map[models.Flag]float64, count)
	}
	for i := 0; i < count; i++ {
		e := b[i*biasEntrySize:]
		info.Biases[models.Flag(e[0])] = math.Float64frombits(binary.LittleEndian.Uint64(e[1:]))
	}
	return info, nil
}

// SaveBatch adds a block with an assigned height to the batch, together
// with its height index and header info.
func (s *BlockStore) SaveBatch(batch *WriteBatch, block *models.Block) error {
	height, err := block.Height.UnwrapOrErr(fmt.Errorf("block %v has no height", block.Hash()))
	if err != nil {
		return err
	}
	raw, err := block.Serialize()
	if err != nil {
		return fmt.Errorf("failed to encode block: %w", err)
	}
	data := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(raw)), height)
	data = append(data, raw...)

	hash := block.Hash()
	if err := s.db.PutBatch(batch, CFBlocks, blockKey(hash), data); err != nil {
		return err
	}
	if err := s.db.PutBatch(batch, CFBlocksByHeight, blockHeightKey(height), blockKey(hash)); err != nil {
		return err
	}
	return s.db.PutBatch(batch, CFHeaders, blockKey(hash), encodeHeaderInfo(block.Info()))
}

// GetByHash retrieves a block by its hash
func (s *BlockStore) GetByHash(hash models.Hash) (fn.Option[*models.Block], error) {
	data, err := s.db.Get(CFBlocks, blockKey(hash))
	if err != nil {
		return fn.None[*models.Block](), err
	}
	if data == nil {
		return fn.None[*models.Block](), nil
	}
	if len(data) < 4 {
		return fn.None[*models.Block](), fmt.Errorf("%w: block record of %d bytes",
			models.ErrMalformedEncoding, len(data))
	}

	block, err := models.DeserializeBlock(data[4:])
	if err != nil {
		return fn.None[*models.Block](), fmt.Errorf("failed to decode block %v: %w", hash, err)
	}
	block.Height = fn.Some(binary.LittleEndian.Uint32(data))
	return fn.Some(block), nil
}

// HashAtHeight returns the hash of the persisted block at height.
func (s *BlockStore) HashAtHeight(height uint32) (fn.Option[models.Hash], error) {
	data, err := s.db.Get(CFBlocksByHeight, blockHeightKey(height))
	if err != nil || data == nil {
		return fn.None[models.Hash](), err
	}
	var hash models.Hash
	copy(hash[:], data)
	return fn.Some(hash), nil
}

// GetByHeight retrieves a block by its height
func (s *BlockStore) GetByHeight(height uint32) (fn.Option[*models.Block], error) {
	hash, err := s.HashAtHeight(height)
	if err != nil || hash.IsNone() {
		return fn.None[*models.Block](), err
	}
	return s.GetByHash(hash.UnsafeFromSome())
}

// HeaderInfo returns the header info of a persisted block.
func (s *BlockStore) HeaderInfo(hash models.Hash) (fn.Option[models.HeaderInfo], error) {
	data, err := s.db.Get(CFHeaders, blockKey(hash))
	if err != nil || data == nil {
		return fn.None[models.HeaderInfo](), err
	}
	info, err := decodeHeaderInfo(hash, data)
	if err != nil {
		return fn.None[models.HeaderInfo](), err
	}
	return fn.Some(info), nil
}
