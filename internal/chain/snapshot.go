package chain

import (
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/validation"
)

// Snapshot is an immutable view of the best chain. A new snapshot is
// published after every change of the best chain; readers holding an older
// one keep a consistent picture.
type Snapshot struct {
	tip    *models.Block
	height uint32
	score  float64

	// hashes runs from the root to the tip.
	hashes []models.Hash
	index  map[models.Hash]uint32

	view *validation.Overlay
}

func newSnapshot(path []*blockNode, view *validation.Overlay) *Snapshot {
	tip := path[len(path)-1]
	s := &Snapshot{
		tip:    tip.block,
		height: tip.height,
		score:  tip.total,
		hashes: make([]models.Hash, len(path)),
		index:  make(map[models.Hash]uint32, len(path)),
		view:   view,
	}
	for i, n := range path {
		s.hashes[i] = n.hash
		s.index[n.hash] = n.height
	}
	return s
}

// Tip returns the best block.
func (s *Snapshot) Tip() *models.Block {
	return s.tip
}

// TipHash returns the hash of the best block.
func (s *Snapshot) TipHash() models.Hash {
	return s.tip.Hash()
}

// Height returns the height of the best block.
func (s *Snapshot) Height() uint32 {
	return s.height
}

// Score returns the cumulative score of the best chain.
func (s *Snapshot) Score() float64 {
	return s.score
}

// RootHash returns the oldest block kept in memory.
func (s *Snapshot) RootHash() models.Hash {
	return s.hashes[0]
}

// Contains reports whether hash is on the in-memory part of the best chain.
func (s *Snapshot) Contains(hash models.Hash) bool {
	_, ok := s.index[hash]
	return ok
}

// HashAt returns the hash of the best-chain block at height, if it is still
// held in memory.
func (s *Snapshot) HashAt(height uint32) (models.Hash, bool) {
	rootHeight := s.height + 1 - uint32(len(s.hashes))
	if height < rootHeight || height > s.height {
		return models.Hash{}, false
	}
	return s.hashes[height-rootHeight], true
}

// View returns the ledger state at the tip. The view must not be mutated.
func (s *Snapshot) View() validation.ChainView {
	return s.view
}
