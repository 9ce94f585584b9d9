package chain

import (
	"math"

	"github.com/thanhnp/ledger-core/internal/models"
)

// blockNode is an arena entry. Parent links are plain hashes into the arena;
// a missing parent means the node is the root.
type blockNode struct {
	block  *models.Block
	hash   models.Hash
	parent models.Hash
	height uint32

	// score is this block's own contribution, total the sum from the root.
	score float64
	total float64

	// seq orders nodes by arrival for first-seen tie breaks.
	seq uint64
}

// blockScore returns log2(max(1, inner*difficulty/bias)). Genesis scores 0.
func blockScore(b *models.Block) float64 {
	if b.IsGenesis() {
		return 0
	}
	bias := b.Bias
	if bias <= 0 {
		bias = 1
	}
	return math.Log2(math.Max(1, innerScore*b.Difficulty/bias))
}

// innerScore weighs every consensus kind equally.
const innerScore = 1.0

// better reports whether a should be preferred over b as best tip: the
// higher cumulative score wins, then the taller chain, then the block seen
// first. The height rule sits ahead of first-seen because blocks mined at
// the proof limit score 0, and a chain of them must still be able to
// overtake a shorter one.
func better(a, b *blockNode) bool {
	if a.total != b.total {
		return a.total > b.total
	}
	if a.height != b.height {
		return a.height > b.height
	}
	return a.seq < b.seq
}

// arena holds every block between the root and the known tips.
type arena struct {
	nodes map[models.Hash]*blockNode
	root  *blockNode
	seq   uint64
}

func newArena(root *models.Block) *arena {
	n := &blockNode{
		block:  root,
		hash:   root.Hash(),
		parent: root.PrevHash(),
		height: root.Height.UnwrapOr(0),
	}
	return &arena{
		nodes: map[models.Hash]*blockNode{n.hash: n},
		root:  n,
		seq:   1,
	}
}

func (a *arena) get(hash models.Hash) (*blockNode, bool) {
	n, ok := a.nodes[hash]
	return n, ok
}

// add inserts b as a child of parent.
func (a *arena) add(b *models.Block, parent *blockNode) *blockNode {
	n := &blockNode{
		block:  b,
		hash:   b.Hash(),
		parent: parent.hash,
		height: parent.height + 1,
		score:  blockScore(b),
		seq:    a.seq,
	}
	n.total = parent.total + n.score
	a.seq++
	a.nodes[n.hash] = n
	return n
}

// remove drops a node that has no children.
func (a *arena) remove(n *blockNode) {
	if n != a.root {
		delete(a.nodes, n.hash)
	}
}

// best scans every node for the preferred tip.
func (a *arena) best() *blockNode {
	best := a.root
	for _, n := range a.nodes {
		if better(n, best) {
			best = n
		}
	}
	return best
}

// path returns the nodes from the root to n, root first.
func (a *arena) path(n *blockNode) []*blockNode {
	var rev []*blockNode
	for cur := n; ; {
		rev = append(rev, cur)
		if cur == a.root {
			break
		}
		p, ok := a.nodes[cur.parent]
		if !ok {
			break
		}
		cur = p
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev
}

// fork splits the move from oldTip to newTip into the blocks leaving the
// best chain, newest first, and the blocks joining it, oldest first.
func (a *arena) fork(oldTip, newTip *blockNode) (detach, attach []*blockNode) {
	oldPath, newPath := a.path(oldTip), a.path(newTip)
	i := 0
	for i < len(oldPath) && i < len(newPath) && oldPath[i] == newPath[i] {
		i++
	}
	for j := len(oldPath) - 1; j >= i; j-- {
		detach = append(detach, oldPath[j])
	}
	return detach, newPath[i:]
}

// reroot makes n the root and drops every node that does not descend from
// it. It returns the number of dropped nodes.
func (a *arena) reroot(n *blockNode) int {
	keep := map[models.Hash]struct{}{n.hash: {}}
	var walk func(*blockNode) bool
	walk = func(cur *blockNode) bool {
		if _, ok := keep[cur.hash]; ok {
			return true
		}
		p, ok := a.nodes[cur.parent]
		if !ok || cur == a.root {
			return false
		}
		if walk(p) {
			keep[cur.hash] = struct{}{}
			return true
		}
		return false
	}

	dropped := 0
	for hash, cur := range a.nodes {
		if !walk(cur) {
			delete(a.nodes, hash)
			dropped++
		}
	}
	a.root = n
	return dropped
}
