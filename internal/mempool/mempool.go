// Package mempool holds validated transactions waiting for a block. Pending
// transactions may spend outputs of other pending transactions; such
// dependencies are tracked so that evicting a transaction evicts everything
// built on it.
package mempool

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/validation"
)

// Config holds the collaborators of a Pool.
type Config struct {
	Params    *models.Params
	Validator *validation.Validator

	// Clock supplies "now" for transaction windows. Defaults to the wall
	// clock.
	Clock clock.Clock

	// BlockBudget is the number of bytes Candidates fills when called
	// with a non-positive budget. Defaults to MaxBlockSize minus the
	// header and proof transaction allowance.
	BlockBudget int
}

// TxDesc is a pending transaction with its pool metadata.
type TxDesc struct {
	Tx *models.Transaction

	// Added is the admission time, seq the admission order.
	Added time.Time
	seq   uint64

	// Size is the space the transaction takes in a block.
	Size    int
	Fee     uint64
	FeeRate float64

	// ValidatorSigs counts the validator signatures of a validator-set
	// edit. Resubmissions must carry strictly more.
	ValidatorSigs int

	// depends holds the pending transactions whose outputs this one
	// spends.
	depends map[models.Hash]struct{}
}

// Depends returns the hashes of the pending transactions tx spends from.
func (d *TxDesc) Depends() []models.Hash {
	out := make([]models.Hash, 0, len(d.depends))
	for h := range d.depends {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// IsBase reports whether the transaction spends no pending outputs.
func (d *TxDesc) IsBase() bool {
	return len(d.depends) == 0
}

// Pool is the set of pending transactions. It is safe for concurrent use.
type Pool struct {
	params    *models.Params
	validator *validation.Validator
	clock     clock.Clock
	budget    int

	mu       sync.RWMutex
	pool     map[models.Hash]*TxDesc
	spenders map[models.Outpoint]models.Hash
	children map[models.Hash]map[models.Hash]struct{}
	seq      uint64
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.Validator == nil {
		cfg.Validator = validation.New(validation.Config{Params: cfg.Params})
	}
	if cfg.BlockBudget <= 0 {
		cfg.BlockBudget = cfg.Params.MaxBlockSize - models.BlockHeaderSize -
			cfg.Params.MaxTxSize
	}
	return &Pool{
		params:    cfg.Params,
		validator: cfg.Validator,
		clock:     cfg.Clock,
		budget:    cfg.BlockBudget,
		pool:      make(map[models.Hash]*TxDesc),
		spenders:  make(map[models.Outpoint]models.Hash),
		children:  make(map[models.Hash]map[models.Hash]struct{}),
	}
}

func ruleError(code models.RejectCode, format string, args ...interface{}) error {
	return models.NewRuleError(code, format, args...)
}

// blockSize is the space tx takes inside a block envelope.
func blockSize(tx *models.Transaction) int {
	return 4 + tx.EnvelopeSize()
}

// Add validates tx against view, the state at the best tip, and admits it.
// A validator-set edit already in the pool is replaced when the new copy
// carries more validator signatures.
func (p *Pool) Add(tx *models.Transaction, view validation.ChainView) (*TxDesc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	prev, exists := p.pool[hash]
	if exists && tx.Type != models.TxValidatorEdit {
		return nil, ruleError(models.RejectKnown, "transaction %v already pending", hash)
	}

	for _, in := range tx.Inputs {
		op := in.Outpoint()
		if spender, ok := p.spenders[op]; ok && spender != hash {
			return nil, ruleError(models.RejectConflict,
				"output %v:%d already spent by pending %v", op.Hash, op.Index, spender)
		}
	}

	now := p.clock.Now()
	pv := &poolView{ChainView: view, pool: p, exclude: hash}
	ctx := validation.TxContext{
		Mode:   validation.ModeUnconfirmed,
		Height: view.TipHeight() + 1,
		Time:   uint32(now.Unix()),
	}
	if err := p.validator.CheckTransaction(tx, pv, ctx); err != nil {
		return nil, err
	}

	desc := &TxDesc{
		Tx:      tx,
		Added:   now,
		Size:    blockSize(tx),
		Fee:     tx.Fee(),
		depends: make(map[models.Hash]struct{}),
	}
	desc.FeeRate = float64(desc.Fee) / float64(desc.Size)

	if tx.Type == models.TxValidatorEdit {
		count, err := p.validator.ValidatorSignatures(tx, view)
		if err != nil {
			return nil, err
		}
		if exists && count <= prev.ValidatorSigs {
			return nil, ruleError(models.RejectBadValidatorEdit,
				"validator edit %v carries %d validator signatures, pending copy has %d",
				hash, count, prev.ValidatorSigs)
		}
		desc.ValidatorSigs = count
	}

	for _, in := range tx.Inputs {
		if _, ok := p.pool[in.PrevHash]; ok && in.PrevHash != hash {
			desc.depends[in.PrevHash] = struct{}{}
		}
	}

	if exists {
		// The replacement keeps its place in arrival order.
		desc.seq = prev.seq
		desc.Added = prev.Added
		p.unlink(prev)
	} else {
		p.seq++
		desc.seq = p.seq
	}
	p.link(desc)
	p.adoptChildren(hash)

	log.Debugf("Accepted transaction %v (%v, fee rate %.2f, %d pending)",
		hash, tx.Type, desc.FeeRate, len(p.pool))
	return desc, nil
}

// link indexes desc. The caller holds mu.
func (p *Pool) link(desc *TxDesc) {
	hash := desc.Tx.Hash()
	p.pool[hash] = desc
	for _, in := range desc.Tx.Inputs {
		p.spenders[in.Outpoint()] = hash
	}
	for parent := range desc.depends {
		kids, ok := p.children[parent]
		if !ok {
			kids = make(map[models.Hash]struct{})
			p.children[parent] = kids
		}
		kids[hash] = struct{}{}
	}
}

// adoptChildren links pending transactions that already spend outputs of
// hash, as happens when a parent returns from a detached block. The caller
// holds mu.
func (p *Pool) adoptChildren(hash models.Hash) {
	for op, spender := range p.spenders {
		if op.Hash != hash || spender == hash {
			continue
		}
		kid, ok := p.pool[spender]
		if !ok {
			continue
		}
		kid.depends[hash] = struct{}{}
		kids, ok := p.children[hash]
		if !ok {
			kids = make(map[models.Hash]struct{})
			p.children[hash] = kids
		}
		kids[spender] = struct{}{}
	}
}

// unlink removes desc from the indexes but keeps the links from its
// children. The caller holds mu.
func (p *Pool) unlink(desc *TxDesc) {
	hash := desc.Tx.Hash()
	delete(p.pool, hash)
	for _, in := range desc.Tx.Inputs {
		if p.spenders[in.Outpoint()] == hash {
			delete(p.spenders, in.Outpoint())
		}
	}
	for parent := range desc.depends {
		if kids, ok := p.children[parent]; ok {
			delete(kids, hash)
			if len(kids) == 0 {
				delete(p.children, parent)
			}
		}
	}
}

// evict removes hash and, recursively, everything depending on it. It
// returns the removed transactions, parents first. The caller holds mu.
func (p *Pool) evict(hash models.Hash) []*models.Transaction {
	desc, ok := p.pool[hash]
	if !ok {
		return nil
	}
	p.unlink(desc)
	removed := []*models.Transaction{desc.Tx}

	kids := p.children[hash]
	delete(p.children, hash)
	for _, kid := range sortedHashes(kids) {
		removed = append(removed, p.evict(kid)...)
	}
	return removed
}

// confirm removes hash without touching its dependents, which now spend a
// confirmed output. The caller holds mu.
func (p *Pool) confirm(hash models.Hash) bool {
	desc, ok := p.pool[hash]
	if !ok {
		return false
	}
	p.unlink(desc)
	for kid := range p.children[hash] {
		if k, ok := p.pool[kid]; ok {
			delete(k.depends, hash)
		}
	}
	delete(p.children, hash)
	return true
}

func sortedHashes(set map[models.Hash]struct{}) []models.Hash {
	out := make([]models.Hash, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// Remove evicts hash and every pending transaction depending on it.
func (p *Pool) Remove(hash models.Hash) []*models.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evict(hash)
}

// BlockConnected drops the transactions a new best-chain block confirmed
// and evicts pending transactions that conflict with them.
func (p *Pool) BlockConnected(txs []*models.Transaction) []*models.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []*models.Transaction
	confirmed := 0
	for _, tx := range txs {
		hash := tx.Hash()
		if p.confirm(hash) {
			confirmed++
		}
		for _, in := range tx.Inputs {
			if spender, ok := p.spenders[in.Outpoint()]; ok && spender != hash {
				evicted = append(evicted, p.evict(spender)...)
			}
		}
	}
	if confirmed > 0 || len(evicted) > 0 {
		log.Debugf("Block removed %d confirmed and %d conflicting transactions",
			confirmed, len(evicted))
	}
	return evicted
}

// BlockDisconnected returns the non-reward transactions of a block that left
// the best chain to the pool, validating them against view. Transactions
// that are no longer valid are dropped. It returns the readmitted ones.
func (p *Pool) BlockDisconnected(txs []*models.Transaction,
	view validation.ChainView) []*models.Transaction {

	var added []*models.Transaction
	for _, tx := range txs {
		if tx.Type.IsReward() || tx.Type == models.TxGenesis {
			continue
		}
		if _, err := p.Add(tx.Clone(), view); err != nil {
			log.Debugf("Dropped transaction %v of a detached block: %v", tx.Hash(), err)
			continue
		}
		added = append(added, tx)
	}
	return added
}

// Refresh evicts every transaction whose window no longer contains now,
// whose inputs no longer resolve on view or which view already confirms.
// Dependents of evicted transactions are evicted with them.
func (p *Pool) Refresh(view validation.ChainView) ([]*models.Transaction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := uint32(p.clock.Now().Unix())
	var evicted []*models.Transaction
	for _, desc := range p.sorted() {
		hash := desc.Tx.Hash()
		if _, ok := p.pool[hash]; !ok {
			continue
		}
		reason, err := p.stale(desc, view, now)
		if err != nil {
			return evicted, err
		}
		if reason == "" {
			continue
		}
		log.Debugf("Evicting transaction %v: %s", hash, reason)
		evicted = append(evicted, p.evict(hash)...)
	}
	return evicted, nil
}

// stale returns why desc must leave the pool, or "" if it may stay.
func (p *Pool) stale(desc *TxDesc, view validation.ChainView, now uint32) (string, error) {
	tx := desc.Tx
	if now < tx.Time || now > tx.Deadline {
		return fmt.Sprintf("time %d outside window [%d, %d]", now, tx.Time, tx.Deadline), nil
	}

	known, err := view.LookupTx(tx.Hash())
	if err != nil {
		return "", err
	}
	if known.IsSome() {
		return "confirmed", nil
	}

	for _, in := range tx.Inputs {
		op := in.Outpoint()
		if _, ok := p.pool[op.Hash]; ok {
			continue
		}
		origin, err := view.LookupTx(op.Hash)
		if err != nil {
			return "", err
		}
		if origin.IsNone() {
			return fmt.Sprintf("input %v no longer known", op.Hash), nil
		}
		used, err := view.IsOutputUsed(op)
		if err != nil {
			return "", err
		}
		if used {
			return fmt.Sprintf("output %v:%d already used", op.Hash, op.Index), nil
		}
	}
	return "", nil
}

// sorted returns the pool in arrival order. The caller holds mu.
func (p *Pool) sorted() []*TxDesc {
	out := make([]*TxDesc, 0, len(p.pool))
	for _, d := range p.pool {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Candidates selects transactions for the next block. Base transactions
// come before dependent ones, each group by descending fee rate. When the
// selection exceeds budget the tail is cut, transactions whose pending
// parents were cut go with them, and the rest is returned in arrival order
// so that parents precede their children. A non-positive budget uses the
// configured block budget.
func (p *Pool) Candidates(budget int) []*models.Transaction {
	if budget <= 0 {
		budget = p.budget
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	var base, dependent []*TxDesc
	for _, d := range p.sorted() {
		if d.IsBase() {
			base = append(base, d)
		} else {
			dependent = append(dependent, d)
		}
	}
	byFeeRate := func(list []*TxDesc) {
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].FeeRate > list[j].FeeRate
		})
	}
	byFeeRate(base)
	byFeeRate(dependent)
	ordered := append(base, dependent...)

	used := 0
	cut := len(ordered)
	for i, d := range ordered {
		if used+d.Size > budget {
			cut = i
			break
		}
		used += d.Size
	}
	selected := ordered[:cut]

	// Drop transactions whose pending parents did not make it.
	in := make(map[models.Hash]struct{}, len(selected))
	for _, d := range selected {
		in[d.Tx.Hash()] = struct{}{}
	}
	for changed := true; changed; {
		changed = false
		for _, d := range selected {
			if _, ok := in[d.Tx.Hash()]; !ok {
				continue
			}
			for parent := range d.depends {
				if _, ok := in[parent]; !ok {
					delete(in, d.Tx.Hash())
					changed = true
					break
				}
			}
		}
	}

	final := make([]*TxDesc, 0, len(in))
	for _, d := range selected {
		if _, ok := in[d.Tx.Hash()]; ok {
			final = append(final, d)
		}
	}
	sort.SliceStable(final, func(i, j int) bool { return final[i].seq < final[j].seq })

	txs := make([]*models.Transaction, len(final))
	for i, d := range final {
		txs[i] = d.Tx
	}
	return txs
}

// Snapshot returns the pending transactions in arrival order.
func (p *Pool) Snapshot() []*TxDesc {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := p.sorted()
	for i, d := range out {
		c := *d
		c.depends = make(map[models.Hash]struct{}, len(d.depends))
		for h := range d.depends {
			c.depends[h] = struct{}{}
		}
		out[i] = &c
	}
	return out
}

// Get returns a pending transaction.
func (p *Pool) Get(hash models.Hash) fn.Option[*models.Transaction] {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if d, ok := p.pool[hash]; ok {
		return fn.Some(d.Tx)
	}
	return fn.None[*models.Transaction]()
}

// Len returns the number of pending transactions.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pool)
}

// poolView lets pending transactions resolve as unconfirmed inputs on top of
// the chain state. Used outputs still come from the chain alone; spends
// between pending transactions are caught as conflicts before validation.
type poolView struct {
	validation.ChainView
	pool *Pool

	// exclude hides the transaction being admitted, so a replacement does
	// not see its pending copy.
	exclude models.Hash
}

func (v *poolView) LookupTx(hash models.Hash) (fn.Option[*models.Transaction], error) {
	if hash != v.exclude {
		if d, ok := v.pool.pool[hash]; ok {
			c := d.Tx.Clone()
			c.Height = fn.None[uint32]()
			return fn.Some(c), nil
		}
	}
	return v.ChainView.LookupTx(hash)
}
