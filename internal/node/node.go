// Package node is the entry point other components use to reach the ledger
// core. It turns raw submissions into chain and mempool updates, keeps the
// mempool consistent with the best chain and publishes events.
package node

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/thanhnp/ledger-core/internal/chain"
	"github.com/thanhnp/ledger-core/internal/difficulty"
	"github.com/thanhnp/ledger-core/internal/mempool"
	"github.com/thanhnp/ledger-core/internal/metrics"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/notifier"
	"github.com/thanhnp/ledger-core/internal/storage"
)

// Status is the outcome of a submission.
type Status uint8

const (
	StatusAccepted Status = iota
	StatusRejected
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("Status(%d)", s)
	}
}

// Result describes what happened to a submitted block or transaction. Code
// is only meaningful when Status is StatusRejected.
type Result struct {
	Status Status
	Hash   models.Hash
	Code   models.RejectCode
	Reason string
}

// Accepted reports whether the submission was taken.
func (r Result) Accepted() bool {
	return r.Status == StatusAccepted
}

// Config holds the components a Node drives.
type Config struct {
	Chain    *chain.Chain
	Mempool  *mempool.Pool
	Notifier *notifier.Server
	Stores   *storage.ChainStores

	// Metrics defaults to an unregistered set.
	Metrics *metrics.Metrics

	// FatalHandler is called with every ErrReorgInvariant. The node must
	// not be used afterwards. Defaults to a panic.
	FatalHandler func(error)
}

// Node serializes block processing and mempool admission so that mempool
// maintenance and events follow the order in which the best chain moved.
type Node struct {
	chain    *chain.Chain
	pool     *mempool.Pool
	ntfn     *notifier.Server
	stores   *storage.ChainStores
	metrics  *metrics.Metrics
	onFatal  func(error)
	blockMtx sync.Mutex
}

// New creates a node over already opened components.
func New(cfg Config) *Node {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.FatalHandler == nil {
		cfg.FatalHandler = func(err error) { panic(err) }
	}
	n := &Node{
		chain:   cfg.Chain,
		pool:    cfg.Mempool,
		ntfn:    cfg.Notifier,
		stores:  cfg.Stores,
		metrics: cfg.Metrics,
		onFatal: cfg.FatalHandler,
	}

	snap := n.chain.Snapshot()
	n.metrics.BestHeight.Set(float64(snap.Height()))
	n.metrics.BestScore.Set(snap.Score())
	return n
}

// Start starts the event server.
func (n *Node) Start() error {
	return n.ntfn.Start()
}

// Stop stops the event server. Subscribers see their quit channel close.
func (n *Node) Stop() error {
	return n.ntfn.Stop()
}

// fatal reports whether err is a reorg invariant violation, in which case
// the fatal handler has been invoked.
func (n *Node) fatal(err error) bool {
	if !errors.Is(err, models.ErrReorgInvariant) {
		return false
	}
	log.Criticalf("Ledger state is inconsistent: %v", err)
	n.onFatal(err)
	return true
}

func (n *Node) reject(object string, hash models.Hash, err error) (Result, error) {
	if rerr, ok := models.IsRuleError(err); ok {
		log.Debugf("Rejected %s %v: %v", object, hash, err)
		n.metrics.Rejections.WithLabelValues(object, rerr.Code.String()).Inc()
		return Result{
			Status: StatusRejected,
			Hash:   hash,
			Code:   rerr.Code,
			Reason: rerr.Description,
		}, nil
	}
	n.fatal(err)
	return Result{}, err
}

func malformed(object string, err error) Result {
	log.Debugf("Malformed %s: %v", object, err)
	return Result{Status: StatusMalformed, Reason: err.Error()}
}

// SubmitBlock decodes and processes a block envelope.
func (n *Node) SubmitBlock(raw []byte) (Result, error) {
	b, err := models.DeserializeBlock(raw)
	if err != nil {
		if errors.Is(err, models.ErrMalformedEncoding) {
			return malformed("block", err), nil
		}
		return Result{}, err
	}
	return n.ProcessBlock(b)
}

// ProcessBlock adds a decoded block to the chain. When the best chain
// moves, the mempool is brought in line with the new tip and the change is
// published.
func (n *Node) ProcessBlock(b *models.Block) (Result, error) {
	n.blockMtx.Lock()
	defer n.blockMtx.Unlock()

	return n.processBlock(b)
}

func (n *Node) processBlock(b *models.Block) (Result, error) {
	upd, err := n.chain.AddBlock(b)
	if err != nil {
		return n.reject("block", b.Hash(), err)
	}
	n.metrics.BlocksAccepted.WithLabelValues(b.Flag.String()).Inc()

	if upd.TipChanged() {
		if err := n.connect(upd); err != nil {
			return Result{}, err
		}
	}
	return Result{Status: StatusAccepted, Hash: b.Hash()}, nil
}

// connect applies a best chain change to the mempool and sends the events.
func (n *Node) connect(upd *chain.Update) error {
	snap := n.chain.Snapshot()

	for _, b := range upd.Attached {
		n.pool.BlockConnected(b.Txs)
	}

	// Detached is newest first; readmit oldest first so parents enter
	// before their children.
	for i := len(upd.Detached) - 1; i >= 0; i-- {
		n.pool.BlockDisconnected(upd.Detached[i].Txs, snap.View())
	}

	if _, err := n.pool.Refresh(snap.View()); err != nil {
		n.fatal(err)
		return fmt.Errorf("failed to refresh mempool: %w", err)
	}

	n.metrics.BestHeight.Set(float64(snap.Height()))
	n.metrics.BestScore.Set(snap.Score())
	n.metrics.MempoolSize.Set(float64(n.pool.Len()))

	if upd.IsReorg() {
		n.metrics.Reorgs.Inc()
		n.metrics.ReorgDepth.Observe(float64(len(upd.Detached)))

		err := n.ntfn.Send(notifier.ChainReorg{
			OldTip:   upd.OldTip,
			NewTip:   upd.NewTip,
			Detached: upd.Detached,
			Attached: upd.Attached,
		})
		if err != nil {
			return err
		}
	}
	return n.ntfn.Send(notifier.NewBestBlock{
		Block:  upd.NewTip,
		Height: snap.Height(),
	})
}

// SubmitTransaction decodes and processes a transaction envelope.
func (n *Node) SubmitTransaction(raw []byte) (Result, error) {
	tx, err := models.DeserializeTransaction(raw)
	if err != nil {
		if errors.Is(err, models.ErrMalformedEncoding) {
			return malformed("tx", err), nil
		}
		return Result{}, err
	}
	return n.ProcessTransaction(tx)
}

// ProcessTransaction validates tx against the best tip and admits it to the
// mempool. It waits for block processing so that the tip it validates
// against is the one the mempool was last brought in line with.
func (n *Node) ProcessTransaction(tx *models.Transaction) (Result, error) {
	n.blockMtx.Lock()
	snap := n.chain.Snapshot()
	_, err := n.pool.Add(tx, snap.View())
	n.blockMtx.Unlock()
	if err != nil {
		return n.reject("tx", tx.Hash(), err)
	}
	n.metrics.MempoolSize.Set(float64(n.pool.Len()))

	if err := n.ntfn.Send(notifier.NewPendingTx{Tx: tx}); err != nil {
		return Result{}, err
	}
	return Result{Status: StatusAccepted, Hash: tx.Hash()}, nil
}

// BestBlock returns the tip of the best chain and its height.
func (n *Node) BestBlock() (*models.Block, uint32) {
	snap := n.chain.Snapshot()
	return snap.Tip(), snap.Height()
}

// ErrKindDisabled is returned for consensus kinds without a share.
var ErrKindDisabled = errors.New("consensus kind not enabled")

// Work is what the next block of one consensus kind must meet on top of the
// best tip.
type Work struct {
	Kind       models.Flag
	Bits       uint32
	Target     *big.Int
	Difficulty float64
	Bias       float64
}

// NextWork returns the target and bias for the next block of kind.
func (n *Node) NextWork(kind models.Flag) (*Work, error) {
	params := n.chain.Params()
	if !params.Enabled(kind) {
		return nil, fmt.Errorf("%w: %v", ErrKindDisabled, kind)
	}
	bits, target, err := n.chain.NextTarget(kind)
	if err != nil {
		return nil, err
	}
	bias, err := n.chain.NextBias(kind)
	if err != nil {
		return nil, err
	}
	return &Work{
		Kind:       kind,
		Bits:       bits,
		Target:     target,
		Difficulty: difficulty.Difficulty(params.ReferenceTarget(), target),
		Bias:       bias,
	}, nil
}

// Block returns a known block by hash.
func (n *Node) Block(hash models.Hash) (fn.Option[*models.Block], error) {
	return n.chain.Block(hash)
}

// BlockAtHeight returns the best-chain block at height.
func (n *Node) BlockAtHeight(height uint32) (fn.Option[*models.Block], error) {
	return n.chain.BlockAtHeight(height)
}

// Transaction returns a pending transaction or one confirmed on the best
// chain.
func (n *Node) Transaction(hash models.Hash) (fn.Option[*models.Transaction], error) {
	if pending := n.pool.Get(hash); pending.IsSome() {
		return pending, nil
	}
	return n.chain.Snapshot().View().LookupTx(hash)
}

// MempoolSnapshot returns the pending transactions in admission order.
func (n *Node) MempoolSnapshot() []*mempool.TxDesc {
	return n.pool.Snapshot()
}

// Candidates returns the pending transactions a block producer should
// include, in inclusion order.
func (n *Node) Candidates(budget int) []*models.Transaction {
	return n.pool.Candidates(budget)
}

// Subscribe registers for NewBestBlock, NewPendingTx and ChainReorg events.
func (n *Node) Subscribe() (*notifier.Client, error) {
	return n.ntfn.Subscribe()
}

// Balance returns the confirmed balance the account ledger holds for addr.
func (n *Node) Balance(addr models.Address, coinID uint32) (uint64, error) {
	if err := addr.Validate(); err != nil {
		return 0, err
	}
	return n.stores.Addresses.Balance(addr, coinID)
}

// Flush persists the oldest in-memory blocks of the best chain.
func (n *Node) Flush() (int, error) {
	flushed, err := n.chain.Flush()
	if err != nil {
		n.fatal(err)
		return 0, err
	}
	n.metrics.FlushedBlocks.Add(float64(flushed))
	return flushed, nil
}
