package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/thanhnp/ledger-core/internal/mempool"
	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/node"
)

// TxBackend is what the transaction and mempool routes need from the node.
type TxBackend interface {
	SubmitTransaction(raw []byte) (node.Result, error)
	Transaction(hash models.Hash) (fn.Option[*models.Transaction], error)
	MempoolSnapshot() []*mempool.TxDesc
}

// TxHandler handles transaction-related API requests
type TxHandler struct {
	backend TxBackend
}

// NewTxHandler creates a new TxHandler
func NewTxHandler(backend TxBackend) *TxHandler {
	return &TxHandler{
		backend: backend,
	}
}

// Submit hands a hex encoded transaction envelope to the mempool
// POST /api/v1/transactions
func (h *TxHandler) Submit(c *gin.Context) {
	raw, ok := readSubmission(c)
	if !ok {
		return
	}
	res, err := h.backend.SubmitTransaction(raw)
	writeResult(c, res, err)
}

// Get returns a pending or confirmed transaction by its hash
// GET /api/v1/transactions/:hash
func (h *TxHandler) Get(c *gin.Context) {
	tx, err := h.backend.Transaction(pathHash(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if tx.IsNone() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
		return
	}
	c.JSON(http.StatusOK, tx.UnsafeFromSome().Summary())
}

// pendingTx is the mempool view of a transaction.
type pendingTx struct {
	models.TxSummary
	Added   int64    `json:"added"`
	Size    int      `json:"size"`
	Fee     uint64   `json:"fee"`
	FeeRate float64  `json:"fee_rate"`
	Depends []string `json:"depends"`
}

// GetMempool lists the pending transactions in admission order
// GET /api/v1/mempool
func (h *TxHandler) GetMempool(c *gin.Context) {
	descs := h.backend.MempoolSnapshot()
	out := make([]pendingTx, 0, len(descs))
	for _, d := range descs {
		p := pendingTx{
			TxSummary: d.Tx.Summary(),
			Added:     d.Added.Unix(),
			Size:      d.Size,
			Fee:       d.Fee,
			FeeRate:   d.FeeRate,
			Depends:   []string{},
		}
		for _, dep := range d.Depends() {
			p.Depends = append(p.Depends, dep.String())
		}
		out = append(out, p)
	}

	c.JSON(http.StatusOK, gin.H{
		"count":        len(out),
		"transactions": out,
	})
}
