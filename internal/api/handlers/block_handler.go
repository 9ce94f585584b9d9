package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/node"
)

// BlockBackend is what the block routes need from the node.
type BlockBackend interface {
	SubmitBlock(raw []byte) (node.Result, error)
	BestBlock() (*models.Block, uint32)
	Block(hash models.Hash) (fn.Option[*models.Block], error)
	BlockAtHeight(height uint32) (fn.Option[*models.Block], error)
	NextWork(kind models.Flag) (*node.Work, error)
}

// BlockHandler handles block-related API requests
type BlockHandler struct {
	backend BlockBackend
}

// NewBlockHandler creates a new BlockHandler
func NewBlockHandler(backend BlockBackend) *BlockHandler {
	return &BlockHandler{
		backend: backend,
	}
}

// Submit hands a hex encoded block envelope to the node
// POST /api/v1/blocks
func (h *BlockHandler) Submit(c *gin.Context) {
	raw, ok := readSubmission(c)
	if !ok {
		return
	}
	res, err := h.backend.SubmitBlock(raw)
	writeResult(c, res, err)
}

func writeBlock(c *gin.Context, block fn.Option[*models.Block], err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if block.IsNone() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Block not found"})
		return
	}
	c.JSON(http.StatusOK, block.UnsafeFromSome().Summary())
}

// GetByHash returns a block by its hash
// GET /api/v1/blocks/:hash
func (h *BlockHandler) GetByHash(c *gin.Context) {
	block, err := h.backend.Block(pathHash(c))
	writeBlock(c, block, err)
}

// GetByHeight returns the best-chain block at a height
// GET /api/v1/blocks/height/:height
func (h *BlockHandler) GetByHeight(c *gin.Context) {
	height, err := strconv.ParseUint(c.Param("height"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid height"})
		return
	}

	block, err := h.backend.BlockAtHeight(uint32(height))
	writeBlock(c, block, err)
}

// GetBest returns the tip of the best chain
// GET /api/v1/blocks/best
func (h *BlockHandler) GetBest(c *gin.Context) {
	block, _ := h.backend.BestBlock()
	c.JSON(http.StatusOK, block.Summary())
}

// GetWork returns the target and bias the next block of a consensus kind
// must carry
// GET /api/v1/work/:kind
func (h *BlockHandler) GetWork(c *gin.Context) {
	kind, err := models.ParseFlag(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	work, err := h.backend.NextWork(kind)
	switch {
	case errors.Is(err, node.ErrKindDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"kind":       work.Kind.String(),
		"bits":       fmt.Sprintf("%08x", work.Bits),
		"target":     fmt.Sprintf("%064x", work.Target),
		"difficulty": work.Difficulty,
		"bias":       work.Bias,
	})
}
