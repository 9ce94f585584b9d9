package handlers

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/node"
)

// HashKey is the context key under which middleware.ValidateHash stores the
// parsed path hash.
const HashKey = "hash"

// submitRequest is the body of block and transaction submissions.
type submitRequest struct {
	Hex string `json:"hex" binding:"required"`
}

// submitResponse reports what the node did with a submission.
type submitResponse struct {
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// readSubmission decodes the hex payload of a submission. It writes the
// error response itself and returns false on failure.
func readSubmission(c *gin.Context) ([]byte, bool) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Body must be {\"hex\": \"...\"}"})
		return nil, false
	}
	raw, err := hex.DecodeString(req.Hex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hex payload"})
		return nil, false
	}
	return raw, true
}

// writeResult maps a submission outcome to a response.
func writeResult(c *gin.Context, res node.Result, err error) {
	if err != nil {
		writeError(c, err)
		return
	}

	resp := submitResponse{Status: res.Status.String(), Reason: res.Reason}
	switch res.Status {
	case node.StatusAccepted:
		resp.Hash = res.Hash.String()
		c.JSON(http.StatusOK, resp)

	case node.StatusRejected:
		resp.Hash = res.Hash.String()
		resp.Code = res.Code.String()
		c.JSON(http.StatusUnprocessableEntity, resp)

	default:
		c.JSON(http.StatusBadRequest, resp)
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, models.ErrStoreUnavailable) {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// pathHash returns the hash stored by middleware.ValidateHash.
func pathHash(c *gin.Context) models.Hash {
	return c.MustGet(HashKey).(models.Hash)
}
