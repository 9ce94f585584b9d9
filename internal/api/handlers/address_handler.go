package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/thanhnp/ledger-core/internal/models"
)

// AddressBackend is what the address routes need from the node.
type AddressBackend interface {
	Balance(addr models.Address, coinID uint32) (uint64, error)
}

// AddressHandler handles address-related API requests
type AddressHandler struct {
	backend AddressBackend
}

// NewAddressHandler creates a new AddressHandler
func NewAddressHandler(backend AddressBackend) *AddressHandler {
	return &AddressHandler{
		backend: backend,
	}
}

// GetBalance returns the confirmed balance of an address in one coin. The
// coin defaults to the base currency.
// GET /api/v1/addresses/:address/balance?coin=N
func (h *AddressHandler) GetBalance(c *gin.Context) {
	addr := models.Address(c.Param("address"))
	if err := addr.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address: " + err.Error()})
		return
	}

	coinID := models.BaseCoinID
	if coin := c.Query("coin"); coin != "" {
		id, err := strconv.ParseUint(coin, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid coin id"})
			return
		}
		coinID = uint32(id)
	}

	balance, err := h.backend.Balance(addr, coinID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"address": addr,
		"coin_id": coinID,
		"balance": balance,
	})
}
