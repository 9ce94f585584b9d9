package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thanhnp/ledger-core/internal/api/handlers"
	"github.com/thanhnp/ledger-core/internal/api/middleware"
)

// Backend is the node surface the HTTP API exposes.
type Backend interface {
	handlers.BlockBackend
	handlers.TxBackend
	handlers.AddressBackend
}

// Router wraps the Gin router with handlers
type Router struct {
	engine         *gin.Engine
	gatherer       prometheus.Gatherer
	blockHandler   *handlers.BlockHandler
	txHandler      *handlers.TxHandler
	addressHandler *handlers.AddressHandler
}

// NewRouter creates a new Router with all handlers. Metrics are served from
// gatherer.
func NewRouter(backend Backend, gatherer prometheus.Gatherer) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:         gin.New(),
		gatherer:       gatherer,
		blockHandler:   handlers.NewBlockHandler(backend),
		txHandler:      handlers.NewTxHandler(backend),
		addressHandler: handlers.NewAddressHandler(backend),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

// setupMiddleware configures middleware
func (r *Router) setupMiddleware() {
	r.engine.Use(middleware.Recovery(log))
	r.engine.Use(middleware.Logger(log))
	r.engine.Use(middleware.CORS())
}

// setupRoutes configures API routes
func (r *Router) setupRoutes() {
	// Health check
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	validHash := middleware.ValidateHash(handlers.HashKey)

	// API v1 routes
	v1 := r.engine.Group("/api/v1")
	{
		// Block routes
		blocks := v1.Group("/blocks")
		{
			blocks.POST("", r.blockHandler.Submit)
			blocks.GET("/best", r.blockHandler.GetBest)
			blocks.GET("/height/:height", r.blockHandler.GetByHeight)
			blocks.GET("/:hash", validHash, r.blockHandler.GetByHash)
		}

		// Transaction routes
		txs := v1.Group("/transactions")
		{
			txs.POST("", r.txHandler.Submit)
			txs.GET("/:hash", validHash, r.txHandler.Get)
		}

		v1.GET("/mempool", r.txHandler.GetMempool)
		v1.GET("/work/:kind", r.blockHandler.GetWork)

		// Address routes
		v1.GET("/addresses/:address/balance", r.addressHandler.GetBalance)
	}
}

// Engine returns the underlying Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

