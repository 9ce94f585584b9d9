package middleware

import (
	"time"

	"github.com/btcsuite/btclog"
	"github.com/gin-gonic/gin"

	"github.com/thanhnp/ledger-core/internal/models"
)

// Logger logs request information
func Logger(log btclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Filter out HTTP/2 connection preface attempts
		if c.Request.Method == "PRI" {
			c.AbortWithStatus(400)
			return
		}

		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		if status >= 500 {
			log.Warnf("%s %s %d %v", c.Request.Method, path, status, latency)
			return
		}
		log.Debugf("%s %s %d %v", c.Request.Method, path, status, latency)
	}
}

// Recovery recovers from panics and returns a 500 error
func Recovery(log btclog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Errorf("Panic recovered: %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"error": "Internal server error",
				})
			}
		}()
		c.Next()
	}
}

// CORS adds CORS headers
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// ValidateHash parses the hash path parameter and stores it under key.
func ValidateHash(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		param := c.Param("hash")
		hash, err := models.NewHashFromStr(param)
		if err != nil || len(param) != 2*models.HashSize {
			c.AbortWithStatusJSON(400, gin.H{
				"error": "Invalid hash parameter. Must be 64 hex characters",
			})
			return
		}
		c.Set(key, hash)
		c.Next()
	}
}
