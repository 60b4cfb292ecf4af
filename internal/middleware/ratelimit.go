package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
	"github.com/GoPolymarket/fraudgate/internal/service"
)

func RateLimitMiddleware(cm *service.ClientManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 必须在 AuthMiddleware 之后使用
		client := ClientFrom(c)
		if client == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		if !cm.Allow(client.ID) {
			metrics.RateLimited.WithLabelValues(client.ID).Inc()
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "1s",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
