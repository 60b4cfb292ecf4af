package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/fraudgate/internal/model"
	"github.com/GoPolymarket/fraudgate/internal/service"
)

const (
	HeaderAPIKey     = "X-API-Key"
	ContextClientKey = "client"
)

func AuthMiddleware(cm *service.ClientManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(HeaderAPIKey)
		if apiKey == "" {
			if client := cm.DefaultClient(); client != nil {
				c.Set(ContextClientKey, client)
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing API key"})
			c.Abort()
			return
		}

		client, ok := cm.GetClientByAPIKey(c.Request.Context(), apiKey)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}

		// 将接入方信息存入上下文
		c.Set(ContextClientKey, client)
		c.Next()
	}
}

// ClientFrom returns the authenticated client, or nil before AuthMiddleware.
func ClientFrom(c *gin.Context) *model.Client {
	v, ok := c.Get(ContextClientKey)
	if !ok {
		return nil
	}
	client, _ := v.(*model.Client)
	return client
}
