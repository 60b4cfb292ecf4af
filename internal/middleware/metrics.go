package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GoPolymarket/fraudgate/internal/pkg/metrics"
)

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		// route template keeps label cardinality bounded (/v1/evaluations/:id)
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.LatencyBucket.WithLabelValues(endpoint).Observe(duration)
	}
}
