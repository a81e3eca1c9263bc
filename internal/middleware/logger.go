package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/logging"
)

// RequestLogger logs HTTP requests with latency and rotation context fields.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		ridVal, _ := c.Get("request_id")
		providerVal, _ := c.Get("provider")
		modelVal, _ := c.Get("model")
		log.WithFields(log.Fields{
			"status":     c.Writer.Status(),
			"latency_ms": logging.DurationMS(latency),
			"method":     method,
			"path":       path,
			"client_ip":  c.ClientIP(),
			"request_id": ridVal,
			"provider":   providerVal,
			"model":      modelVal,
		}).Info("http_request")
	}
}
