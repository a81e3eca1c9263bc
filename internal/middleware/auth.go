package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/berthojoris/LLM-API-Key-Proxy/internal/apperrors"
)

// BearerAuth validates the Authorization header against the proxy API key.
// With no key configured the proxy is open and every request passes.
func BearerAuth(requiredKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if requiredKey == "" {
			c.Next()
			return
		}

		var provided string
		if header := c.GetHeader("Authorization"); header != "" {
			if strings.HasPrefix(strings.ToLower(header), "bearer ") {
				provided = strings.TrimSpace(header[7:])
			} else {
				provided = header
			}
		}
		if provided == "" {
			provided = c.GetHeader("x-api-key")
		}

		if provided == "" {
			respondUnauthorized(c, "API key not provided")
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
			respondUnauthorized(c, "Invalid API key")
			return
		}
		c.Set("api_key", provided)
		c.Next()
	}
}

func respondUnauthorized(c *gin.Context, message string) {
	apiErr := apperrors.New(http.StatusUnauthorized, "invalid_api_key", "invalid_request_error", message)
	c.Data(http.StatusUnauthorized, "application/json", apiErr.ToJSON())
	c.Abort()
}
