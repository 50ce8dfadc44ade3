package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reserva/backend/internal/interfaces/http/dto"
)

// BodyLimit caps the request body size. A declared Content-Length over the
// cap is rejected before reading; chunked bodies are guarded by a
// MaxBytesReader so a lying client cannot stream past the limit.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				dto.NewErrorResponse(dto.ErrCodePayloadTooLarge, "Request body exceeds maximum allowed size"))
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
