package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HeaderAdminToken carries the operator token for /admin routes.
const HeaderAdminToken = "X-Admin-Token"

// RequireAdmin rejects requests whose X-Admin-Token does not equal token.
// An empty token rejects everything, so a forgotten ADMIN_TOKEN never opens
// the admin surface.
func RequireAdmin(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(HeaderAdminToken))
		if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
			SetErrorCode(c, "unauthorized")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "unauthorized",
				"message":    "admin token required",
			})
			return
		}
		c.Next()
	}
}
