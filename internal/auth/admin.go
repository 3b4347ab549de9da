// Package auth guards the admin API with a shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminHeader carries the admin secret on admin requests.
const AdminHeader = "X-Admin-Secret"

// RequireAdmin rejects requests that do not present secret in AdminHeader.
// With an empty secret the admin API is disabled entirely.
func RequireAdmin(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API is disabled. Set ADMIN_SECRET to enable it.",
			})
			return
		}

		got := c.GetHeader(AdminHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required. Include the X-Admin-Secret header.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}

		c.Next()
	}
}
