package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/lemonsync/internal/identity"
)

const HeaderAdminToken = "X-Admin-Token"

// AdminTokenRequired admits requests carrying the configured admin token and
// runs them as the admin principal. With no token configured every request is rejected.
func (s *Server) AdminTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		expected := strings.TrimSpace(s.cfg.AdminAPIToken)
		presented := adminToken(c)
		if expected == "" || presented == "" ||
			subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx, _ := identity.WithSession(c.Request.Context(), identity.Admin)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// WebhookSession runs the delivery as the anonymous principal; settlement elevates from there.
func (s *Server) WebhookSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, _ := identity.WithSession(c.Request.Context(), identity.Anonymous)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func adminToken(c *gin.Context) string {
	if token := strings.TrimSpace(c.GetHeader(HeaderAdminToken)); token != "" {
		return token
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
