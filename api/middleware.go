package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"groupbuy/auth"
)

const (
	// ContextUserID is the key for the authenticated user id in gin context.
	ContextUserID = "user_id"
	// ContextUserRole is the key for the authenticated role in gin context.
	ContextUserRole = "user_role"
)

// JWT returns a middleware that validates the bearer token and sets the
// caller's identity in the request context.
func JWT(svc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "invalid authorization header")
			c.Abort()
			return
		}
		userID, role, err := svc.VerifyToken(parts[1])
		if err != nil {
			unauthorized(c, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextUserID, userID)
		c.Set(ContextUserRole, string(role))
		c.Next()
	}
}

// RequireRole gates a route to the listed roles.
func RequireRole(roles ...auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := auth.Role(c.GetString(ContextUserRole))
		for _, allowed := range roles {
			if role == allowed {
				c.Next()
				return
			}
		}
		forbidden(c, "insufficient role")
		c.Abort()
	}
}
