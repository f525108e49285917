package middleware

import (
	"net/http"

	"liveconsult/internal/auth"

	"github.com/gin-gonic/gin"
)

const (
	ctxUserID = "user_id"
	ctxRoles  = "roles"
)

// AuthMiddleware enforces Authorization: Bearer <jwt> on protected routes.
// On success, it injects "user_id" and "roles" into gin.Context for handlers.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		uid, claims, err := auth.ParseUser(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Unauthorized",
				"message": err.Error(),
			})
			return
		}
		c.Set(ctxUserID, uid)
		if len(claims.Roles) > 0 {
			c.Set(ctxRoles, claims.Roles)
		}
		c.Next()
	}
}

// UserID returns the authenticated user id set by AuthMiddleware.
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return 0, false
	}
	uid, ok := v.(uint)
	return uid, ok && uid != 0
}

// Roles returns the roles carried by the token.
func Roles(c *gin.Context) []string {
	if v, ok := c.Get(ctxRoles); ok {
		if roles, ok := v.([]string); ok {
			return roles
		}
	}
	return nil
}

// RequireRole 仅允许拥有任一角色的调用方通过；admin 总是放行
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		have := Roles(c)
		for _, r := range have {
			if r == "admin" {
				c.Next()
				return
			}
			for _, want := range roles {
				if r == want {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}
