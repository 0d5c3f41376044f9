package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Middleware validates the bearer token and seeds the request context with
// user_id, organization_id (uuid.UUID) and roles. Every API route behind it
// is tenant-scoped.
func Middleware(validator *JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing Authorization header"})
			c.Abort()
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must be a bearer token"})
			c.Abort()
			return
		}

		claims, err := validator.ValidateToken(header)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token", "details": err.Error()})
			c.Abort()
			return
		}

		userID, orgID, err := validator.ExtractUserContext(claims)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token context", "details": err.Error()})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Set("organization_id", orgID)
		c.Set("roles", claims.Roles)
		c.Set("claims", claims)
		c.Next()
	}
}

// RequireRole gates a route group on one role. Runs after Middleware.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get("claims")
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}
		claims, ok := value.(*Claims)
		if !ok || !claims.HasRole(role) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Requires role: " + role})
			c.Abort()
			return
		}
		c.Next()
	}
}
