package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"emberci/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// ContextCallerKey is the key used to store caller claims in context
	ContextCallerKey = "caller"
)

// RequireAuth validates a JWT bearer token and stores the claims in the
// request context. A nil service disables authentication entirely,
// which is the single-user deployment default.
func RequireAuth(service *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if service == nil {
			c.Next()
			return
		}

		claims := tryBearerAuth(c, service)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
				"hint":  "provide a Bearer token",
			})
			return
		}

		c.Set(ContextCallerKey, claims)
		c.Next()
	}
}

func tryBearerAuth(c *gin.Context, service *auth.Service) *auth.Claims {
	authHeader := c.GetHeader(AuthHeaderKey)
	if authHeader == "" {
		return nil
	}

	// Expect "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil
	}

	claims, err := service.ValidateToken(parts[1])
	if err != nil {
		return nil
	}
	return claims
}

// CallerFromContext retrieves caller claims from the request context.
func CallerFromContext(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextCallerKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}
