package middleware

import (
	"net/http"
	"strings"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/services"
	"streamcore/pkg/errors"

	"github.com/gin-gonic/gin"
)

const callerKey = "streamcore.caller"

// AuthMiddleware rejects requests without a valid bearer token.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Error(errors.NewUnauthorizedError("authorization header required"))
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			c.Error(errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid or expired token", http.StatusUnauthorized))
			c.Abort()
			return
		}

		c.Set(callerKey, claims.Caller())
		c.Next()
	}
}

// OptionalAuthMiddleware resolves a caller when a valid token is present and
// lets anonymous requests through otherwise.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c.GetHeader("Authorization")); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				c.Set(callerKey, claims.Caller())
			}
		}
		c.Next()
	}
}

// CallerFromContext returns the caller set by the auth middleware, or the
// anonymous caller.
func CallerFromContext(c *gin.Context) domain.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(domain.Caller); ok {
			return caller
		}
	}
	return domain.Caller{}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
