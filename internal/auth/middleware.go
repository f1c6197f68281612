package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/netopslab/fwupgrade/internal/types"
)

// Middleware validates the Bearer token on operator REST routes and stores
// the claims in the request context.
func Middleware(jwtHandler *JWTHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(
				"UNAUTHORIZED", "Authorization header required", ""))
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(
				"UNAUTHORIZED", "Authorization header must be a Bearer token", ""))
			c.Abort()
			return
		}

		claims, err := jwtHandler.ValidateAccessToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, types.NewErrorResponse(
				"UNAUTHORIZED", "Invalid or expired token", err.Error()))
			c.Abort()
			return
		}

		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		c.Next()
	}
}
