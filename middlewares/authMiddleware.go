package middlewares

import (
	"net/http"
	"strings"

	"github.com/dtrspro/fieldops_backend/appctx"
	"github.com/dtrspro/fieldops_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates a bearer token when present and attaches the
// user's identity to the request context. Requests without a token pass
// through; per-route guards decide what anonymous callers may do.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		claim, _ := validated.Claims.(*utils.JwtCustomClaim)
		ctx := appctx.Set(c.Request.Context(), appctx.ContextKeyUserId, claim.ID)
		ctx = appctx.Set(ctx, appctx.ContextKeyUserRole, claim.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole aborts the request unless the authenticated user carries the
// given role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, ok := utils.GetUserRoleFromContext(c.Request.Context())
		if !ok || userRole != role {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
