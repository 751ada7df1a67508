package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const authorizationHeader = "Authorization"
const bearerPrefix = "Bearer "

// RequireConnectToken verifies a connect token and injects identity into request context.
// Browsers cannot set headers on a websocket upgrade, so the token may also
// arrive as the `token` query parameter.
func RequireConnectToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok := bearerToken(c)
		if tok == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing connect token"})
			return
		}

		claims, err := m.Verify(tok, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		setIdentity(c, claims.UserID, claims.Role)
		c.Next()
	}
}

// TrustPresentedIdentity takes user_id and role from the query string.
// Used when no JWT secret is configured: identity is trusted once presented.
func TrustPresentedIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := strings.TrimSpace(c.Query("user_id"))
		role := strings.TrimSpace(c.Query("role"))
		if uid == "" || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id and role required"})
			return
		}
		setIdentity(c, uid, role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	raw := strings.TrimSpace(c.GetHeader(authorizationHeader))
	if strings.HasPrefix(raw, bearerPrefix) {
		return strings.TrimPrefix(raw, bearerPrefix)
	}
	return strings.TrimSpace(c.Query("token"))
}

func setIdentity(c *gin.Context, userID, role string) {
	ctx := WithIdentity(c.Request.Context(), userID, role)
	c.Request = c.Request.WithContext(ctx)

	// Also store on gin context for handler convenience.
	c.Set("user_id", userID)
	c.Set("role", role)
}
