package auth

import (
	"net/http"
	"strings"
	"time"

	"salescall-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// RequireAccessToken guards the /v1 API. A valid bearer token puts the
// caller's identity on the request context and tags the request logger with
// user_id. The public workflow callback is mounted outside this middleware.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := m.Verify(tok, time.Now())
		if err != nil {
			logger.FromGin(c).Info("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		log := logger.FromGin(c).With("user_id", claims.UserID)
		c.Set("logger", log)
		ctx := WithIdentity(logger.With(c.Request.Context(), log), claims.UserID, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// bearerToken extracts the token from an Authorization header. The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, tok, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
