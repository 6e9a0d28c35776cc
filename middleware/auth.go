package middleware

import (
	"net/http"
	"strings"

	"github.com/MrEthical07/taskgate"
	"github.com/gin-gonic/gin"
)

const claimsContextKey = "taskgate.claims"

// ClaimsFromContext returns the access-token claims stored by RequireAuth.
func ClaimsFromContext(c *gin.Context) (taskgate.Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return taskgate.Claims{}, false
	}
	claims, ok := v.(taskgate.Claims)
	return claims, ok
}

// RequireAuth rejects requests without a valid bearer access token. The
// verified claims are available to later handlers via ClaimsFromContext.
func RequireAuth(gate *taskgate.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gate == nil {
			abortUnauthorized(c)
			return
		}
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c)
			return
		}
		claims, err := gate.ValidateAccess(token)
		if err != nil {
			abortUnauthorized(c)
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error":   gin.H{"code": "UNAUTHORIZED", "message": "invalid or expired credentials"},
	})
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) < len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}
	return token, true
}
