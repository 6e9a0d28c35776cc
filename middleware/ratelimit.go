package middleware

import (
	"net/http"
	"strconv"

	"github.com/MrEthical07/taskgate"
	"github.com/MrEthical07/taskgate/ratelimit"
	"github.com/gin-gonic/gin"
)

// APIKeyHeader carries a client API key. It is only used as a rate-limit
// identity when RateLimitConfig.TrustAPIKeyHeader is set.
const APIKeyHeader = "X-API-Key"

// RateLimit admits requests against the policy for class. Rejections end the
// chain with 429 and a Retry-After header. A store outage lets the request
// through.
func RateLimit(gate *taskgate.Gate, class string) gin.HandlerFunc {
	trustAPIKey := false
	if gate != nil {
		trustAPIKey = gate.Config().RateLimit.TrustAPIKeyHeader
	}

	return func(c *gin.Context) {
		if gate == nil {
			c.Next()
			return
		}

		id := ResolveIdentity(c, gate, trustAPIKey)
		d := gate.Admit(c.Request.Context(), class, id)
		if d.Allowed {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			c.Next()
			return
		}

		secs := d.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success":    false,
			"reason":     "rate_limited",
			"retryAfter": secs,
		})
	}
}

// ResolveIdentity picks the rate-limit identity for a request: the subject of
// a verified access token, then the API key header, then the client IP.
func ResolveIdentity(c *gin.Context, gate *taskgate.Gate, trustAPIKey bool) ratelimit.Identity {
	subject := ""
	if claims, ok := ClaimsFromContext(c); ok {
		subject = claims.Subject
	} else if token, ok := bearerToken(c.GetHeader("Authorization")); ok && gate != nil {
		if claims, err := gate.ValidateAccess(token); err == nil {
			subject = claims.Subject
		}
	}

	apiKey := ""
	if trustAPIKey {
		apiKey = c.GetHeader(APIKeyHeader)
	}
	return ratelimit.ResolveIdentity(subject, apiKey, c.ClientIP())
}
