package authorization

import (
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

const requesterContextKey = "requester_id"

// Guard authenticates requests by API key and resolves the requester
// principal. Key issuance and rotation happen outside this service; the
// guard only checks presented credentials against the configured set.
type Guard struct {
	keys map[string]string
}

// NewGuardFromEnv reads API_KEYS, a comma-separated list of key:principal
// pairs. A bare key without a principal identifies the requester by the key
// itself.
func NewGuardFromEnv() (*Guard, error) {
	raw := strings.TrimSpace(os.Getenv("API_KEYS"))
	if raw == "" {
		return nil, errors.New("authorization: API_KEYS environment variable is required")
	}

	keys := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, principal, found := strings.Cut(entry, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if !found || strings.TrimSpace(principal) == "" {
			keys[key] = key
		} else {
			keys[key] = strings.TrimSpace(principal)
		}
	}
	if len(keys) == 0 {
		return nil, errors.New("authorization: API_KEYS contains no usable entries")
	}

	return &Guard{keys: keys}, nil
}

// RequireAuthenticated rejects requests without a valid API key and records
// the resolved principal in the request context. The key is read from the
// X-API-Key header or an Authorization bearer token.
func (g *Guard) RequireAuthenticated() gin.HandlerFunc {
	if g == nil || len(g.keys) == 0 {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		}
	}
	return func(c *gin.Context) {
		key := extractAPIKey(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key required"})
			return
		}
		principal, ok := g.keys[key]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		c.Set(requesterContextKey, principal)
		c.Next()
	}
}

// RequesterID returns the principal recorded by RequireAuthenticated, or the
// empty string when the request was not authenticated.
func RequesterID(c *gin.Context) string {
	value, ok := c.Get(requesterContextKey)
	if !ok {
		return ""
	}
	principal, _ := value.(string)
	return principal
}

func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("X-API-Key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return ""
}
