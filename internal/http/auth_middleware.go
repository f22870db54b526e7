package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/altarplan/creditledger/internal/security"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// IdentityKey is the gin context key holding the caller's security.Identity.
const IdentityKey = "identity"

const schedulerUID = "scheduler"

// BearerAuthMiddleware accepts a token the verifier accepts or, failing
// that, the shared scheduler secret. Either may be nil.
func BearerAuthMiddleware(secret *security.SchedulerSecret, verifier security.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		var errVerify error
		if verifier != nil {
			var identity security.Identity
			identity, errVerify = verifier.Verify(c.Request.Context(), token)
			switch {
			case errVerify == nil:
				c.Set(IdentityKey, identity)
				c.Next()
				return
			case errors.Is(errVerify, security.ErrExpiredToken):
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
				return
			case errors.Is(errVerify, security.ErrInvalidToken):
				errVerify = nil
			}
		}

		if secret.Match(token) {
			c.Set(IdentityKey, security.Identity{UID: schedulerUID, Role: security.RoleScheduler})
			c.Next()
			return
		}
		if errVerify != nil {
			log.WithError(errVerify).Error("bearer auth middleware error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication service error"})
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
	}
}

// IdentityFromContext returns the identity set by BearerAuthMiddleware.
func IdentityFromContext(c *gin.Context) (security.Identity, bool) {
	value, ok := c.Get(IdentityKey)
	if !ok {
		return security.Identity{}, false
	}
	identity, ok := value.(security.Identity)
	return identity, ok
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
