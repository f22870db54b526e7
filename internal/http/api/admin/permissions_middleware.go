package admin

import (
	"net/http"

	internalhttp "github.com/altarplan/creditledger/internal/http"
	permissions "github.com/altarplan/creditledger/internal/http/api/admin/permissions"
	"github.com/altarplan/creditledger/internal/security"
	"github.com/gin-gonic/gin"
)

// permissionMiddleware enforces the route's action against the caller's role.
func permissionMiddleware() gin.HandlerFunc {
	permissionMap := permissions.DefinitionMap()

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		def, ok := permissionMap[permissions.Key(c.Request.Method, path)]
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		identity, ok := internalhttp.IdentityFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "caller not authenticated"})
			return
		}
		if !security.CanPerform(identity.Role, def.Action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "permission denied"})
			return
		}

		c.Next()
	}
}
