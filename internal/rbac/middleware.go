package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"outbound-voice/internal/auth"
)

// RequireAnyRole allows the request when the caller holds one of allowed.
// super_admin passes every check.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// OwnerScope is the user id call lookups are restricted to. super_admin sees every
// call, which is signalled by an empty scope.
func OwnerScope(c *gin.Context) (string, bool) {
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		return "", false
	}
	if role, _ := auth.Role(ctx); IsSuperAdmin(role) {
		return "", true
	}
	return uid, true
}
