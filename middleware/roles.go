package middleware

import (
	"net/http"

	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
)

type RoleMiddleware struct{}

func NewRoleMiddleware() *RoleMiddleware {
	return &RoleMiddleware{}
}

// RequireRole rejects requests whose authenticated role is not in the
// allowed set. Must run after RequireAuth.
func (r *RoleMiddleware) RequireRole(allowedRoles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := GetRole(c)
		if role == "" {
			utils.RespondWithError(c, http.StatusUnauthorized,
				"unauthorized", "User role not found", nil)
			c.Abort()
			return
		}

		for _, allowed := range allowedRoles {
			if role == allowed {
				c.Next()
				return
			}
		}

		utils.RespondWithError(c, http.StatusForbidden,
			"forbidden", "Insufficient permissions", map[string]interface{}{
				"required_roles": allowedRoles,
				"user_role":      role,
			})
		c.Abort()
	}
}

// SuperadminGuard restricts a route to superadmins.
func (r *RoleMiddleware) SuperadminGuard() gin.HandlerFunc {
	return r.RequireRole(models.RoleSuperadmin)
}

// AdminGuard restricts a route to admins and superadmins.
func (r *RoleMiddleware) AdminGuard() gin.HandlerFunc {
	return r.RequireRole(models.RoleSuperadmin, models.RoleAdmin)
}

// IsAdmin reports whether the authenticated user holds an admin role.
// Admins bypass per-container permission checks.
func IsAdmin(c *gin.Context) bool {
	role := GetRole(c)
	return role == models.RoleSuperadmin || role == models.RoleAdmin
}
