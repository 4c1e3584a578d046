package auth

import (
	"context"
	"strings"

	"codehakam/internal/judge/repository"
	pkgerrors "codehakam/pkg/errors"
	"codehakam/pkg/utils/contextkey"
	"codehakam/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey   = "user_id"
	userRoleKey = "user_role"
)

// RequireAdmin enforces bearer auth on an admin route. Roles admin and
// super_admin pass; anyone else needs an explicit grant for the permission.
func RequireAdmin(tokens *TokenService, grants repository.RBACRepository, permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth service unavailable")
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		info, err := tokens.Authenticate(token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		if !IsAdminRole(info.Role) {
			if grants == nil {
				response.AbortWithErrorCode(c, pkgerrors.InsufficientPermission, "")
				return
			}
			ok, err := grants.HasGrant(c.Request.Context(), info.ID, permission)
			if err != nil {
				response.AbortWithError(c, pkgerrors.Wrap(err, pkgerrors.ServiceUnavailable))
				return
			}
			if !ok {
				response.AbortWithErrorCode(c, pkgerrors.InsufficientPermission, "")
				return
			}
		}

		c.Set(userIDKey, info.ID)
		c.Set(userRoleKey, info.Role)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, info.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Actor returns the authenticated caller id for audit records.
func Actor(c *gin.Context) string {
	return c.GetString(userIDKey)
}

func extractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
