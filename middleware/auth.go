package middleware

import (
	"net/http"
	"time"

	"saas-knowledge-platform/internal/auth"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
)

type AuthMiddleware struct {
	config *config.Config
	tokens *auth.TokenManager
}

func NewAuthMiddleware(cfg *config.Config, tokens *auth.TokenManager) *AuthMiddleware {
	return &AuthMiddleware{
		config: cfg,
		tokens: tokens,
	}
}

// RequireAuth validates the access token from the Authorization header or
// the access_token cookie. An expired access token is refreshed in place
// when a valid refresh cookie is present; the refresh token is rotated so
// a stolen one works at most once.
func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			utils.RespondWithError(c, http.StatusUnauthorized,
				"unauthorized", "Authentication token is required", nil)
			c.Abort()
			return
		}

		ctx := c.Request.Context()
		claims, err := a.tokens.ValidateAccess(ctx, tokenString)
		if err != nil {
			claims = a.tryRefresh(c)
			if claims == nil {
				code, message := a.refreshFailureReason(c)
				utils.RespondWithError(c, http.StatusUnauthorized, code, message, nil)
				c.Abort()
				return
			}
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Set("claims", claims)

		c.Next()
	}
}

// OptionalAuth populates the user context when a valid token is present
// and stays silent otherwise.
func (a *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString := extractToken(c); tokenString != "" {
			if claims, err := a.tokens.ValidateAccess(c.Request.Context(), tokenString); err == nil {
				c.Set("user_id", claims.UserID)
				c.Set("role", claims.Role)
				c.Set("claims", claims)
			}
		}
		c.Next()
	}
}

// tryRefresh rotates the refresh cookie into a fresh token pair. Returns
// the new access claims, or nil when no usable refresh token exists.
func (a *AuthMiddleware) tryRefresh(c *gin.Context) *auth.Claims {
	refreshToken, err := c.Cookie("refresh_token")
	if err != nil || refreshToken == "" {
		return nil
	}

	ctx := c.Request.Context()
	refreshClaims, err := a.tokens.ValidateRefresh(ctx, refreshToken)
	if err != nil {
		return nil
	}

	if err := a.tokens.Revoke(ctx, refreshClaims.ID, true); err != nil {
		return nil
	}
	pair, err := a.tokens.IssuePair(ctx, refreshClaims.UserID, refreshClaims.Role)
	if err != nil {
		return nil
	}
	a.SetAuthCookies(c, pair)

	claims, err := a.tokens.ValidateAccess(ctx, pair.AccessToken)
	if err != nil {
		return nil
	}
	return claims
}

func (a *AuthMiddleware) refreshFailureReason(c *gin.Context) (code, message string) {
	refreshToken, err := c.Cookie("refresh_token")
	if err != nil || refreshToken == "" {
		return "session_expired", "Your session has expired. Please log in again."
	}
	if _, err := a.tokens.ValidateRefresh(c.Request.Context(), refreshToken); err != nil {
		return "refresh_token_expired", "Your session has expired. Please log in again."
	}
	return "token_refresh_failed", "Failed to refresh session. Please log in again."
}

// SetAuthCookies writes the token pair as HTTP-only cookies. Secure is
// enabled outside debug mode.
func (a *AuthMiddleware) SetAuthCookies(c *gin.Context, pair *auth.TokenPair) {
	secure := a.config.GinMode == "release"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie("access_token", pair.AccessToken,
		int(time.Until(pair.AccessExp).Seconds()), "/", "", secure, true)
	c.SetCookie("refresh_token", pair.RefreshToken,
		int(time.Until(pair.RefreshExp).Seconds()), "/", "", secure, true)
}

// ClearAuthCookies expires both auth cookies. Used on logout.
func (a *AuthMiddleware) ClearAuthCookies(c *gin.Context) {
	secure := a.config.GinMode == "release"
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie("access_token", "", -1, "/", "", secure, true)
	c.SetCookie("refresh_token", "", -1, "/", "", secure, true)
}

func extractToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		if token := utils.ExtractTokenFromHeader(header); token != "" {
			return token
		}
	}
	if cookie, err := c.Cookie("access_token"); err == nil {
		return cookie
	}
	return ""
}

// IsAuthenticated reports whether the request carries a validated user.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get("user_id")
	return exists
}

// GetUserID returns the authenticated user id, or "".
func GetUserID(c *gin.Context) string {
	if userID, exists := c.Get("user_id"); exists {
		if id, ok := userID.(string); ok {
			return id
		}
	}
	return ""
}

// GetRole returns the authenticated user's role, or "".
func GetRole(c *gin.Context) string {
	if role, exists := c.Get("role"); exists {
		if r, ok := role.(string); ok {
			return r
		}
	}
	return ""
}
