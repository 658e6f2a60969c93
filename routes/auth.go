package routes

import (
	"errors"
	"net/http"

	"saas-knowledge-platform/internal/auth"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/middleware"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SetupAuthRoutes registers login, refresh, logout and the identity probe.
// Registration is deliberately absent: users are provisioned by admins.
func SetupAuthRoutes(router *gin.Engine, users store.UserStore, tokens *auth.TokenManager, authMW *middleware.AuthMiddleware) {
	group := router.Group("/auth")

	group.POST("/login", handleLogin(users, tokens, authMW))
	group.POST("/refresh", handleRefresh(tokens, authMW))
	group.POST("/logout", handleLogout(tokens, authMW))
	group.GET("/me", authMW.RequireAuth(), handleMe(users))
}

func handleLogin(users store.UserStore, tokens *auth.TokenManager, authMW *middleware.AuthMiddleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		user, err := users.GetByUsername(ctx, req.Username)
		if err != nil || !utils.CheckPassword(req.Password, user.PasswordHash) {
			// Same answer for unknown user and wrong password.
			utils.RespondWithError(c, http.StatusUnauthorized,
				"invalid_credentials", "Invalid username or password", nil)
			return
		}

		pair, err := tokens.IssuePair(ctx, user.ID.Hex(), user.Role)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to issue session tokens", nil)
			return
		}
		authMW.SetAuthCookies(c, pair)

		c.JSON(http.StatusOK, models.TokenPairResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
			AccessExp:    pair.AccessExp,
			RefreshExp:   pair.RefreshExp,
			User: models.UserInfo{
				ID:       user.ID.Hex(),
				Username: user.Username,
				Name:     user.Name,
				Email:    user.Email,
				Role:     user.Role,
			},
		})
	}
}

// handleRefresh rotates a refresh token into a new pair. Accepts the token
// from the cookie or the request body so non-browser clients work too.
func handleRefresh(tokens *auth.TokenManager, authMW *middleware.AuthMiddleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		refreshToken, _ := c.Cookie("refresh_token")
		if refreshToken == "" {
			var body struct {
				RefreshToken string `json:"refresh_token"`
			}
			if err := c.ShouldBindJSON(&body); err == nil {
				refreshToken = body.RefreshToken
			}
		}
		if refreshToken == "" {
			utils.RespondWithUnauthorized(c, "Refresh token required")
			return
		}

		ctx := c.Request.Context()
		claims, err := tokens.ValidateRefresh(ctx, refreshToken)
		if err != nil {
			utils.RespondWithError(c, http.StatusUnauthorized,
				"refresh_token_expired", "Refresh token is invalid or expired", nil)
			return
		}

		// Rotation: the presented token is dead as soon as it succeeds.
		if err := tokens.Revoke(ctx, claims.ID, true); err != nil {
			utils.RespondWithInternalError(c, "Failed to rotate refresh token", nil)
			return
		}
		pair, err := tokens.IssuePair(ctx, claims.UserID, claims.Role)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to issue session tokens", nil)
			return
		}
		authMW.SetAuthCookies(c, pair)

		c.JSON(http.StatusOK, gin.H{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
			"access_exp":    pair.AccessExp,
			"refresh_exp":   pair.RefreshExp,
		})
	}
}

func handleLogout(tokens *auth.TokenManager, authMW *middleware.AuthMiddleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if header := c.GetHeader("Authorization"); header != "" {
			if tok := utils.ExtractTokenFromHeader(header); tok != "" {
				if claims, err := tokens.ValidateAccess(ctx, tok); err == nil {
					tokens.Revoke(ctx, claims.ID, false)
				}
			}
		}
		if cookie, err := c.Cookie("access_token"); err == nil && cookie != "" {
			if claims, err := tokens.ValidateAccess(ctx, cookie); err == nil {
				tokens.Revoke(ctx, claims.ID, false)
			}
		}
		if cookie, err := c.Cookie("refresh_token"); err == nil && cookie != "" {
			if claims, err := tokens.ValidateRefresh(ctx, cookie); err == nil {
				tokens.Revoke(ctx, claims.ID, true)
			}
		}

		authMW.ClearAuthCookies(c)
		c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
	}
}

func handleMe(users store.UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := primitive.ObjectIDFromHex(middleware.GetUserID(c))
		if err != nil {
			utils.RespondWithUnauthorized(c, "Invalid session")
			return
		}

		user, err := users.Get(c.Request.Context(), userID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				utils.RespondWithNotFound(c, "User no longer exists")
				return
			}
			utils.RespondWithInternalError(c, "Failed to load user", nil)
			return
		}

		c.JSON(http.StatusOK, models.UserInfo{
			ID:       user.ID.Hex(),
			Username: user.Username,
			Name:     user.Name,
			Email:    user.Email,
			Role:     user.Role,
		})
	}
}
