// Package auth issues and validates the JWT pairs that guard the API.
// Every token carries a JTI mirrored in Redis, so revocation is a key
// delete rather than a blocklist scan on each request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"saas-knowledge-platform/internal/config"
)

const (
	tokenIssuer = "knowledge-platform"
	accessTTL   = 1 * time.Hour
	refreshTTL  = 7 * 24 * time.Hour
)

type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_exp"`
	RefreshExp   time.Time `json:"refresh_exp"`
}

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// TokenManager signs, validates, and revokes token pairs.
type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	rdb           *redis.Client
}

func NewTokenManager(cfg *config.Config, rdb *redis.Client) (*TokenManager, error) {
	if len(cfg.AccessSecret) < 32 || len(cfg.RefreshSecret) < 32 {
		return nil, fmt.Errorf("ACCESS_SECRET and REFRESH_SECRET must be at least 32 characters")
	}
	return &TokenManager{
		accessSecret:  []byte(cfg.AccessSecret),
		refreshSecret: []byte(cfg.RefreshSecret),
		rdb:           rdb,
	}, nil
}

// IssuePair signs a fresh access and refresh token for the user and stores
// both JTIs in Redis for revocation.
func (m *TokenManager) IssuePair(ctx context.Context, userID, role string) (*TokenPair, error) {
	now := time.Now()
	accessJTI := uuid.NewString()
	refreshJTI := uuid.NewString()

	accessExp := now.Add(accessTTL)
	accessString, err := m.sign(m.accessSecret, Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        accessJTI,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(accessExp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	})
	if err != nil {
		return nil, err
	}

	refreshExp := now.Add(refreshTTL)
	refreshString, err := m.sign(m.refreshSecret, Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshJTI,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(refreshExp),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	})
	if err != nil {
		return nil, err
	}

	pipe := m.rdb.Pipeline()
	pipe.Set(ctx, "access:"+accessJTI, userID, accessTTL)
	pipe.Set(ctx, "refresh:"+refreshJTI, userID, refreshTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessString,
		RefreshToken: refreshString,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func (m *TokenManager) sign(secret []byte, claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (m *TokenManager) ValidateAccess(ctx context.Context, tokenString string) (*Claims, error) {
	return m.validate(ctx, tokenString, m.accessSecret, "access:")
}

func (m *TokenManager) ValidateRefresh(ctx context.Context, tokenString string) (*Claims, error) {
	return m.validate(ctx, tokenString, m.refreshSecret, "refresh:")
}

func (m *TokenManager) validate(ctx context.Context, tokenString string, secret []byte, prefix string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Prevent algorithm confusion attacks.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	exists, err := m.rdb.Exists(ctx, prefix+claims.ID).Result()
	if err != nil || exists != 1 {
		return nil, errors.New("token revoked or expired")
	}

	return claims, nil
}

// Revoke invalidates a single token by JTI.
func (m *TokenManager) Revoke(ctx context.Context, jti string, isRefresh bool) error {
	prefix := "access:"
	if isRefresh {
		prefix = "refresh:"
	}
	return m.rdb.Del(ctx, prefix+jti).Err()
}

// RevokeAllForUser walks the token keys and drops every one belonging to
// the user. Used on password change and forced logout.
func (m *TokenManager) RevokeAllForUser(ctx context.Context, userID string) error {
	pipe := m.rdb.Pipeline()

	for _, pattern := range []string{"access:*", "refresh:*"} {
		iter := m.rdb.Scan(ctx, 0, pattern, 0).Iterator()
		for iter.Next(ctx) {
			key := iter.Val()
			val, _ := m.rdb.Get(ctx, key).Result()
			if val == userID {
				pipe.Del(ctx, key)
			}
		}
		if err := iter.Err(); err != nil {
			return err
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
