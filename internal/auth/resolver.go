// Package auth resolves opaque handshake tokens into (user, tenant)
// identities. The connection core never parses credentials itself; it
// only sees the resolver interface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/registry"
)

// ErrInvalidToken covers every way a token can fail resolution: bad
// signature, expiry, or missing identity claims.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload issued by the platform's auth service.
type Claims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTResolver validates HS256-signed tokens against a shared secret.
type JWTResolver struct {
	secret []byte
	logger *zap.Logger
}

// NewJWTResolver builds a resolver for the given signing secret.
func NewJWTResolver(secret string, logger *zap.Logger) *JWTResolver {
	return &JWTResolver{secret: []byte(secret), logger: logger}
}

// Resolve implements registry.AuthResolver.
func (r *JWTResolver) Resolve(_ context.Context, token string) (registry.Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return registry.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return registry.Identity{}, ErrInvalidToken
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return registry.Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}

	return registry.Identity{UserID: claims.UserID, TenantID: claims.TenantID}, nil
}

// GenerateToken signs a token for the given identity. Used by tooling and
// tests; production tokens come from the platform's auth service.
func GenerateToken(secret, userID, tenantID string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "pulse",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
