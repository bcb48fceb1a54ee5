// Package auth verifies the signed tokens presented by sockets and REST callers.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crm-realtime/internal/apperr"
	"crm-realtime/internal/models"
)

// Claims carried by CRM access tokens.
type Claims struct {
	Role models.Role `json:"role"`
	Name string      `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWT signs and verifies HS256 tokens.
type JWT struct {
	secret []byte
	issuer string
}

// NewJWT builds a validator for the shared secret.
func NewJWT(secret, issuer string) *JWT {
	return &JWT{secret: []byte(secret), issuer: issuer}
}

// Issue signs a token for the principal.
func (j *JWT) Issue(p models.Principal, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: p.Role,
		Name: p.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// Verify checks signature, expiry and role and returns the principal.
func (j *JWT) Verify(ctx context.Context, token string) (models.Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return models.Principal{}, fmt.Errorf("empty token: %w", apperr.ErrAuthentication)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return j.secret, nil
	}, opts...)
	if err != nil {
		return models.Principal{}, fmt.Errorf("parse token: %w: %v", apperr.ErrAuthentication, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return models.Principal{}, fmt.Errorf("invalid token: %w", apperr.ErrAuthentication)
	}
	if claims.Subject == "" {
		return models.Principal{}, fmt.Errorf("token without subject: %w", apperr.ErrAuthentication)
	}
	if !claims.Role.Valid() {
		return models.Principal{}, fmt.Errorf("unknown role %q: %w", claims.Role, apperr.ErrAuthentication)
	}
	return models.Principal{ID: claims.Subject, Role: claims.Role, Name: claims.Name}, nil
}
