// Package auth mints and verifies the bearer tokens that identify an owner.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSecret = errors.New("jwt secret not configured")

// ForbiddenError means the caller does not own the requested row.
type ForbiddenError struct {
	Resource string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s belongs to another owner", e.Resource)
}

type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

// Mint signs an HS256 token whose subject is ownerID. A zero ttl never
// expires.
func Mint(secret, ownerID, email string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrNoSecret
	}
	if strings.TrimSpace(ownerID) == "" {
		return "", errors.New("owner id required")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  ownerID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "driftline",
		},
		Email: email,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verify parses a token and returns its claims. The subject must be set.
func Verify(secret, token string) (Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return Claims{}, ErrNoSecret
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return *claims, nil
}
