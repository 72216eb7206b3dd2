// Package auth mints and verifies the push tokens a passive peer demands
// before accepting replicated revisions. Tokens are HMAC-signed JWTs keyed
// by a shared secret; the subject claim carries the pushing database's
// identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/codetrek/replix/pkg/model"
)

// DefaultTokenTTL bounds how long a minted token stays valid. Replications
// outliving it re-authenticate on their next connection.
const DefaultTokenTTL = 24 * time.Hour

// Mint creates a push token for the database identified by dbUUID.
func Mint(secret, dbUUID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth: empty secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   dbUUID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

// Verify checks a push token and returns the pushing database's identity.
func Verify(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", model.ErrUnauthorized
	}
	return sub, nil
}
