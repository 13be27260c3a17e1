package store

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	// syncTokenExpiration bounds how long a stored cursor stays valid.
	// An expired token just triggers a full history replay on next login.
	syncTokenExpiration = 90 * 24 * time.Hour

	// tokenIssuer identifies the issuer of sync tokens.
	tokenIssuer = "triviad"
)

// syncClaims carries the per-user history cursor inside a signed token so
// the server does not need to track sync state for offline clients.
type syncClaims struct {
	jwt.StandardClaims

	// UID is the user the cursor belongs to. A token presented by a
	// different user is ignored.
	UID string `json:"uid"`

	// Cursor is the highest match id already delivered to this client.
	Cursor int64 `json:"cursor"`
}

// generateSyncToken creates and signs a new sync token for the given user.
func generateSyncToken(uid string, cursor int64, secretKey string) (string, error) {
	now := time.Now()

	claims := &syncClaims{
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: now.Add(syncTokenExpiration).Unix(),
			IssuedAt:  now.Unix(),
			Issuer:    tokenIssuer,
		},
		UID:    uid,
		Cursor: cursor,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secretKey))
}

// parseSyncToken parses and validates a sync token string.
func parseSyncToken(tokenString, secretKey string) (*syncClaims, error) {
	claims := &syncClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secretKey), nil
	})
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid or expired token")
	}

	return claims, nil
}
