package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/outrun-sh/outrun/pkg/proto"
)

// Tokens authenticate RPC connections. The transport itself is an encrypted
// tunnel provided by the session collaborator, so the token's only job is to
// stop other local processes from talking to the server's loopback port.
// HS256 over a per-session random secret keeps verification constant-time
// and self-contained.

// secretSize is the HMAC secret length in bytes.
const secretSize = 32

// DefaultTokenTTL bounds how long a minted token stays valid. Sessions
// re-handshake well within this window.
const DefaultTokenTTL = 24 * time.Hour

// NewSecret generates a fresh per-session signing secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	return secret, nil
}

// NewID generates a random session identifier.
func NewID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

type tokenClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// MintToken creates the bearer token for a session. A zero ttl means
// DefaultTokenTTL; a negative ttl yields an already expired token.
func MintToken(secret []byte, sessionID string, ttl time.Duration) (string, error) {
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now()

	claims := tokenClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return token, nil
}

// VerifyToken checks a presented token and returns the session id it was
// minted for. Every failure collapses to AuthFailed so the error reveals
// nothing about why verification failed.
func VerifyToken(secret []byte, token string) (string, error) {
	claims := &tokenClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil || !parsed.Valid || claims.SessionID == "" {
		return "", proto.ErrAuthFailed
	}
	return claims.SessionID, nil
}
