// Package state signs and verifies the proxy state carried through the
// external authorization server during the authorization-code flow.
package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL bounds the authorize-to-callback window.
const DefaultTTL = 600 * time.Second

// MinSecretLen is the shortest accepted HS256 signing key.
const MinSecretLen = 32

// ErrInvalidState marks a state token that failed verification.
var ErrInvalidState = errors.New("invalid state token")

// Claims is the proxy state payload. It binds the callback to the downstream
// client that initiated authorization so the flow can be resumed without
// server-side storage.
type Claims struct {
	ClientID            string `json:"clientId"`
	RedirectURI         string `json:"redirectUri"`
	OriginalState       string `json:"originalState,omitempty"`
	CodeChallenge       string `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string `json:"codeChallengeMethod,omitempty"`
	Scope               string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies state tokens with a shared HS256 secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
}

// NewCodec returns a codec for the supplied secret; ttl falls back to
// DefaultTTL when non-positive.
func NewCodec(secret []byte, ttl time.Duration) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("state secret must be at least %d bytes, got %d", MinSecretLen, len(secret))
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Codec{secret: secret, ttl: ttl}, nil
}

// Encode stamps and signs the supplied claims.
func (c *Codec) Encode(claims *Claims) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(c.ttl))
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign state token: %w", err)
	}
	return signed, nil
}

// Decode verifies the signature and expiry and returns the embedded claims.
func (c *Codec) Decode(value string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(value, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if !token.Valid {
		return nil, ErrInvalidState
	}
	return claims, nil
}
