// Package store persists the proxy's client registrations, authorization-code
// mappings and token mappings.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("not found")

// Token mapping kinds.
const (
	TokenTypeAccess  = "access_token"
	TokenTypeRefresh = "refresh_token"
)

// ClientRegistration is a dynamically registered downstream client. Only the
// SHA-256 hash of the client secret is kept.
type ClientRegistration struct {
	ClientID      string
	SecretHash    string
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string
	AuthMethod    string
	Scope         string
	Metadata      map[string]string
	CreatedAt     time.Time
}

// AuthCodeMapping links an upstream authorization code to the downstream
// client it was minted for.
type AuthCodeMapping struct {
	Code                string
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// TokenMapping links a hashed upstream token to the downstream client it was
// issued to. A zero ExpiresAt means the token does not expire locally.
type TokenMapping struct {
	ClientID  string
	TokenType string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ClientStore persists downstream client registrations.
type ClientStore interface {
	SaveClient(ctx context.Context, client *ClientRegistration) error
	Client(ctx context.Context, clientID string) (*ClientRegistration, error)
}

// CodeStore persists authorization-code mappings. ConsumeCode removes the
// mapping so each code redeems at most once.
type CodeStore interface {
	SaveCode(ctx context.Context, mapping *AuthCodeMapping) error
	ConsumeCode(ctx context.Context, code string) (*AuthCodeMapping, error)
}

// TokenStore persists token mappings keyed by token hash.
type TokenStore interface {
	SaveToken(ctx context.Context, hash string, mapping *TokenMapping) error
	Token(ctx context.Context, hash string) (*TokenMapping, error)
	DeleteToken(ctx context.Context, hash string) error
}

// HashToken returns the hex SHA-256 digest under which tokens and client
// secrets are stored; plaintext values never reach the store.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
