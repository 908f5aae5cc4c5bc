package state

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testSecret() []byte {
	return []byte(strings.Repeat("s", 32))
}

func TestCodec_RoundTrip(t *testing.T) {
	codec, err := NewCodec(testSecret(), 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	claims := &Claims{
		ClientID:            "proxy_abc",
		RedirectURI:         "https://app.example.com/callback",
		OriginalState:       "client-state",
		CodeChallenge:       "challenge-value",
		CodeChallengeMethod: "S256",
		Scope:               "mcp:read mcp:write",
	}
	token, err := codec.Encode(claims)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	decoded, err := codec.Decode(token)
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.ClientID != claims.ClientID {
		t.Errorf("expected client id %v, got %v", claims.ClientID, decoded.ClientID)
	}
	if decoded.RedirectURI != claims.RedirectURI {
		t.Errorf("expected redirect uri %v, got %v", claims.RedirectURI, decoded.RedirectURI)
	}
	if decoded.OriginalState != claims.OriginalState {
		t.Errorf("expected original state %v, got %v", claims.OriginalState, decoded.OriginalState)
	}
	if decoded.CodeChallenge != claims.CodeChallenge || decoded.CodeChallengeMethod != claims.CodeChallengeMethod {
		t.Errorf("expected challenge %v/%v, got %v/%v", claims.CodeChallenge, claims.CodeChallengeMethod, decoded.CodeChallenge, decoded.CodeChallengeMethod)
	}
	if decoded.Scope != claims.Scope {
		t.Errorf("expected scope %v, got %v", claims.Scope, decoded.Scope)
	}
	if decoded.ExpiresAt == nil || decoded.IssuedAt == nil {
		t.Fatalf("expected issued and expiry timestamps")
	}
	if !decoded.ExpiresAt.After(decoded.IssuedAt.Time) {
		t.Errorf("expected expiry after issue, got %v <= %v", decoded.ExpiresAt, decoded.IssuedAt)
	}
}

func TestCodec_RejectsShortSecret(t *testing.T) {
	if _, err := NewCodec([]byte("too-short"), 0); err == nil {
		t.Errorf("expected short secret to be rejected")
	}
}

func TestCodec_RejectsWrongSecret(t *testing.T) {
	encoder, err := NewCodec(testSecret(), 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	decoder, err := NewCodec([]byte(strings.Repeat("x", 32)), 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	token, err := encoder.Encode(&Claims{ClientID: "proxy_abc", RedirectURI: "https://app.example.com/cb"})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if _, err := decoder.Decode(token); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestCodec_RejectsExpiredToken(t *testing.T) {
	codec, err := NewCodec(testSecret(), 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	codec.ttl = time.Nanosecond
	token, err := codec.Encode(&Claims{ClientID: "proxy_abc", RedirectURI: "https://app.example.com/cb"})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := codec.Decode(token); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected expired token to be rejected, got %v", err)
	}
}

func TestCodec_RejectsUnsignedToken(t *testing.T) {
	codec, err := NewCodec(testSecret(), 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	claims := &Claims{ClientID: "proxy_abc", RedirectURI: "https://app.example.com/cb"}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(time.Minute))
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build unsigned token: %v", err)
	}
	if _, err := codec.Decode(unsigned); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected unsigned token to be rejected, got %v", err)
	}
}

func TestCodec_RejectsTamperedToken(t *testing.T) {
	codec, err := NewCodec(testSecret(), 0)
	if err != nil {
		t.Fatalf("failed to create codec: %v", err)
	}
	token, err := codec.Encode(&Claims{ClientID: "proxy_abc", RedirectURI: "https://app.example.com/cb"})
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected three token segments, got %d", len(parts))
	}
	signature := []byte(parts[2])
	if signature[0] == 'A' {
		signature[0] = 'B'
	} else {
		signature[0] = 'A'
	}
	tampered := parts[0] + "." + parts[1] + "." + string(signature)
	if _, err := codec.Decode(tampered); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected tampered token to be rejected, got %v", err)
	}
}
