// Package identity verifies the bearer tokens that name the human actor
// behind privileged gate operations. Tokens are HS256 JWTs minted by the
// surrounding platform; the gate only verifies and extracts the subject.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the token claims the gate cares about.
type Claims struct {
	Actor string `json:"actor,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates actor tokens against a shared secret.
type Verifier struct {
	secret []byte
	clock  func() time.Time
}

// NewVerifier creates a verifier. An empty secret disables verification and
// Actor returns an error for every token.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Enabled reports whether a secret is configured.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Actor extracts the verified actor from an "Authorization: Bearer" value.
func (v *Verifier) Actor(authorization string) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("identity: no auth secret configured")
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer"))
	if raw == "" {
		return "", fmt.Errorf("identity: empty bearer token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.clock), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("identity: token invalid: %w", err)
	}
	if !token.Valid {
		return "", fmt.Errorf("identity: token invalid")
	}

	actor := claims.Actor
	if actor == "" {
		actor = claims.Subject
	}
	if actor == "" {
		return "", fmt.Errorf("identity: token names no actor")
	}
	return actor, nil
}

// Mint issues a short-lived actor token; used by tests and local tooling.
func Mint(secret, actor string, ttl time.Duration, now time.Time) (string, error) {
	claims := &Claims{
		Actor: actor,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
