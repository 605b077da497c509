// Package token encodes and verifies the HMAC-signed bearer tokens that
// agents receive in exchange for an API key.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Codec errors
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingSub   = errors.New("token payload has no subject")
)

// Claims carried by a bearer token. Scopes are a snapshot of the agent's
// capability names at mint time; later grants or revocations do not affect
// outstanding tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Codec mints and verifies bearer tokens with a shared HMAC secret.
type Codec struct {
	secret []byte
	method jwt.SigningMethod
	ttl    time.Duration
	now    func() time.Time
}

// New creates a codec. Supported algorithms are HS256 (default), HS384 and
// HS512; anything else is rejected at construction time rather than at the
// first mint.
func New(secret, algorithm string, ttl time.Duration) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	var method jwt.SigningMethod
	switch algorithm {
	case "", "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported jwt algorithm %q", algorithm)
	}

	return &Codec{
		secret: []byte(secret),
		method: method,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// WithNow overrides the clock. Test hook.
func (c *Codec) WithNow(now func() time.Time) *Codec {
	c.now = now
	return c
}

// TTL returns the configured token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Mint signs a token for the given agent with a snapshot of its scopes.
func (c *Codec) Mint(agentID string, scopes []string) (string, error) {
	if scopes == nil {
		scopes = []string{}
	}
	now := c.now().UTC()

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
		Scopes: scopes,
	}

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, rejecting bad signatures, expired
// tokens, algorithm mismatches and structurally malformed input. A valid
// token without a subject is also rejected.
func (c *Codec) Verify(tokenStr string) (*Claims, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != c.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return c.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return c.now() }))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, ErrMissingSub
	}
	return claims, nil
}
