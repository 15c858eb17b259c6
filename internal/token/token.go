// Package token issues and verifies the opaque signed credential carried by
// the auth command: {user, kind, exp, v=1}, HS256-signed against a shared
// secret, with a generous expiry leeway since tokens are never refreshed
// server-side.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kind is who the token authenticates as.
type Kind string

const (
	KindUser   Kind = "user"
	KindDaemon Kind = "daemon"
)

// Leeway absorbs clock skew and long-lived client/daemon credentials; the
// spec calls for "a generous leeway (~5x30 days)".
const Leeway = 150 * 24 * time.Hour

const Version = 1

// Claims is the token payload.
type Claims struct {
	User string `json:"user"`
	Kind Kind   `json:"kind"`
	V    int    `json:"v"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens against one shared secret. Tokens are
// never stored server-side; the secret is the sole trust anchor.
type Issuer struct {
	secret []byte
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{secret: []byte(secret)}
}

// Issue mints a signed token for user/kind with the given lifetime.
func (i *Issuer) Issue(user string, kind Kind, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		User: user,
		Kind: kind,
		V:    Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// IssueNoExpiry mints a signed token for user/kind that never expires (no
// exp claim at all, so Verify's expiry check never triggers). Used for
// payloads that must stay verifiable for as long as an external resource
// (e.g. a container) exists, which can outlive any bounded TTL.
func (i *Issuer) IssueNoExpiry(user string, kind Kind) (string, error) {
	claims := Claims{
		User: user,
		Kind: kind,
		V:    Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.secret)
}

// Verify parses and validates a token string, applying Leeway to
// expiration checks. Returns the claims on success.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token: unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithLeeway(Leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errExpired
		}
		return nil, errInvalid(err)
	}
	if !parsed.Valid {
		return nil, errInvalid(nil)
	}
	if claims.User == "" {
		return nil, errMissingUser
	}
	if claims.Kind == "" {
		return nil, errMissingKind
	}
	if claims.Kind != KindUser && claims.Kind != KindDaemon {
		return nil, errBadKind
	}
	return claims, nil
}
