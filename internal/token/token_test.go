package token

import (
	"testing"
	"time"

	"github.com/ariesdockerd/ariesdockerd/internal/errs"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify_RoundTrips(t *testing.T) {
	issuer := NewIssuer("shh")

	tok, err := issuer.Issue("alice", KindUser, time.Hour)
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.User)
	require.Equal(t, KindUser, claims.Kind)
}

func TestVerify_RejectsBadSecret(t *testing.T) {
	tok, err := NewIssuer("shh").Issue("alice", KindUser, time.Hour)
	require.NoError(t, err)

	_, err = NewIssuer("different").Verify(tok)
	require.Error(t, err)
	require.Equal(t, errs.InvalidToken, errs.As(err).Code)
}

func TestVerify_RejectsMissingUserOrKind(t *testing.T) {
	issuer := NewIssuer("shh")

	tok, err := issuer.Issue("", KindUser, time.Hour)
	require.NoError(t, err)
	_, err = issuer.Verify(tok)
	require.Equal(t, errs.MissingUser, errs.As(err).Code)

	tok, err = signRaw(issuer, Claims{
		User: "alice",
		V:    Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)
	_, err = issuer.Verify(tok)
	require.Equal(t, errs.MissingKind, errs.As(err).Code)
}

func TestVerify_RejectsUnknownKind(t *testing.T) {
	issuer := NewIssuer("shh")
	tok, err := signRaw(issuer, Claims{
		User: "alice",
		Kind: Kind("root"),
		V:    Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	require.NoError(t, err)

	_, err = issuer.Verify(tok)
	require.Equal(t, errs.BadKind, errs.As(err).Code)
}

// TestVerify_ExpiryWithinLeeway covers the case a v4/v5 API mismatch would
// have broken at compile time: a token whose exp already passed but still
// falls inside Leeway must verify successfully.
func TestVerify_ExpiryWithinLeeway(t *testing.T) {
	issuer := NewIssuer("shh")
	tok, err := signRaw(issuer, Claims{
		User: "alice",
		Kind: KindUser,
		V:    Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * Leeway)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-Leeway / 2)),
		},
	})
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.User)
}

func TestVerify_ExpiryBeyondLeewayFails(t *testing.T) {
	issuer := NewIssuer("shh")
	tok, err := signRaw(issuer, Claims{
		User: "alice",
		Kind: KindUser,
		V:    Version,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * Leeway)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-Leeway - time.Hour)),
		},
	})
	require.NoError(t, err)

	_, err = issuer.Verify(tok)
	require.Equal(t, errs.TokenExpired, errs.As(err).Code)
}

func TestIssueNoExpiry_NeverExpires(t *testing.T) {
	issuer := NewIssuer("shh")
	tok, err := issuer.IssueNoExpiry("payload", KindDaemon)
	require.NoError(t, err)

	claims, err := issuer.Verify(tok)
	require.NoError(t, err)
	require.Equal(t, "payload", claims.User)
	require.Nil(t, claims.ExpiresAt)
}

// signRaw signs arbitrary claims directly, bypassing Issue, so tests can
// construct tokens with exp values Issue's ttl-from-now API can't express.
func signRaw(issuer *Issuer, claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(issuer.secret)
}
