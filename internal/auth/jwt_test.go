package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier("  ")
	require.Error(t, err)
}

func TestSubject_RoundTrip(t *testing.T) {
	v, err := NewVerifier("test-secret")
	require.NoError(t, err)

	token, err := v.Sign("u1", time.Minute)
	require.NoError(t, err)

	sub, err := v.Subject(token)
	require.NoError(t, err)
	require.Equal(t, "u1", sub)

	sub, err = v.Subject("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "u1", sub)
}

func TestSubject_Rejects(t *testing.T) {
	v, err := NewVerifier("test-secret")
	require.NoError(t, err)
	other, err := NewVerifier("other-secret")
	require.NoError(t, err)

	expired, err := v.Sign("u1", -time.Minute)
	require.NoError(t, err)
	foreign, err := other.Sign("u1", time.Minute)
	require.NoError(t, err)
	noSubject, err := v.Sign("", time.Minute)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	wrongAlg, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	cases := map[string]string{
		"empty":      "",
		"garbage":    "not-a-jwt",
		"expired":    expired,
		"wrong key":  foreign,
		"no subject": noSubject,
		"no expiry":  noExpiry,
		"wrong alg":  wrongAlg,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Subject(token)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
