package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHS256RoundTrip(t *testing.T) {
	claims := Claims{
		Sub:  "ops-1",
		Role: "operator",
		Iat:  time.Now().Unix(),
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
	token, err := SignHS256(claims, "secret")
	require.NoError(t, err)

	got, err := ParseAndVerifyHS256(token, "secret")
	require.NoError(t, err)
	assert.Equal(t, claims, *got)
}

func TestHS256_WrongSecret(t *testing.T) {
	token, err := SignHS256(Claims{Sub: "ops-1", Role: "operator"}, "secret")
	require.NoError(t, err)

	_, err = ParseAndVerifyHS256(token, "other")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestHS256_Expired(t *testing.T) {
	token, err := SignHS256(Claims{Sub: "ops-1", Exp: time.Now().Add(-time.Minute).Unix()}, "secret")
	require.NoError(t, err)

	_, err = ParseAndVerifyHS256(token, "secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestHS256_Malformed(t *testing.T) {
	_, err := ParseAndVerifyHS256("not-a-token", "secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}
