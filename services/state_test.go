package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/externalcreds/errors"
)

func TestStateRoundTrip(t *testing.T) {
	nonce, err := newStateNonce()
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	encoded, err := encodeState(stateToken{
		Version:     stateTokenVersion,
		Provider:    "ras",
		Nonce:       nonce,
		RedirectURI: "https://app.example.com/cb",
	})
	require.NoError(t, err)

	decoded, err := decodeState(encoded)
	require.NoError(t, err)
	assert.Equal(t, "ras", decoded.Provider)
	assert.Equal(t, nonce, decoded.Nonce)
	assert.Equal(t, "https://app.example.com/cb", decoded.RedirectURI)
}

func TestStateNoncesAreUnique(t *testing.T) {
	a, err := newStateNonce()
	require.NoError(t, err)
	b, err := newStateNonce()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecodeStateRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not base64":    "!!!not-base64!!!",
		"not json":      "bm90LWpzb24",
		"empty":         "",
		"empty object":  "e30",
		"wrong version": "eyJ2Ijo5OSwicHJvdmlkZXIiOiJyYXMiLCJub25jZSI6Im4ifQ",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeState(input)
			assert.ErrorIs(t, err, errors.ErrInvalidState)
		})
	}
}
