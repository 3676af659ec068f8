package services

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"

	"github.com/DataBiosphere/externalcreds/errors"
)

// stateTokenVersion is bumped whenever the encoded structure changes, so
// tokens issued by older instances can be rejected cleanly.
const stateTokenVersion = 1

// stateToken is the decoded form of the opaque OAuth2 callback state
// parameter: the provider it belongs to, a single-use random nonce, and
// the originally requested redirect URI.
type stateToken struct {
	Version     int    `json:"v"`
	Provider    string `json:"provider"`
	Nonce       string `json:"nonce"`
	RedirectURI string `json:"redirect_uri"`
}

// newStateNonce generates a unique, unguessable nonce.
func newStateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func encodeState(st stateToken) (string, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeState parses an encoded state parameter. Any structural problem is
// a caller error; the untrusted input is never echoed back.
func decodeState(encoded string) (stateToken, error) {
	var st stateToken
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return st, errors.ErrInvalidState
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, errors.ErrInvalidState
	}
	if st.Version != stateTokenVersion || st.Nonce == "" || st.Provider == "" {
		return st, errors.ErrInvalidState
	}
	return st, nil
}
