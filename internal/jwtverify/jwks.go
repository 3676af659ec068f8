package jwtverify

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/golang-jwt/jwt/v5"
)

// jsonWebKey is one entry of a JWKS document. RSA keys carry N/E, EC keys
// carry Crv/X/Y; all values are base64url without padding.
type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

type jsonWebKeySet struct {
	Keys []jsonWebKey `json:"keys"`
}

// keySet holds the parsed public keys of one JWKS document, indexed by kid.
type keySet struct {
	byKid map[string]crypto.PublicKey
	all   []crypto.PublicKey
}

// keyfunc selects the verification key for a token. Tokens without a kid
// header are accepted only when the set holds exactly one key.
func (s *keySet) keyfunc(token *jwt.Token) (interface{}, error) {
	if kid, ok := token.Header["kid"].(string); ok && kid != "" {
		key, ok := s.byKid[kid]
		if !ok {
			return nil, fmt.Errorf("no key with kid %q in key set", kid)
		}
		return key, nil
	}
	if len(s.all) == 1 {
		return s.all[0], nil
	}
	return nil, fmt.Errorf("token has no kid and key set holds %d keys", len(s.all))
}

// parseJWKS decodes a JWKS document into usable public keys. Keys of
// unsupported types are skipped rather than failing the whole set.
func parseJWKS(data []byte) (*keySet, error) {
	var doc jsonWebKeySet
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key set: %w", err)
	}

	set := &keySet{byKid: make(map[string]crypto.PublicKey)}
	for _, k := range doc.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		var (
			pub crypto.PublicKey
			err error
		)
		switch k.Kty {
		case "RSA":
			pub, err = parseRSAKey(k)
		case "EC":
			pub, err = parseECKey(k)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		set.byKid[k.Kid] = pub
		set.all = append(set.all, pub)
	}

	if len(set.all) == 0 {
		return nil, fmt.Errorf("key set contains no usable signing keys")
	}
	return set, nil
}

func parseRSAKey(k jsonWebKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid RSA modulus for kid %q: %w", k.Kid, err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid RSA exponent for kid %q: %w", k.Kid, err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseECKey(k jsonWebKey) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported EC curve %q for kid %q", k.Crv, k.Kid)
	}
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("invalid EC x coordinate for kid %q: %w", k.Kid, err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("invalid EC y coordinate for kid %q: %w", k.Kid, err)
	}
	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
