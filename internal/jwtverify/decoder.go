package jwtverify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
)

// DefaultKeySetTTL is how long fetched key sets and discovery lookups stay
// cached. Key servers are rate limited; a multi-hour interval mirrors how
// rarely signing keys actually rotate.
const DefaultKeySetTTL = 6 * time.Hour

var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// VerifiedToken is the outcome of a successful decode: the raw token plus
// its verified claims and header.
type VerifiedToken struct {
	Raw    string
	Claims jwt.MapClaims
	Header map[string]interface{}
}

// JKU returns the token's jku header, if present.
func (t *VerifiedToken) JKU() (string, bool) {
	jku, ok := t.Header["jku"].(string)
	return jku, ok && jku != ""
}

// Decoder decodes and cryptographically verifies third-party bearer tokens.
// Signing keys are resolved from the issuer's discovery document, or — when
// the token names its own key set via a jku header — from that URL, but
// only if the URL is on the administrator-controlled allow-list. The jku
// header is attacker-controlled input, so the allow-list fails closed.
//
// Every failure mode folds into *errors.InvalidJWTError: callers learn only
// that the token is not trustworthy, while logs retain the reason.
type Decoder struct {
	allowedJWKSURIs map[string]struct{}
	httpClient      *http.Client
	timeout         time.Duration

	// jwksURIs caches issuer -> jwks_uri discovery lookups; keySets caches
	// jwks URL -> parsed keys. Both fills are collapsed across concurrent
	// callers.
	jwksURIs *ttlcache.Cache[string, string]
	keySets  *ttlcache.Cache[string, *keySet]
	group    singleflight.Group
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithHTTPClient overrides the HTTP client used for key retrieval.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Decoder) { d.httpClient = c }
}

// WithTimeout overrides the per-fetch timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Decoder) { d.timeout = t }
}

// WithKeySetTTL overrides the key cache TTL.
func WithKeySetTTL(ttl time.Duration) Option {
	return func(d *Decoder) {
		d.jwksURIs = ttlcache.New(ttlcache.WithTTL[string, string](ttl))
		d.keySets = ttlcache.New(ttlcache.WithTTL[string, *keySet](ttl))
	}
}

// NewDecoder creates a Decoder trusting exactly the given key-set URLs for
// jku-bearing tokens.
func NewDecoder(allowedJWKSURIs []string, opts ...Option) *Decoder {
	d := &Decoder{
		allowedJWKSURIs: make(map[string]struct{}, len(allowedJWKSURIs)),
		httpClient:      http.DefaultClient,
		timeout:         30 * time.Second,
		jwksURIs:        ttlcache.New(ttlcache.WithTTL[string, string](DefaultKeySetTTL)),
		keySets:         ttlcache.New(ttlcache.WithTTL[string, *keySet](DefaultKeySetTTL)),
	}
	for _, uri := range allowedJWKSURIs {
		d.allowedJWKSURIs[uri] = struct{}{}
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.jwksURIs.Start()
	go d.keySets.Start()
	return d
}

// Stop shuts down the cache expiry goroutines.
func (d *Decoder) Stop() {
	d.jwksURIs.Stop()
	d.keySets.Stop()
}

// Decode verifies tokenString and returns its claims. The token's issuer
// claim is required; expiry is required and enforced.
func (d *Decoder) Decode(ctx context.Context, tokenString string) (*VerifiedToken, error) {
	// First pass: parse without verifying to learn where the keys live.
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, d.fail(ctx, "malformed token", err)
	}

	claims, ok := unverified.Claims.(jwt.MapClaims)
	if !ok {
		return nil, d.fail(ctx, "unexpected claims type", nil)
	}
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, d.fail(ctx, "missing issuer claim", err)
	}

	var jwksURL string
	if jku, ok := unverified.Header["jku"].(string); ok && jku != "" {
		// The token asserts where its own keys live — a forgeable signal.
		// Only allow-listed URLs are trusted; everything else fails closed.
		if _, trusted := d.allowedJWKSURIs[jku]; !trusted {
			return nil, d.fail(ctx, fmt.Sprintf("jku %q is not on the allow-list", jku), nil)
		}
		jwksURL = jku
	} else {
		jwksURL, err = d.jwksURIForIssuer(ctx, issuer)
		if err != nil {
			return nil, d.fail(ctx, "failed to resolve issuer keys", err)
		}
	}

	keys, err := d.keySet(ctx, jwksURL)
	if err != nil {
		return nil, d.fail(ctx, "failed to fetch key set", err)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	verified, err := parser.ParseWithClaims(tokenString, jwt.MapClaims{}, keys.keyfunc)
	if err != nil {
		return nil, d.fail(ctx, "signature or claims verification failed", err)
	}

	return &VerifiedToken{
		Raw:    tokenString,
		Claims: verified.Claims.(jwt.MapClaims),
		Header: verified.Header,
	}, nil
}

// fail logs the internal reason and returns the opaque error.
func (d *Decoder) fail(ctx context.Context, reason string, err error) error {
	log.Ctx(ctx).Debug().Err(err).Str("reason", reason).Msg("jwt decode rejected")
	return errors.NewInvalidJWT(reason, err)
}

// jwksURIForIssuer resolves an issuer's jwks_uri via its discovery
// document, cached per issuer.
func (d *Decoder) jwksURIForIssuer(ctx context.Context, issuer string) (string, error) {
	if item := d.jwksURIs.Get(issuer); item != nil {
		return item.Value(), nil
	}
	v, err, _ := d.group.Do("iss:"+issuer, func() (interface{}, error) {
		if item := d.jwksURIs.Get(issuer); item != nil {
			return item.Value(), nil
		}
		uri, err := d.fetchJWKSURI(ctx, issuer)
		if err != nil {
			return nil, err
		}
		d.jwksURIs.Set(issuer, uri, ttlcache.DefaultTTL)
		return uri, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// keySet fetches and caches the key set at jwksURL; one network fetch per
// URL, collapsed across concurrent callers.
func (d *Decoder) keySet(ctx context.Context, jwksURL string) (*keySet, error) {
	if item := d.keySets.Get(jwksURL); item != nil {
		return item.Value(), nil
	}
	v, err, _ := d.group.Do("jwks:"+jwksURL, func() (interface{}, error) {
		if item := d.keySets.Get(jwksURL); item != nil {
			return item.Value(), nil
		}
		body, err := d.fetch(ctx, jwksURL)
		if err != nil {
			return nil, err
		}
		set, err := parseJWKS(body)
		if err != nil {
			return nil, err
		}
		d.keySets.Set(jwksURL, set, ttlcache.DefaultTTL)
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

func (d *Decoder) fetchJWKSURI(ctx context.Context, issuer string) (string, error) {
	body, err := d.fetch(ctx, providerclient.DiscoveryURL(issuer))
	if err != nil {
		return "", err
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return doc.JWKSURI, nil
}

func (d *Decoder) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch of %s returned status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
