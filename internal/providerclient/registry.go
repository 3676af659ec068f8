package providerclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/DataBiosphere/externalcreds/config"
	"github.com/DataBiosphere/externalcreds/errors"
)

// DefaultDescriptorTTL is how long a resolved descriptor is served from
// cache before discovery is consulted again. Discovery documents rarely
// change, and repeated discovery calls would burn provider rate limits on
// every credential operation.
const DefaultDescriptorTTL = 1 * time.Hour

// Registry resolves logical provider identifiers to ClientDescriptors.
// Resolution hits the provider's discovery document, so results are cached
// per provider and concurrent resolutions of the same uncached provider
// collapse to a single discovery call.
type Registry struct {
	providers  map[string]config.ProviderConfig
	httpClient *http.Client
	timeout    time.Duration

	cache *ttlcache.Cache[string, *ClientDescriptor]
	group singleflight.Group
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient overrides the HTTP client used for discovery calls.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.httpClient = c }
}

// WithTimeout overrides the per-call discovery timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithDescriptorTTL overrides the cache TTL.
func WithDescriptorTTL(d time.Duration) Option {
	return func(r *Registry) {
		r.cache = ttlcache.New(
			ttlcache.WithTTL[string, *ClientDescriptor](d),
			ttlcache.WithDisableTouchOnHit[string, *ClientDescriptor](),
		)
	}
}

// NewRegistry creates a Registry over the configured providers.
func NewRegistry(providers map[string]config.ProviderConfig, opts ...Option) *Registry {
	r := &Registry{
		providers:  providers,
		httpClient: http.DefaultClient,
		timeout:    30 * time.Second,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, *ClientDescriptor](DefaultDescriptorTTL),
			ttlcache.WithDisableTouchOnHit[string, *ClientDescriptor](),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.cache.Start()
	return r
}

// Stop shuts down the cache's expiry goroutine.
func (r *Registry) Stop() {
	r.cache.Stop()
}

// Resolve returns the ClientDescriptor for providerID, performing and
// caching a discovery call if needed. Unknown providers are a caller error.
func (r *Registry) Resolve(ctx context.Context, providerID string) (*ClientDescriptor, error) {
	if item := r.cache.Get(providerID); item != nil {
		return item.Value(), nil
	}

	v, err, _ := r.group.Do(providerID, func() (interface{}, error) {
		// A concurrent caller may have filled the cache while we waited
		// for the group slot.
		if item := r.cache.Get(providerID); item != nil {
			return item.Value(), nil
		}
		desc, err := r.resolve(ctx, providerID)
		if err != nil {
			return nil, err
		}
		r.cache.Set(providerID, desc, ttlcache.DefaultTTL)
		return desc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ClientDescriptor), nil
}

// resolve fetches the provider's discovery document and layers the static
// overrides on top, producing one immutable descriptor.
func (r *Registry) resolve(ctx context.Context, providerID string) (*ClientDescriptor, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return nil, errors.ErrProviderNotFound
	}

	doc, err := r.fetchDiscovery(ctx, p.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovery for provider %s: %w", providerID, err)
	}

	desc := &ClientDescriptor{
		ProviderID:            providerID,
		Issuer:                p.Issuer,
		ClientID:              p.ClientID,
		ClientSecret:          p.ClientSecret,
		Scopes:                p.Scopes,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		UserInfoEndpoint:      doc.UserInfoEndpoint,
		RevocationEndpoint:    doc.RevocationEndpoint,
		JWKSEndpoint:          doc.JWKSURI,
		LinkLifetime:          p.LinkLifetime,
		ExternalIDClaim:       p.ExternalIDClaim,
		UseDistributedLock:    p.UseDistributedLock,
	}

	// Static overrides win over discovery.
	if p.AuthorizationEndpoint != "" {
		desc.AuthorizationEndpoint = p.AuthorizationEndpoint
	}
	if p.TokenEndpoint != "" {
		desc.TokenEndpoint = p.TokenEndpoint
	}
	if p.UserInfoEndpoint != "" {
		desc.UserInfoEndpoint = p.UserInfoEndpoint
	}
	if p.RevocationEndpoint != "" {
		desc.RevocationEndpoint = p.RevocationEndpoint
	}
	if p.JWKSEndpoint != "" {
		desc.JWKSEndpoint = p.JWKSEndpoint
	}

	log.Debug().Str("provider", providerID).Str("issuer", p.Issuer).Msg("resolved provider client descriptor")
	return desc, nil
}

// discoveryDocument is the subset of the OIDC discovery response we use.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// DiscoveryURL returns the well-known discovery document URL for an issuer.
func DiscoveryURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
}

func (r *Registry) fetchDiscovery(ctx context.Context, issuer string) (*discoveryDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, DiscoveryURL(issuer), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("discovery document fetch returned status %d: %s", resp.StatusCode, string(body))
	}

	var doc discoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	return &doc, nil
}
