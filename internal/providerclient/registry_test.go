package providerclient_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/externalcreds/config"
	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
)

func newDiscoveryServer(t *testing.T, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"issuer": "` + server.URL + `",
			"authorization_endpoint": "` + server.URL + `/authorize",
			"token_endpoint": "` + server.URL + `/token",
			"userinfo_endpoint": "` + server.URL + `/userinfo",
			"revocation_endpoint": "` + server.URL + `/revoke",
			"jwks_uri": "` + server.URL + `/jwks"
		}`))
	})
	return server
}

func TestResolveMergesDiscovery(t *testing.T) {
	server := newDiscoveryServer(t, nil)

	registry := providerclient.NewRegistry(map[string]config.ProviderConfig{
		"ras": {
			Issuer:       server.URL,
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Scopes:       []string{"openid", "ga4gh_passport_v1"},
			LinkLifetime: 30 * 24 * time.Hour,
		},
	})
	defer registry.Stop()

	desc, err := registry.Resolve(context.Background(), "ras")
	require.NoError(t, err)

	assert.Equal(t, "ras", desc.ProviderID)
	assert.Equal(t, "client-id", desc.ClientID)
	assert.Equal(t, server.URL+"/authorize", desc.AuthorizationEndpoint)
	assert.Equal(t, server.URL+"/token", desc.TokenEndpoint)
	assert.Equal(t, server.URL+"/userinfo", desc.UserInfoEndpoint)
	assert.Equal(t, server.URL+"/revoke", desc.RevocationEndpoint)
	assert.Equal(t, server.URL+"/jwks", desc.JWKSEndpoint)
}

func TestResolveStaticOverridesWin(t *testing.T) {
	server := newDiscoveryServer(t, nil)

	registry := providerclient.NewRegistry(map[string]config.ProviderConfig{
		"ras": {
			Issuer:        server.URL,
			ClientID:      "client-id",
			TokenEndpoint: "https://override.example.com/token",
			JWKSEndpoint:  "https://override.example.com/jwks",
		},
	})
	defer registry.Stop()

	desc, err := registry.Resolve(context.Background(), "ras")
	require.NoError(t, err)

	assert.Equal(t, "https://override.example.com/token", desc.TokenEndpoint)
	assert.Equal(t, "https://override.example.com/jwks", desc.JWKSEndpoint)
	// Non-overridden endpoints still come from discovery.
	assert.Equal(t, server.URL+"/authorize", desc.AuthorizationEndpoint)
}

func TestResolveUnknownProvider(t *testing.T) {
	registry := providerclient.NewRegistry(map[string]config.ProviderConfig{})
	defer registry.Stop()

	_, err := registry.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, errors.ErrProviderNotFound)
}

func TestResolveCollapsesConcurrentDiscovery(t *testing.T) {
	var calls atomic.Int64
	server := newDiscoveryServer(t, &calls)

	registry := providerclient.NewRegistry(map[string]config.ProviderConfig{
		"ras": {Issuer: server.URL, ClientID: "client-id"},
	})
	defer registry.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := registry.Resolve(context.Background(), "ras")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent resolutions should share one discovery call")

	// Subsequent calls are served from cache.
	_, err := registry.Resolve(context.Background(), "ras")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestDiscoveryURL(t *testing.T) {
	assert.Equal(t, "https://iss.example.com/.well-known/openid-configuration",
		providerclient.DiscoveryURL("https://iss.example.com"))
	assert.Equal(t, "https://iss.example.com/.well-known/openid-configuration",
		providerclient.DiscoveryURL("https://iss.example.com/"))
}
