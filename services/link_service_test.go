package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/externalcreds/config"
	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/ga4gh"
	"github.com/DataBiosphere/externalcreds/internal/jwtverify"
	"github.com/DataBiosphere/externalcreds/internal/oauth"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
	"github.com/DataBiosphere/externalcreds/memory"
	"github.com/DataBiosphere/externalcreds/services"
)

// --- in-memory repository fakes ---

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*domain.LinkedAccount
	nextID   int
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{accounts: make(map[string]*domain.LinkedAccount)}
}

func key(userID, provider string) string { return userID + "|" + provider }

func (f *fakeAccounts) GetByUserAndProvider(_ context.Context, userID, provider string) (*domain.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	account, ok := f.accounts[key(userID, provider)]
	if !ok {
		return nil, errors.ErrLinkNotFound
	}
	copied := *account
	return &copied, nil
}

func (f *fakeAccounts) Upsert(_ context.Context, account *domain.LinkedAccount) (*domain.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.accounts[key(account.UserID, account.Provider)]; ok {
		account.ID = existing.ID
	} else {
		f.nextID++
		account.ID = "acct-" + strconv.Itoa(f.nextID)
	}
	copied := *account
	f.accounts[key(account.UserID, account.Provider)] = &copied
	return account, nil
}

func (f *fakeAccounts) Update(_ context.Context, account *domain.LinkedAccount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *account
	f.accounts[key(account.UserID, account.Provider)] = &copied
	return nil
}

func (f *fakeAccounts) Delete(_ context.Context, userID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[key(userID, provider)]; !ok {
		return errors.ErrLinkNotFound
	}
	delete(f.accounts, key(userID, provider))
	return nil
}

func (f *fakeAccounts) ListExpiringBefore(_ context.Context, cutoff time.Time) ([]*domain.LinkedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.LinkedAccount
	for _, a := range f.accounts {
		if a.IsAuthenticated && a.ExpiresAt.Before(cutoff) {
			copied := *a
			out = append(out, &copied)
		}
	}
	return out, nil
}

type fakePassports struct {
	mu        sync.Mutex
	passports map[string]*domain.Passport // by linked account id
	visas     map[string][]*domain.Visa   // by passport id
}

func newFakePassports() *fakePassports {
	return &fakePassports{
		passports: make(map[string]*domain.Passport),
		visas:     make(map[string][]*domain.Visa),
	}
}

func (f *fakePassports) GetByLinkedAccountID(_ context.Context, linkedAccountID string) (*domain.Passport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.passports[linkedAccountID]
	if !ok {
		return nil, errors.ErrPassportNotFound
	}
	return p, nil
}

func (f *fakePassports) ListVisas(_ context.Context, passportID string) ([]*domain.Visa, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visas[passportID], nil
}

func (f *fakePassports) Replace(_ context.Context, linkedAccountID string, passport *domain.Passport, visas []*domain.Visa) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	passport.ID = "pp-" + linkedAccountID
	f.passports[linkedAccountID] = passport
	f.visas[passport.ID] = visas
	return nil
}

func (f *fakePassports) DeleteByLinkedAccountID(_ context.Context, linkedAccountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.passports[linkedAccountID]; ok {
		delete(f.visas, p.ID)
		delete(f.passports, linkedAccountID)
	}
	return nil
}

func (f *fakePassports) TouchVisaValidated(_ context.Context, visaID string, validatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, visas := range f.visas {
		for _, v := range visas {
			if v.ID == visaID {
				v.LastValidated = validatedAt
			}
		}
	}
	return nil
}

type fakeTokenCache struct {
	mu      sync.Mutex
	entries map[string]*domain.AccessTokenCacheEntry
}

func newFakeTokenCache() *fakeTokenCache {
	return &fakeTokenCache{entries: make(map[string]*domain.AccessTokenCacheEntry)}
}

func (f *fakeTokenCache) Get(_ context.Context, linkedAccountID string) (*domain.AccessTokenCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[linkedAccountID], nil
}

func (f *fakeTokenCache) Put(_ context.Context, entry *domain.AccessTokenCacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *entry
	f.entries[entry.LinkedAccountID] = &copied
	return nil
}

func (f *fakeTokenCache) Delete(_ context.Context, linkedAccountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, linkedAccountID)
	return nil
}

type passthroughTx struct{}

func (passthroughTx) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// --- fake provider ---

// fakeProvider serves discovery, token and userinfo endpoints with mutable
// behavior per test.
type fakeProvider struct {
	*httptest.Server

	mu            sync.Mutex
	tokenCalls    int
	failTokenWith string // oauth error code; empty means succeed
	accessToken   string
	refreshToken  string
	externalID    string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{
		accessToken:  "at-1",
		refreshToken: "rt-1",
		externalID:   "alice@provider.example.com",
	}
	mux := http.NewServeMux()
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 p.URL,
			"authorization_endpoint": p.URL + "/authorize",
			"token_endpoint":         p.URL + "/token",
			"userinfo_endpoint":      p.URL + "/userinfo",
			"revocation_endpoint":    p.URL + "/revoke",
			"jwks_uri":               p.URL + "/jwks",
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.tokenCalls++
		w.Header().Set("Content-Type", "application/json")
		if p.failTokenWith != "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": p.failTokenWith})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  p.accessToken,
			"refresh_token": p.refreshToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"sub":                "sub-1",
			"preferred_username": p.externalID,
		})
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return p
}

func (p *fakeProvider) setTokenFailure(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failTokenWith = code
}

func (p *fakeProvider) setTokens(access, refresh string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = access
	p.refreshToken = refresh
}

func (p *fakeProvider) countTokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// --- test harness ---

type harness struct {
	service    *services.LinkService
	provider   *fakeProvider
	accounts   *fakeAccounts
	passports  *fakePassports
	tokenCache *fakeTokenCache
	locks      *memory.LockStore
	states     *memory.StateStore
}

func newHarness(t *testing.T, useLock bool) *harness {
	t.Helper()
	provider := newFakeProvider(t)

	registry := providerclient.NewRegistry(map[string]config.ProviderConfig{
		"prov": {
			Issuer:             provider.URL,
			ClientID:           "client-id",
			ClientSecret:       "client-secret",
			Scopes:             []string{"openid"},
			LinkLifetime:       30 * 24 * time.Hour,
			ExternalIDClaim:    "preferred_username",
			UseDistributedLock: useLock,
		},
	})
	t.Cleanup(registry.Stop)

	decoder := jwtverify.NewDecoder(nil)
	t.Cleanup(decoder.Stop)

	h := &harness{
		provider:   provider,
		accounts:   newFakeAccounts(),
		passports:  newFakePassports(),
		tokenCache: newFakeTokenCache(),
		locks:      memory.NewLockStore(),
		states:     memory.NewStateStore(),
	}
	t.Cleanup(h.states.Stop)

	h.service = services.NewLinkService(
		registry,
		oauth.NewExchanger(),
		decoder,
		ga4gh.NewExtractor(decoder),
		h.accounts,
		h.passports,
		h.tokenCache,
		h.locks,
		h.states,
		passthroughTx{},
	)
	return h
}

// link runs the full authorization dance for a user and returns the account.
func (h *harness) link(t *testing.T, userID string) *domain.LinkedAccount {
	t.Helper()
	ctx := context.Background()
	authURL, err := h.service.GetAuthorizationURL(ctx, userID, "prov", "https://app.example.com/cb")
	require.NoError(t, err)
	state := stateParam(t, authURL)

	account, err := h.service.CreateLink(ctx, userID, state, "auth-code")
	require.NoError(t, err)
	return account
}

func stateParam(t *testing.T, authURL string) string {
	t.Helper()
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	return state
}

// --- tests ---

func TestCreateLink(t *testing.T) {
	h := newHarness(t, false)

	account := h.link(t, "user-1")
	assert.Equal(t, "user-1", account.UserID)
	assert.Equal(t, "prov", account.Provider)
	assert.Equal(t, "alice@provider.example.com", account.ExternalUserID)
	assert.True(t, account.IsAuthenticated)
	assert.NotEmpty(t, account.ID)
	assert.True(t, account.ExpiresAt.After(time.Now().Add(29*24*time.Hour)))

	stored, err := h.service.GetLink(context.Background(), "user-1", "prov")
	require.NoError(t, err)
	assert.Equal(t, account.ID, stored.ID)
}

func TestCreateLinkStateIsSingleUse(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	authURL, err := h.service.GetAuthorizationURL(ctx, "user-1", "prov", "https://app.example.com/cb")
	require.NoError(t, err)
	state := stateParam(t, authURL)

	_, err = h.service.CreateLink(ctx, "user-1", state, "auth-code")
	require.NoError(t, err)

	_, err = h.service.CreateLink(ctx, "user-1", state, "auth-code")
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestCreateLinkStateConsumedEvenOnFailure(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	authURL, err := h.service.GetAuthorizationURL(ctx, "user-1", "prov", "https://app.example.com/cb")
	require.NoError(t, err)
	state := stateParam(t, authURL)

	// First attempt fails downstream of state consumption.
	h.provider.setTokenFailure("invalid_grant")
	_, err = h.service.CreateLink(ctx, "user-1", state, "bad-code")
	require.Error(t, err)

	// The state is spent; a retry cannot reuse it even though the first
	// attempt never linked anything.
	h.provider.setTokenFailure("")
	_, err = h.service.CreateLink(ctx, "user-1", state, "auth-code")
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestCreateLinkRejectsForeignState(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	authURL, err := h.service.GetAuthorizationURL(ctx, "user-1", "prov", "https://app.example.com/cb")
	require.NoError(t, err)
	state := stateParam(t, authURL)

	// A different user presenting user-1's state must be rejected.
	_, err = h.service.CreateLink(ctx, "user-2", state, "auth-code")
	assert.ErrorIs(t, err, errors.ErrInvalidState)

	_, err = h.service.CreateLink(ctx, "user-1", "garbage-state", "auth-code")
	assert.ErrorIs(t, err, errors.ErrInvalidState)
}

func TestGetProviderAccessTokenServesFromCache(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	account := h.link(t, "user-1")
	callsAfterLink := h.provider.countTokenCalls()

	require.NoError(t, h.tokenCache.Put(ctx, &domain.AccessTokenCacheEntry{
		LinkedAccountID: account.ID,
		AccessToken:     "cached-token",
		ExpiresAt:       time.Now().Add(time.Hour),
	}))

	token, err := h.service.GetProviderAccessToken(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.Equal(t, "cached-token", token)
	assert.Equal(t, callsAfterLink, h.provider.countTokenCalls(), "cache hit must not call the provider")
}

func TestGetProviderAccessTokenRefreshesOnMiss(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	account := h.link(t, "user-1")

	// A nearly expired entry is unusable.
	require.NoError(t, h.tokenCache.Put(ctx, &domain.AccessTokenCacheEntry{
		LinkedAccountID: account.ID,
		AccessToken:     "stale-token",
		ExpiresAt:       time.Now().Add(10 * time.Second),
	}))
	h.provider.setTokens("at-fresh", "rt-rotated")

	token, err := h.service.GetProviderAccessToken(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", token)

	// The rotated refresh token was persisted and the cache updated.
	stored, err := h.accounts.GetByUserAndProvider(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.Equal(t, "rt-rotated", stored.RefreshToken)
	entry, err := h.tokenCache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", entry.AccessToken)
}

func TestGetProviderAccessTokenRequiresAuthenticatedLink(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	account := h.link(t, "user-1")

	account.IsAuthenticated = false
	require.NoError(t, h.accounts.Update(ctx, account))

	_, err := h.service.GetProviderAccessToken(ctx, "user-1", "prov")
	assert.ErrorIs(t, err, errors.ErrLinkExpired)
}

func TestUnrecoverableRefreshInvalidatesLink(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	account := h.link(t, "user-1")

	require.NoError(t, h.tokenCache.Put(ctx, &domain.AccessTokenCacheEntry{
		LinkedAccountID: account.ID,
		AccessToken:     "soon-stale",
		ExpiresAt:       time.Now().Add(time.Hour),
	}))

	h.provider.setTokenFailure("invalid_grant")
	_, err := h.service.RefreshLink(ctx, "user-1", "prov")
	require.Error(t, err)

	stored, err := h.accounts.GetByUserAndProvider(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.False(t, stored.IsAuthenticated)
	assert.Empty(t, stored.RefreshToken)

	// Derived credentials are gone with the link.
	entry, err := h.tokenCache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
	_, err = h.passports.GetByLinkedAccountID(ctx, account.ID)
	assert.ErrorIs(t, err, errors.ErrPassportNotFound)
}

func TestTransientRefreshFailureLeavesLinkAlone(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.link(t, "user-1")

	h.provider.setTokenFailure("temporarily_unavailable")
	_, err := h.service.RefreshLink(ctx, "user-1", "prov")
	require.Error(t, err)

	stored, err := h.accounts.GetByUserAndProvider(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.True(t, stored.IsAuthenticated, "transient failures must not invalidate the link")
	assert.NotEmpty(t, stored.RefreshToken)
}

func TestAccessTokenLockContention(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.link(t, "user-1")

	// Another instance holds the lock.
	require.NoError(t, h.locks.TryAcquire(ctx, "provider-access-token-prov", "user-1", time.Minute))

	_, err := h.service.GetProviderAccessToken(ctx, "user-1", "prov")
	assert.ErrorIs(t, err, errors.ErrLockAlreadyHeld)
}

func TestAccessTokenStealsExpiredLock(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.link(t, "user-1")

	// A crashed holder left a lock whose TTL has passed.
	require.NoError(t, h.locks.TryAcquire(ctx, "provider-access-token-prov", "user-1", -time.Second))

	token, err := h.service.GetProviderAccessToken(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestDeleteLinkRemovesEverything(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	account := h.link(t, "user-1")

	require.NoError(t, h.tokenCache.Put(ctx, &domain.AccessTokenCacheEntry{
		LinkedAccountID: account.ID,
		AccessToken:     "at",
		ExpiresAt:       time.Now().Add(time.Hour),
	}))

	require.NoError(t, h.service.DeleteLink(ctx, "user-1", "prov"))

	_, err := h.service.GetLink(ctx, "user-1", "prov")
	assert.ErrorIs(t, err, errors.ErrLinkNotFound)
	entry, err := h.tokenCache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestDeleteLinkUnknownProvider(t *testing.T) {
	h := newHarness(t, false)
	err := h.service.DeleteLink(context.Background(), "user-1", "prov")
	assert.ErrorIs(t, err, errors.ErrLinkNotFound)
}
