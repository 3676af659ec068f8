package oauth_test

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/oauth"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
)

func newDescriptor(tokenURL string) *providerclient.ClientDescriptor {
	return &providerclient.ClientDescriptor{
		ProviderID:            "ras",
		ClientID:              "client-id",
		ClientSecret:          "client-secret",
		Scopes:                []string{"openid", "ga4gh_passport_v1"},
		AuthorizationEndpoint: "https://provider.example.com/authorize",
		TokenEndpoint:         tokenURL,
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"access_token": "at-123",
			"refresh_token": "rt-456",
			"id_token": "idt-789",
			"token_type": "Bearer",
			"expires_in": 3600
		}`))
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	resp, err := exchanger.ExchangeAuthorizationCode(context.Background(), newDescriptor(server.URL), "the-code", "https://app.example.com/callback")
	require.NoError(t, err)

	assert.Equal(t, "at-123", resp.AccessToken)
	assert.Equal(t, "rt-456", resp.RefreshToken)
	assert.Equal(t, "idt-789", resp.IDToken)
	assert.WithinDuration(t, time.Now().Add(time.Hour), resp.ExpiresAt, time.Minute)
}

func TestExchangeRefreshTokenKeepsOldTokenWithoutRotation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "rt-old", r.Form.Get("refresh_token"))

		// No refresh_token in the response: provider declined rotation.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "at-new", "token_type": "Bearer", "expires_in": 600}`))
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	resp, err := exchanger.ExchangeRefreshToken(context.Background(), newDescriptor(server.URL), "rt-old")
	require.NoError(t, err)

	assert.Equal(t, "at-new", resp.AccessToken)
	assert.Equal(t, "rt-old", resp.RefreshToken)
}

func TestExchangeRefreshTokenRotates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "at-new", "refresh_token": "rt-new", "token_type": "Bearer", "expires_in": 600}`))
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	resp, err := exchanger.ExchangeRefreshToken(context.Background(), newDescriptor(server.URL), "rt-old")
	require.NoError(t, err)

	assert.Equal(t, "rt-new", resp.RefreshToken)
}

func TestInvalidGrantIsUnrecoverable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "invalid_grant", "error_description": "refresh token revoked"}`))
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	_, err := exchanger.ExchangeRefreshToken(context.Background(), newDescriptor(server.URL), "rt-dead")
	require.Error(t, err)

	var oauthErr *errors.OAuth2Error
	require.True(t, stderrors.As(err, &oauthErr))
	assert.Equal(t, errors.InvalidGrant, oauthErr.Code)
	assert.True(t, oauthErr.Unrecoverable())
}

func TestProviderOutageIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	_, err := exchanger.ExchangeRefreshToken(context.Background(), newDescriptor(server.URL), "rt-ok")
	require.Error(t, err)

	var oauthErr *errors.OAuth2Error
	require.True(t, stderrors.As(err, &oauthErr))
	assert.Equal(t, errors.ServerError, oauthErr.Code)
	assert.False(t, oauthErr.Unrecoverable())
}

func TestAuthCodeURLRequestsOfflineAccess(t *testing.T) {
	exchanger := oauth.NewExchanger()
	url := exchanger.AuthCodeURL(newDescriptor("https://provider.example.com/token"), "state-abc", "https://app.example.com/callback")

	assert.Contains(t, url, "https://provider.example.com/authorize")
	assert.Contains(t, url, "state=state-abc")
	assert.Contains(t, url, "access_type=offline")
	assert.Contains(t, url, "client_id=client-id")
}

func TestRevokeTokenWithoutEndpointIsNoop(t *testing.T) {
	exchanger := oauth.NewExchanger()
	desc := newDescriptor("https://provider.example.com/token")
	desc.RevocationEndpoint = ""

	assert.NoError(t, exchanger.RevokeToken(context.Background(), desc, "rt-123"))
}

func TestRevokeTokenPostsForm(t *testing.T) {
	var gotToken, gotHint string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotToken = r.Form.Get("token")
		gotHint = r.Form.Get("token_type_hint")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	desc := newDescriptor("https://provider.example.com/token")
	desc.RevocationEndpoint = server.URL

	require.NoError(t, exchanger.RevokeToken(context.Background(), desc, "rt-123"))
	assert.Equal(t, "rt-123", gotToken)
	assert.Equal(t, "refresh_token", gotHint)
}

func TestFetchUserInfoJWT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at-123", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte("eyJ.fake.jwt"))
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	desc := newDescriptor("https://provider.example.com/token")
	desc.UserInfoEndpoint = server.URL

	info, err := exchanger.FetchUserInfo(context.Background(), desc, "at-123")
	require.NoError(t, err)
	assert.Equal(t, "eyJ.fake.jwt", info.RawJWT)
	assert.Nil(t, info.Claims)
}

func TestFetchUserInfoJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sub": "user-1", "preferred_username": "alice@example.com"}`))
	}))
	defer server.Close()

	exchanger := oauth.NewExchanger()
	desc := newDescriptor("https://provider.example.com/token")
	desc.UserInfoEndpoint = server.URL

	info, err := exchanger.FetchUserInfo(context.Background(), desc, "at-123")
	require.NoError(t, err)
	assert.Empty(t, info.RawJWT)
	assert.Equal(t, "alice@example.com", info.Claims["preferred_username"])
}
