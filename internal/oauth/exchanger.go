package oauth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
)

// TokenResponse is the result of a successful grant exchange.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// Exchanger performs wire-level OAuth2 grant exchanges. It holds no state
// of its own; each call is one HTTP POST against the client's token
// endpoint. Provider errors surface as classified *errors.OAuth2Error and
// are never retried here — retry policy belongs to the caller.
type Exchanger struct {
	httpClient *http.Client
	timeout    time.Duration
}

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithHTTPClient overrides the HTTP client used for exchanges.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithTimeout overrides the per-exchange timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Exchanger) { e.timeout = d }
}

// NewExchanger creates an Exchanger.
func NewExchanger(opts ...Option) *Exchanger {
	e := &Exchanger{
		httpClient: http.DefaultClient,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exchanger) oauthConfig(desc *providerclient.ClientDescriptor, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     desc.ClientID,
		ClientSecret: desc.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       desc.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  desc.AuthorizationEndpoint,
			TokenURL: desc.TokenEndpoint,
		},
	}
}

func (e *Exchanger) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	return context.WithTimeout(ctx, e.timeout)
}

// AuthCodeURL builds the authorization URL the user is redirected to.
func (e *Exchanger) AuthCodeURL(desc *providerclient.ClientDescriptor, state, redirectURI string) string {
	return e.oauthConfig(desc, redirectURI).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
func (e *Exchanger) ExchangeAuthorizationCode(ctx context.Context, desc *providerclient.ClientDescriptor, code, redirectURI string) (*TokenResponse, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	token, err := e.oauthConfig(desc, redirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, classifyError(err)
	}
	return toTokenResponse(token), nil
}

// ExchangeRefreshToken performs a refresh-token grant. The response may
// carry a rotated refresh token; callers must persist it immediately.
func (e *Exchanger) ExchangeRefreshToken(ctx context.Context, desc *providerclient.ClientDescriptor, refreshToken string) (*TokenResponse, error) {
	ctx, cancel := e.callContext(ctx)
	defer cancel()

	src := e.oauthConfig(desc, "").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, classifyError(err)
	}
	resp := toTokenResponse(token)
	// Providers that decline rotation return no refresh token; keep the
	// one we already have in that case.
	if resp.RefreshToken == "" {
		resp.RefreshToken = refreshToken
	}
	return resp, nil
}

// RevokeToken revokes a refresh token at the provider's revocation
// endpoint. Best effort: a provider without a revocation endpoint is not an
// error.
func (e *Exchanger) RevokeToken(ctx context.Context, desc *providerclient.ClientDescriptor, refreshToken string) error {
	if desc.RevocationEndpoint == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	form := url.Values{
		"token":           {refreshToken},
		"token_type_hint": {"refresh_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(desc.ClientID), url.QueryEscape(desc.ClientSecret))

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.NewOAuth2Error(errors.ServerError,
			fmt.Sprintf("revocation returned status %d", resp.StatusCode), resp.StatusCode)
	}
	return nil
}

func toTokenResponse(token *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	return resp
}

// classifyError maps transport-level errors from the oauth2 package onto
// the error taxonomy. Provider error codes are preserved verbatim; anything
// without a code (timeouts, 5xx without a body) classifies as a transient
// server_error.
func classifyError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if stderrors.As(err, &retrieveErr) {
		code := retrieveErr.ErrorCode
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if code == "" {
			return errors.NewOAuth2Error(errors.ServerError,
				fmt.Sprintf("token endpoint returned status %d", status), status)
		}
		return errors.NewOAuth2Error(code, retrieveErr.ErrorDescription, status)
	}
	// Network failure or timeout: transient, not provider-confirmed.
	return errors.NewServerError(err.Error())
}
