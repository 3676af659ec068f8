package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/audit"
	"github.com/DataBiosphere/externalcreds/internal/ga4gh"
	"github.com/DataBiosphere/externalcreds/internal/jwtverify"
	"github.com/DataBiosphere/externalcreds/internal/metrics"
	"github.com/DataBiosphere/externalcreds/internal/oauth"
	"github.com/DataBiosphere/externalcreds/internal/providerclient"
)

const (
	// accessTokenLockPrefix names the distributed lock guarding access-token
	// retrieval for providers with single-use refresh tokens.
	accessTokenLockPrefix = "provider-access-token-"
	accessTokenLockTTL    = 30 * time.Second

	// accessTokenMargin keeps a cached token from being returned right
	// before it expires.
	accessTokenMargin = 1 * time.Minute
)

// LinkService is the lifecycle orchestrator for linked accounts: it creates,
// refreshes, invalidates and removes links, and hands out derived
// credentials (provider access tokens, passports).
type LinkService struct {
	registry  *providerclient.Registry
	exchanger *oauth.Exchanger
	decoder   *jwtverify.Decoder
	extractor *ga4gh.Extractor

	accounts   domain.LinkedAccountRepository
	passports  domain.PassportRepository
	tokenCache domain.AccessTokenCacheRepository
	locks      domain.LockStore
	states     domain.OAuthStateStore
	tx         domain.TransactionRunner
}

// NewLinkService creates a LinkService.
func NewLinkService(
	registry *providerclient.Registry,
	exchanger *oauth.Exchanger,
	decoder *jwtverify.Decoder,
	extractor *ga4gh.Extractor,
	accounts domain.LinkedAccountRepository,
	passports domain.PassportRepository,
	tokenCache domain.AccessTokenCacheRepository,
	locks domain.LockStore,
	states domain.OAuthStateStore,
	tx domain.TransactionRunner,
) *LinkService {
	return &LinkService{
		registry:   registry,
		exchanger:  exchanger,
		decoder:    decoder,
		extractor:  extractor,
		accounts:   accounts,
		passports:  passports,
		tokenCache: tokenCache,
		locks:      locks,
		states:     states,
		tx:         tx,
	}
}

// GetAuthorizationURL begins a link: it stores a single-use state and
// returns the provider URL the user should be redirected to.
func (s *LinkService) GetAuthorizationURL(ctx context.Context, userID, providerID, redirectURI string) (string, error) {
	desc, err := s.registry.Resolve(ctx, providerID)
	if err != nil {
		return "", err
	}

	nonce, err := newStateNonce()
	if err != nil {
		return "", fmt.Errorf("failed to generate state nonce: %w", err)
	}
	if err := s.states.Put(ctx, &domain.OAuthState{
		Nonce:       nonce,
		UserID:      userID,
		Provider:    providerID,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now().UTC(),
	}); err != nil {
		return "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	encoded, err := encodeState(stateToken{
		Version:     stateTokenVersion,
		Provider:    providerID,
		Nonce:       nonce,
		RedirectURI: redirectURI,
	})
	if err != nil {
		return "", err
	}
	return s.exchanger.AuthCodeURL(desc, encoded, redirectURI), nil
}

// CreateLink finishes a link from the provider callback. The state is
// consumed exactly once: reusing the same encoded state fails with a caller
// error even when the first attempt failed after consumption.
func (s *LinkService) CreateLink(ctx context.Context, userID, encodedState, code string) (*domain.LinkedAccount, error) {
	st, err := decodeState(encodedState)
	if err != nil {
		return nil, err
	}

	stored, err := s.states.Consume(ctx, st.Nonce)
	if err != nil {
		log.Ctx(ctx).Warn().Str("provider", st.Provider).Msg("oauth state not found or already consumed")
		return nil, errors.ErrInvalidState
	}
	if stored.Provider != st.Provider || stored.UserID != userID {
		return nil, errors.ErrInvalidState
	}

	desc, err := s.registry.Resolve(ctx, st.Provider)
	if err != nil {
		return nil, err
	}

	tokenResp, err := s.exchanger.ExchangeAuthorizationCode(ctx, desc, code, stored.RedirectURI)
	if err != nil {
		audit.Log(audit.ActionCreateLink, userID, st.Provider, "", false, err)
		return nil, err
	}

	externalID, bundle, err := s.identityFromProvider(ctx, desc, tokenResp)
	if err != nil {
		audit.Log(audit.ActionCreateLink, userID, st.Provider, "", false, err)
		return nil, err
	}

	account := &domain.LinkedAccount{
		UserID:          userID,
		Provider:        st.Provider,
		ExternalUserID:  externalID,
		RefreshToken:    tokenResp.RefreshToken,
		ExpiresAt:       time.Now().UTC().Add(desc.LinkLifetime),
		IsAuthenticated: true,
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		stored, err := s.accounts.Upsert(ctx, account)
		if err != nil {
			return err
		}
		account = stored
		return s.replacePassport(ctx, account.ID, bundle)
	})
	if err != nil {
		audit.Log(audit.ActionCreateLink, userID, st.Provider, externalID, false, err)
		return nil, err
	}

	metrics.LinksCreatedTotal.Inc()
	audit.Log(audit.ActionCreateLink, userID, st.Provider, externalID, true, nil)
	log.Ctx(ctx).Info().Str("user_id", userID).Str("provider", st.Provider).Msg("linked account created")
	return account, nil
}

// GetLink returns the link for (userID, providerID).
func (s *LinkService) GetLink(ctx context.Context, userID, providerID string) (*domain.LinkedAccount, error) {
	return s.accounts.GetByUserAndProvider(ctx, userID, providerID)
}

// RefreshLink exchanges the stored refresh token and replaces the link's
// passport and visas wholesale. An unrecoverable provider error (a dead
// refresh token) invalidates the link instead of leaving it to be retried
// forever.
func (s *LinkService) RefreshLink(ctx context.Context, userID, providerID string) (*domain.LinkedAccount, error) {
	account, err := s.accounts.GetByUserAndProvider(ctx, userID, providerID)
	if err != nil {
		return nil, err
	}
	desc, err := s.registry.Resolve(ctx, providerID)
	if err != nil {
		return nil, err
	}

	tokenResp, err := s.exchanger.ExchangeRefreshToken(ctx, desc, account.RefreshToken)
	if err != nil {
		s.handleExchangeFailure(ctx, account, err)
		audit.Log(audit.ActionRefreshLink, userID, providerID, account.ExternalUserID, false, err)
		return nil, err
	}

	externalID, bundle, err := s.identityFromProvider(ctx, desc, tokenResp)
	if err != nil {
		audit.Log(audit.ActionRefreshLink, userID, providerID, account.ExternalUserID, false, err)
		return nil, err
	}

	account.ExternalUserID = externalID
	account.RefreshToken = tokenResp.RefreshToken
	account.ExpiresAt = time.Now().UTC().Add(desc.LinkLifetime)
	account.IsAuthenticated = true

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.accounts.Update(ctx, account); err != nil {
			return err
		}
		if err := s.replacePassport(ctx, account.ID, bundle); err != nil {
			return err
		}
		return s.tokenCache.Put(ctx, &domain.AccessTokenCacheEntry{
			LinkedAccountID: account.ID,
			AccessToken:     tokenResp.AccessToken,
			ExpiresAt:       tokenResp.ExpiresAt,
			UpdatedAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		audit.Log(audit.ActionRefreshLink, userID, providerID, account.ExternalUserID, false, err)
		return nil, err
	}

	metrics.LinksRefreshedTotal.Inc()
	audit.Log(audit.ActionRefreshLink, userID, providerID, account.ExternalUserID, true, nil)
	return account, nil
}

// DeleteLink revokes the refresh token at the provider (best effort) and
// removes the link with its passport and visas.
func (s *LinkService) DeleteLink(ctx context.Context, userID, providerID string) error {
	account, err := s.accounts.GetByUserAndProvider(ctx, userID, providerID)
	if err != nil {
		return err
	}

	if desc, rerr := s.registry.Resolve(ctx, providerID); rerr == nil && account.RefreshToken != "" {
		if rerr := s.exchanger.RevokeToken(ctx, desc, account.RefreshToken); rerr != nil {
			log.Ctx(ctx).Warn().Err(rerr).Str("provider", providerID).Msg("best-effort token revocation failed")
		}
	}

	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.passports.DeleteByLinkedAccountID(ctx, account.ID); err != nil {
			return err
		}
		if err := s.tokenCache.Delete(ctx, account.ID); err != nil {
			return err
		}
		return s.accounts.Delete(ctx, userID, providerID)
	})
	if err != nil {
		audit.Log(audit.ActionDeleteLink, userID, providerID, account.ExternalUserID, false, err)
		return err
	}

	metrics.LinksDeletedTotal.Inc()
	audit.Log(audit.ActionDeleteLink, userID, providerID, account.ExternalUserID, true, nil)
	log.Ctx(ctx).Info().Str("user_id", userID).Str("provider", providerID).Msg("linked account deleted")
	return nil
}

// GetProviderAccessToken returns a provider access token for the link,
// serving from the durable cache when the stored token is still usable and
// exchanging the refresh token otherwise.
//
// The general path is deliberately lock-free: two concurrent cache misses
// may both exchange, which is harmless for providers whose refresh grant is
// idempotent. Providers flagged UseDistributedLock have single-use refresh
// tokens; their exchange is guarded by the distributed lock, and a losing
// caller fails fast with ErrLockAlreadyHeld rather than retrying inline.
func (s *LinkService) GetProviderAccessToken(ctx context.Context, userID, providerID string) (string, error) {
	account, err := s.accounts.GetByUserAndProvider(ctx, userID, providerID)
	if err != nil {
		return "", err
	}
	if !account.IsAuthenticated {
		return "", errors.ErrLinkExpired
	}

	now := time.Now().UTC()
	if entry, err := s.tokenCache.Get(ctx, account.ID); err == nil && entry != nil && entry.Usable(now, accessTokenMargin) {
		metrics.TokenCacheHitsTotal.Inc()
		metrics.AccessTokensIssuedTotal.Inc()
		audit.Log(audit.ActionGetAccessToken, userID, providerID, account.ExternalUserID, true, nil)
		return entry.AccessToken, nil
	}
	metrics.TokenCacheMissesTotal.Inc()

	desc, err := s.registry.Resolve(ctx, providerID)
	if err != nil {
		return "", err
	}

	if desc.UseDistributedLock {
		lockName := accessTokenLockPrefix + providerID
		if err := s.locks.TryAcquire(ctx, lockName, userID, accessTokenLockTTL); err != nil {
			if stderrors.Is(err, errors.ErrLockAlreadyHeld) {
				metrics.LockContentionTotal.Inc()
			}
			return "", err
		}
		defer func() {
			if err := s.locks.Release(ctx, lockName, userID); err != nil {
				log.Ctx(ctx).Warn().Err(err).Str("lock", lockName).Msg("failed to release distributed lock")
			}
		}()
	}

	tokenResp, err := s.exchanger.ExchangeRefreshToken(ctx, desc, account.RefreshToken)
	if err != nil {
		s.handleExchangeFailure(ctx, account, err)
		audit.Log(audit.ActionGetAccessToken, userID, providerID, account.ExternalUserID, false, err)
		return "", err
	}

	account.RefreshToken = tokenResp.RefreshToken
	err = s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.accounts.Update(ctx, account); err != nil {
			return err
		}
		return s.tokenCache.Put(ctx, &domain.AccessTokenCacheEntry{
			LinkedAccountID: account.ID,
			AccessToken:     tokenResp.AccessToken,
			ExpiresAt:       tokenResp.ExpiresAt,
			UpdatedAt:       time.Now().UTC(),
		})
	})
	if err != nil {
		return "", err
	}

	metrics.AccessTokensIssuedTotal.Inc()
	audit.Log(audit.ActionGetAccessToken, userID, providerID, account.ExternalUserID, true, nil)
	return tokenResp.AccessToken, nil
}

// RevalidateVisas re-verifies the stored visas of a link against current
// signing keys, updating each visa's last-validated instant. A visa that no
// longer verifies triggers the ordinary refresh path reactively.
func (s *LinkService) RevalidateVisas(ctx context.Context, userID, providerID string) error {
	account, err := s.accounts.GetByUserAndProvider(ctx, userID, providerID)
	if err != nil {
		return err
	}
	passport, err := s.passports.GetByLinkedAccountID(ctx, account.ID)
	if err != nil {
		if stderrors.Is(err, errors.ErrPassportNotFound) {
			return nil
		}
		return err
	}
	visas, err := s.passports.ListVisas(ctx, passport.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, visa := range visas {
		if _, err := s.decoder.Decode(ctx, visa.JWT); err != nil {
			log.Ctx(ctx).Info().
				Str("user_id", userID).
				Str("provider", providerID).
				Str("visa_type", visa.VisaType).
				Msg("visa failed revalidation, refreshing link")
			_, err = s.RefreshLink(ctx, userID, providerID)
			return err
		}
		if err := s.passports.TouchVisaValidated(ctx, visa.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// identityFromProvider fetches the user-info document for a fresh token and
// extracts the external user id plus the passport bundle, if any.
func (s *LinkService) identityFromProvider(ctx context.Context, desc *providerclient.ClientDescriptor, tokenResp *oauth.TokenResponse) (string, *ga4gh.PassportBundle, error) {
	info, err := s.exchanger.FetchUserInfo(ctx, desc, tokenResp.AccessToken)
	if err != nil {
		return "", nil, err
	}

	claims := info.Claims
	if info.RawJWT != "" {
		verified, err := s.decoder.Decode(ctx, info.RawJWT)
		if err != nil {
			return "", nil, err
		}
		claims = verified.Claims
	}

	externalID, _ := claims[desc.ExternalIDClaim].(string)
	if externalID == "" {
		externalID, _ = claims["sub"].(string)
	}
	if externalID == "" {
		return "", nil, fmt.Errorf("user info carries neither %q nor sub claim", desc.ExternalIDClaim)
	}

	bundle, err := s.extractor.ExtractPassport(ctx, claims)
	if err != nil {
		return "", nil, err
	}
	return externalID, bundle, nil
}

// replacePassport swaps the stored passport and visas for a link. A nil
// bundle means the provider issued no passport; any stale one is removed.
func (s *LinkService) replacePassport(ctx context.Context, linkedAccountID string, bundle *ga4gh.PassportBundle) error {
	if bundle == nil {
		return s.passports.DeleteByLinkedAccountID(ctx, linkedAccountID)
	}
	bundle.Passport.LinkedAccountID = linkedAccountID
	return s.passports.Replace(ctx, linkedAccountID, bundle.Passport, bundle.Visas)
}

// handleExchangeFailure invalidates the link when the provider says the
// grant can never succeed again. Transient failures are left alone for the
// caller's retry policy.
func (s *LinkService) handleExchangeFailure(ctx context.Context, account *domain.LinkedAccount, exchangeErr error) {
	var oauthErr *errors.OAuth2Error
	if !stderrors.As(exchangeErr, &oauthErr) || !oauthErr.Unrecoverable() {
		return
	}

	log.Ctx(ctx).Warn().
		Str("user_id", account.UserID).
		Str("provider", account.Provider).
		Str("oauth_error", oauthErr.Code).
		Msg("unrecoverable provider error, invalidating link")

	account.IsAuthenticated = false
	account.RefreshToken = ""
	err := s.tx.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.passports.DeleteByLinkedAccountID(ctx, account.ID); err != nil {
			return err
		}
		if err := s.tokenCache.Delete(ctx, account.ID); err != nil {
			return err
		}
		return s.accounts.Update(ctx, account)
	})
	if err != nil {
		log.Ctx(ctx).Error().Err(err).Str("user_id", account.UserID).Str("provider", account.Provider).
			Msg("failed to invalidate link")
		return
	}
	metrics.LinksInvalidatedTotal.Inc()
	audit.Log(audit.ActionInvalidateLink, account.UserID, account.Provider, account.ExternalUserID, true, exchangeErr)
}
