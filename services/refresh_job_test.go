package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DataBiosphere/externalcreds/services"
)

func TestRefreshJobRefreshesExpiringLinks(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	account := h.link(t, "user-1")

	// Pull the link's expiry inside the refresh window.
	account.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, h.accounts.Update(ctx, account))
	h.provider.setTokens("at-refreshed", "rt-refreshed")

	job := services.NewRefreshJob(h.service, h.accounts, 20*time.Millisecond, time.Hour)
	job.Start(ctx)
	defer job.Stop()

	require.Eventually(t, func() bool {
		stored, err := h.accounts.GetByUserAndProvider(ctx, "user-1", "prov")
		return err == nil && stored.RefreshToken == "rt-refreshed"
	}, 5*time.Second, 20*time.Millisecond, "the job should refresh the expiring link")

	stored, err := h.accounts.GetByUserAndProvider(ctx, "user-1", "prov")
	require.NoError(t, err)
	assert.True(t, stored.IsAuthenticated)
	assert.True(t, stored.ExpiresAt.After(time.Now().Add(24*time.Hour)))
}

func TestRefreshJobIgnoresHealthyLinks(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.link(t, "user-1")
	callsAfterLink := h.provider.countTokenCalls()

	job := services.NewRefreshJob(h.service, h.accounts, 20*time.Millisecond, time.Hour)
	job.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	job.Stop()

	assert.Equal(t, callsAfterLink, h.provider.countTokenCalls(),
		"a link far from expiry must not be refreshed")
}
