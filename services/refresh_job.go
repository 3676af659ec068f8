package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/DataBiosphere/externalcreds/domain"
)

// RefreshJob periodically refreshes linked accounts whose authentication is
// about to expire, so callers keep getting fresh passports and access tokens
// without waiting for a request to trigger the refresh.
type RefreshJob struct {
	links    *LinkService
	accounts domain.LinkedAccountRepository
	interval time.Duration
	window   time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewRefreshJob creates a refresh job. interval controls how often the job
// runs; window controls how far ahead of expiry a link is refreshed.
func NewRefreshJob(links *LinkService, accounts domain.LinkedAccountRepository, interval, window time.Duration) *RefreshJob {
	return &RefreshJob{
		links:    links,
		accounts: accounts,
		interval: interval,
		window:   window,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the background loop. Call Stop to terminate it.
func (j *RefreshJob) Start(ctx context.Context) {
	go j.run(ctx)
}

// Stop terminates the background loop and waits for the in-flight sweep, if
// any, to finish.
func (j *RefreshJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
	<-j.doneCh
}

func (j *RefreshJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(ctx)
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep refreshes every authenticated link expiring within the window. A
// failed refresh is logged and skipped; unrecoverable provider errors have
// already invalidated the link by the time RefreshLink returns.
func (j *RefreshJob) sweep(ctx context.Context) {
	cutoff := time.Now().Add(j.window)
	accounts, err := j.accounts.ListExpiringBefore(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list expiring linked accounts")
		return
	}
	if len(accounts) == 0 {
		return
	}

	log.Info().Int("count", len(accounts)).Msg("Refreshing expiring linked accounts")
	for _, account := range accounts {
		select {
		case <-j.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if _, err := j.links.RefreshLink(ctx, account.UserID, account.Provider); err != nil {
			log.Warn().Err(err).
				Str("provider", account.Provider).
				Msg("Failed to refresh expiring link")
		}
	}
}
