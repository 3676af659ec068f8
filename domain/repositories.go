package domain

import (
	"context"
	"time"
)

// LinkedAccountRepository defines storage operations for linked accounts.
type LinkedAccountRepository interface {
	// GetByUserAndProvider returns the link for (userID, provider), or
	// errors.ErrLinkNotFound.
	GetByUserAndProvider(ctx context.Context, userID, provider string) (*LinkedAccount, error)
	// Upsert creates or replaces the link keyed by (userID, provider) and
	// returns the stored document with its ID populated.
	Upsert(ctx context.Context, account *LinkedAccount) (*LinkedAccount, error)
	// Update persists mutable fields (refresh token, expiry, authenticated
	// flag) of an existing link.
	Update(ctx context.Context, account *LinkedAccount) error
	Delete(ctx context.Context, userID, provider string) error
	// ListExpiringBefore returns authenticated links whose expiry falls
	// before the given instant, for the scheduled refresh job.
	ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*LinkedAccount, error)
}

// PassportRepository defines storage operations for passports and their visas.
// Replace swaps the passport and visa set for a linked account as one unit;
// callers run it inside a TransactionRunner transaction together with the
// linked-account write.
type PassportRepository interface {
	GetByLinkedAccountID(ctx context.Context, linkedAccountID string) (*Passport, error)
	ListVisas(ctx context.Context, passportID string) ([]*Visa, error)
	Replace(ctx context.Context, linkedAccountID string, passport *Passport, visas []*Visa) error
	DeleteByLinkedAccountID(ctx context.Context, linkedAccountID string) error
	// TouchVisaValidated updates only a visa's last_validated instant.
	TouchVisaValidated(ctx context.Context, visaID string, validatedAt time.Time) error
}

// AccessTokenCacheRepository defines storage for the durable per-account
// access-token cache.
type AccessTokenCacheRepository interface {
	Get(ctx context.Context, linkedAccountID string) (*AccessTokenCacheEntry, error)
	Put(ctx context.Context, entry *AccessTokenCacheEntry) error
	Delete(ctx context.Context, linkedAccountID string) error
}

// LockStore is the cross-instance single-flight guard for non-idempotent
// external calls. TryAcquire performs a conditional insert keyed by
// (lockName, userID); a live competing row means errors.ErrLockAlreadyHeld.
// Rows past their TTL are treated as free and may be stolen. Callers must
// not spin on contention; they fail fast and rely on an external retry
// schedule.
type LockStore interface {
	TryAcquire(ctx context.Context, lockName, userID string, ttl time.Duration) error
	Release(ctx context.Context, lockName, userID string) error
}

// OAuthStateStore holds pending callback states. Consume returns the state
// for a nonce and deletes it in the same operation, so a second consume of
// the same nonce fails even if the first caller's exchange failed.
type OAuthStateStore interface {
	Put(ctx context.Context, state *OAuthState) error
	Consume(ctx context.Context, nonce string) (*OAuthState, error)
}

// TransactionRunner executes fn inside one atomic storage transaction.
// Writes to a linked account and its passport/visas go through this so the
// rows change together or not at all. Implementations retry fn on transient
// serialization failures, so fn must be safe to run more than once.
type TransactionRunner interface {
	InTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
