package domain

import "time"

// AccessTokenCacheEntry holds the most recently issued provider access token
// for a linked account. One entry per linked account, overwritten whenever a
// fresh token is obtained. The entry is durable and shared by all service
// instances, so a read-before-refresh on any instance sees the same token.
type AccessTokenCacheEntry struct {
	LinkedAccountID string    `bson:"_id" json:"linked_account_id"`
	AccessToken     string    `bson:"access_token" json:"-"`
	ExpiresAt       time.Time `bson:"expires_at" json:"expires_at"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updated_at"`
}

// Usable reports whether the cached token is still worth returning. A small
// margin keeps callers from receiving a token that expires mid-request.
func (e *AccessTokenCacheEntry) Usable(now time.Time, margin time.Duration) bool {
	return e.AccessToken != "" && now.Add(margin).Before(e.ExpiresAt)
}
