package domain

import "time"

// LinkedAccount associates an internal user with an account held at an
// external identity provider. At most one link exists per (user, provider);
// the storage layer enforces this with a unique index.
type LinkedAccount struct {
	ID             string `bson:"_id,omitempty" json:"id,omitempty"`
	UserID         string `bson:"user_id" json:"user_id"`
	Provider       string `bson:"provider" json:"provider"`
	ExternalUserID string `bson:"external_user_id" json:"external_user_id"`

	// RefreshToken is the current refresh token for the provider. Providers
	// may rotate it on every exchange, so it is mutated on every refresh.
	RefreshToken string `bson:"refresh_token,omitempty" json:"-"`

	ExpiresAt       time.Time `bson:"expires_at" json:"expires_at"`
	IsAuthenticated bool      `bson:"is_authenticated" json:"is_authenticated"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// Expired reports whether the link itself (not its passport) has passed its
// expiry instant.
func (a *LinkedAccount) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}
