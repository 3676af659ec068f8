package domain

import "time"

// OAuthState is the stored half of an OAuth2 callback state token: the
// single-use anti-CSRF nonce plus the context needed to finish the link.
// A state is consumed (deleted) exactly once, whether the exchange that
// follows succeeds or not.
type OAuthState struct {
	Nonce       string    `bson:"_id" json:"nonce"`
	UserID      string    `bson:"user_id" json:"user_id"`
	Provider    string    `bson:"provider" json:"provider"`
	RedirectURI string    `bson:"redirect_uri" json:"redirect_uri"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
}
