package domain

import "time"

// Passport is the decoded top-level identity token payload for a linked
// account. Each linked account holds at most one passport; refreshing the
// account replaces the passport and its visas wholesale.
type Passport struct {
	ID              string    `bson:"_id,omitempty" json:"id,omitempty"`
	LinkedAccountID string    `bson:"linked_account_id" json:"linked_account_id"`
	JWT             string    `bson:"jwt" json:"-"`
	ExpiresAt       time.Time `bson:"expires_at" json:"expires_at"`
	JWTID           string    `bson:"jwt_id" json:"jwt_id"`
}

// VisaTokenType classifies how a visa token's signing keys are located.
type VisaTokenType string

const (
	// VisaTokenTypeAccessToken marks a visa whose keys come from its
	// issuer's discovery document (no jku header on the visa token).
	VisaTokenTypeAccessToken VisaTokenType = "access_token"
	// VisaTokenTypeDocumentToken marks a visa that names its own key set
	// URL in a jku header.
	VisaTokenTypeDocumentToken VisaTokenType = "document_token"
)

// Visa is a single authorization assertion extracted from a passport.
// Visas are immutable once created; only LastValidated is updated by the
// revalidation pass.
type Visa struct {
	ID            string        `bson:"_id,omitempty" json:"id,omitempty"`
	PassportID    string        `bson:"passport_id" json:"passport_id"`
	VisaType      string        `bson:"visa_type" json:"visa_type"`
	JWT           string        `bson:"jwt" json:"-"`
	ExpiresAt     time.Time     `bson:"expires_at" json:"expires_at"`
	Issuer        string        `bson:"issuer" json:"issuer"`
	TokenType     VisaTokenType `bson:"token_type" json:"token_type"`
	LastValidated time.Time     `bson:"last_validated" json:"last_validated"`
}
