package providerclient

import "time"

// ClientDescriptor carries everything needed to talk to one external
// provider: credentials plus resolved endpoint URIs. It is produced by a
// single merge step at resolution time (discovery defaults, static
// overrides on top) and is immutable afterwards.
type ClientDescriptor struct {
	ProviderID   string
	Issuer       string
	ClientID     string
	ClientSecret string
	Scopes       []string

	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	RevocationEndpoint    string
	JWKSEndpoint          string

	LinkLifetime       time.Duration
	ExternalIDClaim    string
	UseDistributedLock bool
}
