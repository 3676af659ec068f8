package errors

import "fmt"

// OAuth2Error represents a standardized OAuth 2.0 error returned by an
// external provider's token or revocation endpoint. The provider's error
// code is preserved because the orchestrator's handling depends on it:
// unrecoverable codes invalidate the link, everything else is left to the
// caller's retry policy.
type OAuth2Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	StatusCode  int    `json:"-"`
}

func (e *OAuth2Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Standard OAuth2 error codes
const (
	InvalidRequest         = "invalid_request"
	UnauthorizedClient     = "unauthorized_client"
	AccessDenied           = "access_denied"
	UnsupportedGrantType   = "unsupported_grant_type"
	InvalidScope           = "invalid_scope"
	InvalidClient          = "invalid_client"
	InvalidGrant           = "invalid_grant"
	ServerError            = "server_error"
	TemporarilyUnavailable = "temporarily_unavailable"
)

var unrecoverableCodes = map[string]bool{
	InvalidGrant:       true,
	InvalidClient:      true,
	UnauthorizedClient: true,
	AccessDenied:       true,
}

// Unrecoverable reports whether retrying the same grant can ever succeed.
// A dead refresh token (invalid_grant) stays dead; the link must be
// invalidated instead of retried forever.
func (e *OAuth2Error) Unrecoverable() bool {
	return unrecoverableCodes[e.Code]
}

func NewOAuth2Error(code, description string, statusCode int) *OAuth2Error {
	return &OAuth2Error{Code: code, Description: description, StatusCode: statusCode}
}

func NewServerError(description string) *OAuth2Error {
	return &OAuth2Error{Code: ServerError, Description: description}
}
