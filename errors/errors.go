package errors

import "errors"

// Caller errors: bad input from the invoking client, surfaced as a
// 4xx-equivalent with a generic message. Untrusted input is never echoed
// back in these messages.
var (
	ErrProviderNotFound     = errors.New("provider not found")
	ErrLinkNotFound         = errors.New("linked account not found")
	ErrPassportNotFound     = errors.New("passport not found")
	ErrInvalidState         = errors.New("invalid or already used oauth state")
	ErrUnsupportedCriterion = errors.New("unsupported validation criterion type")
	ErrLinkExpired          = errors.New("linked account has expired")
)

// ErrLockAlreadyHeld is returned when the distributed lock for a protected
// operation is held by another instance. Callers fail immediately; the
// lock's TTL guarantees a later attempt can succeed.
var ErrLockAlreadyHeld = errors.New("lock already held")

// InvalidJWTError covers every way a third-party token can fail to verify:
// parse failure, missing claim, disallowed key-set URL, unreachable key
// server, bad signature. Externally the contract is only "token is not
// trustworthy"; Reason and the wrapped error exist for internal logs.
type InvalidJWTError struct {
	Reason string
	Err    error
}

func (e *InvalidJWTError) Error() string { return "token is not trustworthy" }

func (e *InvalidJWTError) Unwrap() error { return e.Err }

func NewInvalidJWT(reason string, err error) *InvalidJWTError {
	return &InvalidJWTError{Reason: reason, Err: err}
}

// IsInvalidJWT reports whether err is (or wraps) an InvalidJWTError.
func IsInvalidJWT(err error) bool {
	var ije *InvalidJWTError
	return errors.As(err, &ije)
}
