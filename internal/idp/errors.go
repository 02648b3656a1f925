package idp

import (
	"errors"
	"fmt"
)

// Provider error codes, as returned in the __type field of an error
// response from the action API.
const (
	CodeUserNotFound       = "UserNotFoundException"
	CodeNotAuthorized      = "NotAuthorizedException"
	CodeUserNotConfirmed   = "UserNotConfirmedException"
	CodeUsernameExists     = "UsernameExistsException"
	CodeInvalidPassword    = "InvalidPasswordException"
	CodeInvalidParameter   = "InvalidParameterException"
	CodeCodeMismatch       = "CodeMismatchException"
	CodeExpiredCode        = "ExpiredCodeException"
	CodeLimitExceeded      = "LimitExceededException"
	CodeTooManyRequests    = "TooManyRequestsException"
	CodeServiceUnavailable = "ServiceUnavailableException"
	CodeInternalError      = "InternalErrorException"
)

// ErrRefreshRejected marks a refresh token the provider no longer accepts.
// The session cannot be saved at that point; the caller must fall back to
// anonymous and never retry with the same token.
var ErrRefreshRejected = errors.New("refresh token rejected")

// ErrNoSession is returned by CurrentSession when there are no usable
// credentials to resume from.
var ErrNoSession = errors.New("no current session")

// APIError is an error response from the provider's action API. Message is
// the raw provider text and must not be shown to users as-is; use Translate.
type APIError struct {
	Code    string `json:"__type"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider error %s (status %d): %s", e.Code, e.Status, e.Message)
}

// OAuthError is an error response from the hosted token endpoint, in the
// standard error/error_description shape.
type OAuthError struct {
	ErrorCode   string `json:"error"`
	Description string `json:"error_description"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("token endpoint error %q (status %d): %s", e.ErrorCode, e.Status, e.Description)
}

// Transient reports whether the token endpoint failure is a service-busy
// condition that may clear on its own. Everything else (invalid_grant and
// friends) is a permanent rejection: an authorization code is single-use,
// so retrying it cannot succeed.
func (e *OAuthError) Transient() bool {
	if e.Status >= 500 || e.Status == 429 {
		return true
	}
	return e.ErrorCode == "temporarily_unavailable" || e.ErrorCode == "slow_down"
}

// IsTransient classifies an error from any provider operation as retryable
// (network trouble, timeouts, service overload) or not.
func IsTransient(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeServiceUnavailable, CodeInternalError:
			return true
		}
		return ae.Status >= 500
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.Transient()
	}
	if errors.Is(err, ErrRefreshRejected) || errors.Is(err, ErrNoSession) {
		return false
	}
	// Anything without a parsed provider body is transport-level: DNS,
	// connection reset, timeout.
	return err != nil
}
