package idp

import "errors"

// Kind is the closed taxonomy of user-facing failure classes.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindUnauthorized
	KindConflict
	KindNotFound
	KindRateLimited
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "Validation"
	case KindUnauthorized:
		return "Unauthorized"
	case KindConflict:
		return "Conflict"
	case KindNotFound:
		return "NotFound"
	case KindRateLimited:
		return "RateLimited"
	case KindTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// UserError is a stable kind/message pair safe to hand to the UI layer.
// The message never contains raw provider text.
type UserError struct {
	Kind    Kind
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

const (
	msgBadCredentials = "Incorrect email or password."
	msgGeneric        = "Something went wrong. Please try again."
	msgNetwork        = "Could not reach the sign-in service. Check your connection and try again."
)

// codeTable maps known provider error codes to a kind and user message.
// The messages for NotFound and Unauthorized are deliberately identical so
// callers cannot leak whether an account exists.
var codeTable = map[string]UserError{
	CodeUserNotFound:       {KindNotFound, msgBadCredentials},
	CodeNotAuthorized:      {KindUnauthorized, msgBadCredentials},
	CodeUserNotConfirmed:   {KindValidation, "This account has not been confirmed yet. Check your email for the confirmation code."},
	CodeUsernameExists:     {KindConflict, "An account with this email already exists."},
	CodeInvalidPassword:    {KindValidation, "The password does not meet the requirements."},
	CodeInvalidParameter:   {KindValidation, "Some of the entered details are invalid."},
	CodeCodeMismatch:       {KindUnauthorized, "The confirmation code is incorrect."},
	CodeExpiredCode:        {KindUnauthorized, "The confirmation code has expired. Request a new one."},
	CodeLimitExceeded:      {KindRateLimited, "Too many attempts. Please wait a moment and try again."},
	CodeTooManyRequests:    {KindRateLimited, "Too many attempts. Please wait a moment and try again."},
	CodeServiceUnavailable: {KindTransient, "The sign-in service is temporarily unavailable. Please try again."},
	CodeInternalError:      {KindTransient, "The sign-in service is temporarily unavailable. Please try again."},
}

// TranslateCode maps a provider error code to its user-facing kind and
// message. Unknown codes map to KindUnknown with a generic message.
func TranslateCode(code string) UserError {
	if ue, ok := codeTable[code]; ok {
		return ue
	}
	return UserError{KindUnknown, msgGeneric}
}

// Translate converts any error from a provider operation into a UserError.
func Translate(err error) *UserError {
	var ue *UserError
	if errors.As(err, &ue) {
		return ue
	}
	var ae *APIError
	if errors.As(err, &ae) {
		ue := TranslateCode(ae.Code)
		return &ue
	}
	var oe *OAuthError
	if errors.As(err, &oe) {
		if oe.Transient() {
			return &UserError{KindTransient, msgNetwork}
		}
		// invalid_grant covers expired, already-used and forged codes.
		return &UserError{KindUnauthorized, "Sign-in could not be completed. Please start over."}
	}
	if IsTransient(err) {
		return &UserError{KindTransient, msgNetwork}
	}
	return &UserError{KindUnknown, msgGeneric}
}
