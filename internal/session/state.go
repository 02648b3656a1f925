package session

import (
	"fmt"

	"github.com/veeti/paivakirja/internal/idp"
)

// Status enumerates the session states. Exactly one is active at a time.
type Status int

const (
	StatusAnonymous Status = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "Anonymous"
	case StatusAuthenticating:
		return "Authenticating"
	case StatusAuthenticated:
		return "Authenticated"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// State is the tagged session state. Identity and Tokens are set only when
// Status is StatusAuthenticated; ErrorKind and Message only when StatusFailed.
type State struct {
	Status    Status
	Identity  idp.Identity
	Tokens    idp.TokenSet
	ErrorKind idp.Kind
	Message   string
}

func Anonymous() State {
	return State{Status: StatusAnonymous}
}

func Authenticating() State {
	return State{Status: StatusAuthenticating}
}

func Authenticated(identity idp.Identity, tokens idp.TokenSet) State {
	return State{Status: StatusAuthenticated, Identity: identity, Tokens: tokens}
}

func Failed(ue *idp.UserError) State {
	return State{Status: StatusFailed, ErrorKind: ue.Kind, Message: ue.Message}
}

func (s State) String() string {
	switch s.Status {
	case StatusAuthenticated:
		return fmt.Sprintf("Authenticated(%s)", s.Identity.Email)
	case StatusFailed:
		return fmt.Sprintf("Failed(%s: %s)", s.ErrorKind, s.Message)
	default:
		return s.Status.String()
	}
}

// validTransition encodes the legal status moves. Notably absent:
// Anonymous→Failed (a failure implies an operation was in flight) and
// Authenticated→Failed (a failed background refresh either leaves the
// session untouched or collapses it to Anonymous, never to Failed).
func validTransition(from, to Status) bool {
	switch from {
	case StatusAnonymous:
		return to == StatusAuthenticating || to == StatusAuthenticated
	case StatusAuthenticating:
		return true
	case StatusAuthenticated:
		return to == StatusAuthenticated || to == StatusAuthenticating || to == StatusAnonymous
	case StatusFailed:
		return to == StatusAuthenticating || to == StatusAuthenticated || to == StatusAnonymous
	default:
		return false
	}
}
