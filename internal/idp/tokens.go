package idp

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSet is the access/ID/refresh token triple issued for a session.
// ExpiresAt is fixed at the moment of issuance from the provider's
// expires_in and is never recomputed afterwards.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	IDToken      string    `json:"id_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired returns true if the access token's validity window has passed.
func (t TokenSet) Expired() bool {
	return time.Now().After(t.ExpiresAt)
}

// RemainingValidity returns how long the access token is still good for.
// Negative when already expired.
func (t TokenSet) RemainingValidity() time.Duration {
	return time.Until(t.ExpiresAt)
}

// Identity holds the user claims issued by the provider. It is immutable
// once issued and replaced wholesale on re-authentication.
type Identity struct {
	SubjectID     string `json:"subject_id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
}

// identityFromIDToken extracts the identity claims from an ID token.
// The token arrives straight from the provider over TLS, so the signature
// is not verified here; we only need the claim payload.
func identityFromIDToken(idToken string) (Identity, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return Identity{}, fmt.Errorf("failed to parse id token: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Identity{}, fmt.Errorf("id token has no sub claim")
	}

	id := Identity{SubjectID: sub}
	id.Email, _ = claims["email"].(string)
	id.DisplayName, _ = claims["name"].(string)

	// email_verified comes back as a bool or as the string "true"
	// depending on the provider's serialization.
	switch v := claims["email_verified"].(type) {
	case bool:
		id.EmailVerified = v
	case string:
		id.EmailVerified = v == "true"
	}

	return id, nil
}
