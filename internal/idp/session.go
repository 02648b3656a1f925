package idp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type authResult struct {
	AuthenticationResult struct {
		AccessToken  string `json:"AccessToken"`
		IDToken      string `json:"IdToken"`
		RefreshToken string `json:"RefreshToken"`
		ExpiresIn    int    `json:"ExpiresIn"`
	} `json:"AuthenticationResult"`
}

func (r authResult) tokenSet() TokenSet {
	return TokenSet{
		AccessToken:  r.AuthenticationResult.AccessToken,
		IDToken:      r.AuthenticationResult.IDToken,
		RefreshToken: r.AuthenticationResult.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(r.AuthenticationResult.ExpiresIn) * time.Second),
	}
}

// Authenticate signs in with email and password and returns the issued
// tokens together with the identity parsed from the ID token.
func (c *Client) Authenticate(ctx context.Context, email, password string) (TokenSet, Identity, error) {
	payload := struct {
		AuthFlow       string            `json:"AuthFlow"`
		ClientID       string            `json:"ClientId"`
		AuthParameters map[string]string `json:"AuthParameters"`
	}{
		AuthFlow: "USER_PASSWORD_AUTH",
		ClientID: c.clientID,
		AuthParameters: map[string]string{
			"USERNAME": email,
			"PASSWORD": password,
		},
	}

	var result authResult
	if err := c.call(ctx, "InitiateAuth", payload, &result); err != nil {
		return TokenSet{}, Identity{}, err
	}

	tokens := result.tokenSet()
	identity, err := identityFromIDToken(tokens.IDToken)
	if err != nil {
		return TokenSet{}, Identity{}, err
	}
	return tokens, identity, nil
}

// Refresh exchanges a refresh token for a fresh access/ID token pair. The
// refresh token itself is not rotated; the returned set carries the one that
// was passed in. A rejected refresh token is reported as ErrRefreshRejected
// and must never be retried.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	payload := struct {
		AuthFlow       string            `json:"AuthFlow"`
		ClientID       string            `json:"ClientId"`
		AuthParameters map[string]string `json:"AuthParameters"`
	}{
		AuthFlow: "REFRESH_TOKEN_AUTH",
		ClientID: c.clientID,
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": refreshToken,
		},
	}

	var result authResult
	if err := c.call(ctx, "InitiateAuth", payload, &result); err != nil {
		var ae *APIError
		if errors.As(err, &ae) && (ae.Code == CodeNotAuthorized || ae.Code == CodeUserNotFound) {
			return TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshRejected, err)
		}
		return TokenSet{}, err
	}

	tokens := result.tokenSet()
	if tokens.RefreshToken == "" {
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// CurrentSession resumes a session from locally cached tokens. Unexpired
// tokens are returned as-is without a network call; expired tokens are
// refreshed with the cached refresh token. Returns ErrNoSession when there
// is nothing usable to resume from.
func (c *Client) CurrentSession(ctx context.Context, tokens TokenSet) (TokenSet, Identity, error) {
	if tokens.AccessToken == "" && tokens.RefreshToken == "" {
		return TokenSet{}, Identity{}, ErrNoSession
	}

	if !tokens.Expired() {
		identity, err := identityFromIDToken(tokens.IDToken)
		if err != nil {
			return TokenSet{}, Identity{}, err
		}
		return tokens, identity, nil
	}

	if tokens.RefreshToken == "" {
		return TokenSet{}, Identity{}, ErrNoSession
	}

	refreshed, err := c.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrRefreshRejected) {
			return TokenSet{}, Identity{}, fmt.Errorf("%w: %v", ErrNoSession, err)
		}
		return TokenSet{}, Identity{}, err
	}

	identity, err := identityFromIDToken(refreshed.IDToken)
	if err != nil {
		return TokenSet{}, Identity{}, err
	}
	return refreshed, identity, nil
}
