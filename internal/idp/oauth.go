package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// exchangeMaxAttempts is the total number of code-exchange attempts,
// including the first one.
const exchangeMaxAttempts = 3

// AuthorizationURL builds the hosted authorization endpoint URL for the
// provider-mediated sign-in flow. Pure string construction, no I/O.
func (c *Client) AuthorizationURL() string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(c.scopes, " "))
	q.Set("redirect_uri", c.redirectURI)
	if c.identityProvider != "" {
		q.Set("identity_provider", c.identityProvider)
	}
	return c.authBaseURL + "/oauth2/authorize?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for tokens at the hosted
// token endpoint. Authorization codes are single-use, so only the provider's
// transient-busy responses are retried: up to exchangeMaxAttempts total
// attempts with exponential backoff starting at the configured base delay.
// Any permanent rejection aborts immediately.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURI string) (TokenSet, Identity, error) {
	if redirectURI == "" {
		redirectURI = c.redirectURI
	}

	var result tokenResponse
	attempt := 0
	operation := func() error {
		attempt++
		resp, err := c.oauth.NewRequest().
			SetContext(ctx).
			SetFormData(map[string]string{
				"grant_type":   "authorization_code",
				"client_id":    c.clientID,
				"code":         code,
				"redirect_uri": redirectURI,
			}).
			SetResult(&result).
			Post("/oauth2/token")
		if err != nil {
			// Transport-level failure; the code was not consumed.
			return fmt.Errorf("token request failed: %w", err)
		}
		if resp.IsError() {
			oauthErr := &OAuthError{Status: resp.StatusCode()}
			if jsonErr := json.Unmarshal(resp.Body(), oauthErr); jsonErr != nil || oauthErr.ErrorCode == "" {
				oauthErr.ErrorCode = fmt.Sprintf("HTTP%d", resp.StatusCode())
				oauthErr.Description = string(resp.Body())
			}
			if !oauthErr.Transient() {
				return backoff.Permanent(oauthErr)
			}
			log.Warn().Int("attempt", attempt).Int("status", oauthErr.Status).
				Msg("token endpoint busy, will retry code exchange")
			return oauthErr
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.exchangeBaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, exchangeMaxAttempts-1), ctx))
	if err != nil {
		return TokenSet{}, Identity{}, err
	}

	tokens := TokenSet{
		AccessToken:  result.AccessToken,
		IDToken:      result.IDToken,
		RefreshToken: result.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(result.ExpiresIn) * time.Second),
	}
	identity, err := identityFromIDToken(tokens.IDToken)
	if err != nil {
		return TokenSet{}, Identity{}, err
	}
	return tokens, identity, nil
}
