// Package idp is a typed client for the remote identity provider: account
// registration and confirmation, password authentication and reset, token
// refresh, and the hosted OAuth authorization-code flow.
package idp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	actionHeader    = "X-Amz-Target"
	actionPrefix    = "AWSCognitoIdentityProviderService."
	jsonContentType = "application/x-amz-json-1.1"

	userAgent = "paivakirja-session/1.0"
)

// ClientOpts configures a Client. BaseURL and AuthBaseURL override the URLs
// derived from Region and Domain, which is how tests point the client at an
// httptest server.
type ClientOpts struct {
	Region           string
	Domain           string
	ClientID         string
	RedirectURI      string
	Scopes           []string
	IdentityProvider string

	BaseURL     string // action API override
	AuthBaseURL string // hosted domain override

	Timeout           time.Duration // per-request bound, default 15s
	ExchangeBaseDelay time.Duration // backoff base for the code exchange, default 1s
}

// Client talks to the identity provider. All calls are bounded by the
// configured timeout; a timeout surfaces as a transient error, not a hang.
type Client struct {
	api   *resty.Client
	oauth *resty.Client

	clientID          string
	redirectURI       string
	scopes            []string
	identityProvider  string
	authBaseURL       string
	exchangeBaseDelay time.Duration
}

// NewClient creates a provider client from the given options.
func NewClient(opts ClientOpts) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://cognito-idp.%s.amazonaws.com", opts.Region)
	}
	authBaseURL := opts.AuthBaseURL
	if authBaseURL == "" {
		authBaseURL = "https://" + opts.Domain
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	baseDelay := opts.ExchangeBaseDelay
	if baseDelay == 0 {
		baseDelay = time.Second
	}

	c := &Client{
		clientID:          opts.ClientID,
		redirectURI:       opts.RedirectURI,
		scopes:            opts.Scopes,
		identityProvider:  opts.IdentityProvider,
		authBaseURL:       authBaseURL,
		exchangeBaseDelay: baseDelay,
	}

	c.api = resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("User-Agent", userAgent)

	c.oauth = resty.New().
		SetBaseURL(authBaseURL).
		SetTimeout(timeout).
		SetHeaders(map[string]string{
			"User-Agent": userAgent,
			"Accept":     "application/json",
		})

	return c
}

// call performs one action API request. Error responses carry a __type code
// which is returned as an *APIError.
func (c *Client) call(ctx context.Context, action string, payload, result any) error {
	resp, err := c.api.NewRequest().
		SetContext(ctx).
		SetHeader(actionHeader, actionPrefix+action).
		SetHeader("Content-Type", jsonContentType).
		SetBody(payload).
		SetResult(result).
		Post("/")
	if err != nil {
		return fmt.Errorf("%s request failed: %w", action, err)
	}
	if resp.IsError() {
		apiErr := &APIError{Status: resp.StatusCode()}
		if err := json.Unmarshal(resp.Body(), apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("HTTP%d", resp.StatusCode())
			apiErr.Message = string(resp.Body())
		}
		return apiErr
	}
	return nil
}
