package idp

import "context"

type attribute struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

func attributesFromMap(attrs map[string]string) []attribute {
	out := make([]attribute, 0, len(attrs))
	for name, value := range attrs {
		out = append(out, attribute{Name: name, Value: value})
	}
	return out
}

// SignUp registers a new account. The account must be confirmed with the
// emailed code before it can authenticate.
func (c *Client) SignUp(ctx context.Context, email, password string, attrs map[string]string) error {
	payload := struct {
		ClientID       string      `json:"ClientId"`
		Username       string      `json:"Username"`
		Password       string      `json:"Password"`
		UserAttributes []attribute `json:"UserAttributes,omitempty"`
	}{
		ClientID:       c.clientID,
		Username:       email,
		Password:       password,
		UserAttributes: attributesFromMap(attrs),
	}
	return c.call(ctx, "SignUp", payload, nil)
}

// ConfirmSignUp confirms a registration with the code sent by email.
func (c *Client) ConfirmSignUp(ctx context.Context, email, code string) error {
	payload := struct {
		ClientID         string `json:"ClientId"`
		Username         string `json:"Username"`
		ConfirmationCode string `json:"ConfirmationCode"`
	}{
		ClientID:         c.clientID,
		Username:         email,
		ConfirmationCode: code,
	}
	return c.call(ctx, "ConfirmSignUp", payload, nil)
}

// ResendConfirmationCode requests a fresh confirmation code.
func (c *Client) ResendConfirmationCode(ctx context.Context, email string) error {
	payload := struct {
		ClientID string `json:"ClientId"`
		Username string `json:"Username"`
	}{
		ClientID: c.clientID,
		Username: email,
	}
	return c.call(ctx, "ResendConfirmationCode", payload, nil)
}

// ForgotPassword starts a password reset by sending a code to the account's
// email address.
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	payload := struct {
		ClientID string `json:"ClientId"`
		Username string `json:"Username"`
	}{
		ClientID: c.clientID,
		Username: email,
	}
	return c.call(ctx, "ForgotPassword", payload, nil)
}

// ConfirmForgotPassword completes a password reset with the emailed code.
func (c *Client) ConfirmForgotPassword(ctx context.Context, email, code, newPassword string) error {
	payload := struct {
		ClientID         string `json:"ClientId"`
		Username         string `json:"Username"`
		ConfirmationCode string `json:"ConfirmationCode"`
		Password         string `json:"Password"`
	}{
		ClientID:         c.clientID,
		Username:         email,
		ConfirmationCode: code,
		Password:         newPassword,
	}
	return c.call(ctx, "ConfirmForgotPassword", payload, nil)
}
