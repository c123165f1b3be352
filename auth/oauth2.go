package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"
)

// TokenProvider returns a fresh access token for each authentication attempt.
type TokenProvider func() (string, error)

// FromTokenSource adapts a golang.org/x/oauth2 TokenSource (which handles
// refresh) into a TokenProvider.
func FromTokenSource(src oauth2.TokenSource) TokenProvider {
	return func() (string, error) {
		tok, err := src.Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}
}

// StaticToken returns a TokenProvider that always yields the same token.
// Useful for tests and short-lived sessions.
func StaticToken(token string) TokenProvider {
	return func() (string, error) { return token, nil }
}

// OAuth2Auth authenticates with AUTHENTICATE XOAUTH2.
type OAuth2Auth struct {
	Username string
	Tokens   TokenProvider
}

func (a OAuth2Auth) ApplyIMAP(client *imapclient.Client, _ Context) error {
	if a.Tokens == nil {
		return &Error{Mechanism: "XOAUTH2", Err: fmt.Errorf("no token provider configured")}
	}

	token, err := a.Tokens()
	if err != nil {
		return &Error{Mechanism: "XOAUTH2", Err: fmt.Errorf("token provider: %w", err)}
	}

	if err := client.Authenticate(newXOAuth2Client(a.Username, token)); err != nil {
		return &Error{Mechanism: "XOAUTH2", Err: err}
	}
	return nil
}

// xoauth2Client implements sasl.Client for the XOAUTH2 mechanism.
type xoauth2Client struct {
	username    string
	accessToken string
}

func newXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	resp := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken)
	return "XOAUTH2", []byte(resp), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if len(challenge) > 0 {
		// The server sends a base64 JSON blob describing the failure.
		decoded, _ := base64.StdEncoding.DecodeString(string(challenge))
		return nil, fmt.Errorf("XOAUTH2 error: %s", string(decoded))
	}
	return nil, nil
}
