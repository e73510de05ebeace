package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"experiment-deployer/internal/cache"
)

var ErrEmptyToken = errors.New("token endpoint returned no access token")

// Token is an OAuth bearer token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

func (t Token) Header() string { return "Bearer " + t.AccessToken }

// TokenSource holds the token of one invocation; every unit reads the same value.
type TokenSource struct {
	snap cache.Snapshot[Token]
}

func (s *TokenSource) Token() (Token, bool) {
	t, ok := s.snap.Load()
	if !ok || t.AccessToken == "" {
		return Token{}, false
	}
	return t, true
}

func (s *TokenSource) Set(t Token) { s.snap.Store(t) }

// Authenticate runs the client-credentials grant and keeps the token for all
// later calls made through c.
func (c *Client) Authenticate(ctx context.Context, clientID, clientSecret string) (Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("oauth", "token"), strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var tok Token
	if err := c.send(req, &tok); err != nil {
		return Token{}, fmt.Errorf("authenticate: %w", err)
	}
	if tok.AccessToken == "" {
		return Token{}, ErrEmptyToken
	}
	c.tokens.Set(tok)
	return tok, nil
}

// SetToken installs a token obtained elsewhere.
func (c *Client) SetToken(t Token) { c.tokens.Set(t) }
