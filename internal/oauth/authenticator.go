package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// TokenResponse is the token endpoint's reply. The refresh token may
// rotate on refresh; callers persist the whole response.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Authenticator drives the PKCE authorization code flow against one
// authorization server.
type Authenticator struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	Scopes                []string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewAuthenticator creates an authenticator from a discovered config.
func NewAuthenticator(cfg Config, clientID string) *Authenticator {
	return &Authenticator{
		AuthorizationEndpoint: cfg.AuthorizationEndpoint,
		TokenEndpoint:         cfg.TokenEndpoint,
		ClientID:              clientID,
		Scopes:                cfg.Scopes,
	}
}

// BuildAuthorizationURL constructs the URL the user visits to
// authorize. state is optional CSRF protection.
func (a *Authenticator) BuildAuthorizationURL(redirectURI, codeChallenge, state string) string {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", a.ClientID)
	params.Set("redirect_uri", redirectURI)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	if len(a.Scopes) > 0 {
		params.Set("scope", strings.Join(a.Scopes, " "))
	}
	if state != "" {
		params.Set("state", state)
	}
	return a.AuthorizationEndpoint + "?" + params.Encode()
}

// ExchangeCode exchanges an authorization code plus its PKCE verifier
// for tokens.
func (a *Authenticator) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", a.ClientID)
	form.Set("code_verifier", codeVerifier)

	return a.postToken(ctx, "token exchange", form)
}

// Refresh exchanges a refresh token for a new token pair. The server
// may rotate the refresh token; the old one is invalid afterwards.
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", a.ClientID)

	return a.postToken(ctx, "token refresh", form)
}

func (a *Authenticator) postToken(ctx context.Context, op string, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenEndpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Op: op, Status: resp.StatusCode, Body: string(body)}
	}

	var tokens TokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	if tokens.AccessToken == "" {
		return nil, &Error{Op: op, Err: fmt.Errorf("response missing access_token")}
	}
	return &tokens, nil
}
