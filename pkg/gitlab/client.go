// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gitlab implements the OAuth and identity client for an upstream
// GitLab instance (gitlab.com or self-hosted). It covers the device
// authorization grant, the authorization code grant, token refresh, and the
// identity lookup used to bind sessions to a GitLab user.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
	"github.com/zereight/gitlab-mcp-sub003/pkg/networking"
)

// Sentinel errors mapped from the device-grant polling responses.
// Pending and slow-down are transient; the rest are terminal for the flow.
var (
	// ErrAuthorizationPending means the user has not yet approved the device.
	ErrAuthorizationPending = errors.New("authorization pending")

	// ErrSlowDown means the poller is calling faster than the advertised interval.
	ErrSlowDown = errors.New("slow down")

	// ErrExpiredToken means the device code expired before the user approved it.
	ErrExpiredToken = errors.New("device code expired")

	// ErrAccessDenied means the user rejected the authorization request.
	ErrAccessDenied = errors.New("access denied")

	// ErrInvalidGrant covers rejected codes and refresh tokens.
	ErrInvalidGrant = errors.New("invalid grant")
)

// OAuthError is a structured error response from the provider's OAuth endpoints.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

// Unwrap maps the provider error code onto the package sentinels so callers
// can use errors.Is without string matching.
func (e *OAuthError) Unwrap() error {
	switch e.Code {
	case "authorization_pending":
		return ErrAuthorizationPending
	case "slow_down":
		return ErrSlowDown
	case "expired_token":
		return ErrExpiredToken
	case "access_denied":
		return ErrAccessDenied
	case "invalid_grant":
		return ErrInvalidGrant
	default:
		return nil
	}
}

// Tokens holds a provider token pair after an exchange or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// DeviceAuthorization is the provider's response to a device authorization request.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// User is the subset of the provider identity the gateway binds sessions to.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Client talks to a single GitLab instance on behalf of the gateway.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	scopes       []string
	httpClient   networking.HTTPClient
	rateLimiter  *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client networking.HTTPClient) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithClientSecret sets the OAuth application secret. Optional: device-grant
// only deployments may register a public application.
func WithClientSecret(secret string) Option {
	return func(c *Client) {
		c.clientSecret = secret
	}
}

// WithScopes sets the scopes requested from the provider.
func WithScopes(scopes []string) Option {
	return func(c *Client) {
		c.scopes = scopes
	}
}

// NewClient creates a client for the GitLab instance at baseURL.
func NewClient(baseURL, clientID string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if clientID == "" {
		return nil, errors.New("client ID is required")
	}
	if !networking.IsURL(baseURL) {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		clientID:   clientID,
		scopes:     []string{"api"},
		httpClient: http.DefaultClient,
		// Local cap on provider calls so a busy gateway never trips the
		// instance-level limits. 100 rps with burst of 200.
		rateLimiter: rate.NewLimiter(100, 200),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// BaseURL returns the provider base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AuthorizationURL builds the URL to send the user agent to for the
// authorization code grant. state correlates the eventual callback and
// codeChallenge is the S256 PKCE challenge the gateway generated.
func (c *Client) AuthorizationURL(state, codeChallenge, redirectURI string) string {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"state":         {state},
		"scope":         {strings.Join(c.scopes, " ")},
	}
	if codeChallenge != "" {
		params.Set("code_challenge", codeChallenge)
		params.Set("code_challenge_method", "S256")
	}

	return c.baseURL + "/oauth/authorize?" + params.Encode()
}

// StartDeviceAuthorization requests a device code from the provider.
func (c *Client) StartDeviceAuthorization(ctx context.Context) (*DeviceAuthorization, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	logger.Debugw("requesting device authorization", "client_id", c.clientID)

	auth, err := networking.FetchJSONWithForm[DeviceAuthorization](
		ctx, c.httpClient, c.baseURL+"/oauth/authorize_device",
		url.Values{
			"client_id": {c.clientID},
			"scope":     {strings.Join(c.scopes, " ")},
		},
		networking.WithErrorHandler(oauthErrorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}

	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, errors.New("provider returned incomplete device authorization")
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}

	return &auth, nil
}

// PollDeviceToken asks the provider whether the device authorization
// identified by deviceCode has been approved. While the user has not decided,
// it returns ErrAuthorizationPending or ErrSlowDown.
func (c *Client) PollDeviceToken(ctx context.Context, deviceCode string) (*Tokens, error) {
	if deviceCode == "" {
		return nil, errors.New("device code is required")
	}

	return c.tokenRequest(ctx, url.Values{
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {deviceCode},
		"client_id":   {c.clientID},
	})
}

// ExchangeCode exchanges an authorization code for provider tokens.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	logger.Debugw("exchanging authorization code",
		"has_pkce_verifier", codeVerifier != "",
	)

	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {c.clientID},
	}
	if c.clientSecret != "" {
		params.Set("client_secret", c.clientSecret)
	}
	if codeVerifier != "" {
		params.Set("code_verifier", codeVerifier)
	}

	return c.tokenRequest(ctx, params)
}

// RefreshTokens refreshes the provider token pair. GitLab rotates the refresh
// token on every use, so callers must persist the returned pair.
func (c *Client) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.clientID},
	}
	if c.clientSecret != "" {
		params.Set("client_secret", c.clientSecret)
	}

	return c.tokenRequest(ctx, params)
}

// CurrentUser fetches the identity of the user the access token belongs to.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, errors.New("access token is required")
	}
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	user, err := networking.FetchJSON[User](
		ctx, c.httpClient, c.baseURL+"/api/v4/user",
		networking.WithHeader("Authorization", "Bearer "+accessToken),
	)
	if err != nil {
		return nil, fmt.Errorf("identity lookup failed: %w", err)
	}
	if user.ID == 0 || user.Username == "" {
		return nil, errors.New("provider returned incomplete user identity")
	}

	return &user, nil
}

// tokenResponse is the wire form of the provider's token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	CreatedAt    int64  `json:"created_at"`
}

func (c *Client) tokenRequest(ctx context.Context, params url.Values) (*Tokens, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := networking.FetchJSONWithForm[tokenResponse](
		ctx, c.httpClient, c.baseURL+"/oauth/token", params,
		networking.WithErrorHandler(oauthErrorHandler),
	)
	if err != nil {
		return nil, err
	}

	if resp.AccessToken == "" {
		return nil, errors.New("provider token response missing access_token")
	}

	tokens := &Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
	}
	if resp.ExpiresIn > 0 {
		issued := time.Now()
		if resp.CreatedAt > 0 {
			issued = time.Unix(resp.CreatedAt, 0)
		}
		tokens.ExpiresAt = issued.Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	return tokens, nil
}

// oauthErrorHandler turns structured {"error": ...} bodies into *OAuthError.
// Returning nil falls back to the generic networking.HTTPError.
func oauthErrorHandler(_ *http.Response, body []byte) error {
	var oauthErr OAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Code == "" {
		return nil
	}
	return &oauthErr
}
