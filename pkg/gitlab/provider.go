// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package gitlab

import "context"

// Provider is the upstream OAuth surface the gateway depends on. Client is
// the production implementation; consumers take the interface so tests can
// substitute a fake instance.
type Provider interface {
	// BaseURL returns the provider's base URL.
	BaseURL() string

	// AuthorizationURL builds the provider's authorize URL for the
	// authorization-code grant, bound to state and the PKCE challenge.
	AuthorizationURL(state, codeChallenge, redirectURI string) string

	// StartDeviceAuthorization begins a device grant.
	StartDeviceAuthorization(ctx context.Context) (*DeviceAuthorization, error)

	// PollDeviceToken checks whether a device authorization was approved.
	PollDeviceToken(ctx context.Context, deviceCode string) (*Tokens, error)

	// ExchangeCode redeems an authorization code for tokens.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*Tokens, error)

	// RefreshTokens rotates a provider token pair.
	RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error)

	// CurrentUser resolves the identity the access token belongs to.
	CurrentUser(ctx context.Context, accessToken string) (*User, error)
}

var _ Provider = (*Client)(nil)
