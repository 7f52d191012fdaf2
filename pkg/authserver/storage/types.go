// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the persistence contract of the authorization core
// and its three interchangeable backends: volatile in-memory, snapshot file,
// and relational (SQLite). All backends behave identically for identical
// operation sequences; callers never branch on backend identity.
package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose key is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired is returned when a record exists but its expiry has passed.
	// Callers treat it the same as absence; the record is awaiting cleanup.
	ErrExpired = errors.New("expired")
)

const (
	// DefaultFlowTTL bounds how long a device or authorization-code flow may
	// stay pending before it is abandoned.
	DefaultFlowTTL = 10 * time.Minute

	// DefaultAuthCodeTTL is the lifetime of a gateway authorization code.
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultSessionMaxAge is the absolute session lifetime, measured from
	// creation. It does not slide on activity.
	DefaultSessionMaxAge = 7 * 24 * time.Hour

	// DefaultCleanupInterval is how often expired records are swept.
	DefaultCleanupInterval = 5 * time.Minute
)

// Session binds a gateway credential pair to the provider credential pair it
// fronts. Gateway tokens are empty until the first code exchange.
type Session struct {
	// ID is the session identifier (UUID).
	ID string `json:"id"`

	// ClientID is the OAuth client the session belongs to.
	ClientID string `json:"client_id"`

	// UserID is the provider user ID the session is bound to.
	UserID string `json:"user_id"`

	// Username is the provider username, carried for logging and token claims.
	Username string `json:"username"`

	// Scopes is the granted scope set, ordered and deduplicated.
	Scopes []string `json:"scopes,omitempty"`

	// AccessToken is the current gateway access token (JWT). A token that is
	// not the session's current one has been superseded by rotation.
	AccessToken string `json:"access_token,omitempty"`

	// RefreshToken is the current gateway refresh token (opaque).
	RefreshToken string `json:"refresh_token,omitempty"`

	// TokenExpiresAt is the gateway access token expiry.
	TokenExpiresAt time.Time `json:"token_expires_at,omitzero"`

	// ProviderAccessToken is the upstream access token held in custody.
	ProviderAccessToken string `json:"provider_access_token,omitempty"`

	// ProviderRefreshToken is the upstream refresh token held in custody.
	ProviderRefreshToken string `json:"provider_refresh_token,omitempty"`

	// ProviderTokenExpiresAt is the upstream access token expiry. Zero means
	// the provider token does not expire.
	ProviderTokenExpiresAt time.Time `json:"provider_token_expires_at,omitzero"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy. Backends store and return copies so callers can
// never alias backend-owned memory.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Scopes = slices.Clone(s.Scopes)
	return &out
}

// DeviceFlow is the server-side state of one device-grant attempt, keyed by
// the gateway-generated flow token handed to the polling client.
type DeviceFlow struct {
	// FlowToken is the opaque key the client polls with.
	FlowToken string `json:"flow_token"`

	// DeviceCode is the provider's device code, never shown to the client.
	DeviceCode string `json:"device_code"`

	// UserCode is the short code the user types at the verification URI.
	UserCode string `json:"user_code"`

	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`

	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`

	// PKCEChallenge and PKCEMethod are the client's original PKCE binding,
	// carried through to the authorization code minted on completion.
	PKCEChallenge string `json:"pkce_challenge"`
	PKCEMethod    string `json:"pkce_method"`

	// ClientState is the client's opaque state, echoed back on completion.
	ClientState string `json:"client_state,omitempty"`

	// ClientRedirectURI is set when the client supplied one; it binds the
	// minted authorization code to that redirect target.
	ClientRedirectURI string `json:"client_redirect_uri,omitempty"`

	// Interval is the provider's minimum polling interval in seconds.
	Interval int `json:"interval"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (f *DeviceFlow) Clone() *DeviceFlow {
	if f == nil {
		return nil
	}
	out := *f
	out.Scopes = slices.Clone(f.Scopes)
	return &out
}

// AuthCodeFlow is the server-side state of one authorization-code-grant
// attempt, keyed by the internal correlator the gateway sends upstream as
// the callback state. The client's own state never leaves this record.
type AuthCodeFlow struct {
	// State is the internal correlator, unguessable and single-purpose.
	State string `json:"state"`

	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes,omitempty"`

	PKCEChallenge string `json:"pkce_challenge"`
	PKCEMethod    string `json:"pkce_method"`

	ClientState       string `json:"client_state,omitempty"`
	ClientRedirectURI string `json:"client_redirect_uri"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (f *AuthCodeFlow) Clone() *AuthCodeFlow {
	if f == nil {
		return nil
	}
	out := *f
	out.Scopes = slices.Clone(f.Scopes)
	return &out
}

// AuthorizationCode is a strictly single-use gateway code, bound to the PKCE
// challenge of the flow that minted it.
type AuthorizationCode struct {
	Code      string `json:"code"`
	SessionID string `json:"session_id"`
	ClientID  string `json:"client_id"`

	PKCEChallenge string `json:"pkce_challenge"`
	PKCEMethod    string `json:"pkce_method"`

	// RedirectURI, when set, must match exactly at redemption.
	RedirectURI string `json:"redirect_uri,omitempty"`

	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// Client is a dynamically registered OAuth client (RFC 7591).
type Client struct {
	ID     string `json:"client_id"`
	Secret string `json:"client_secret,omitempty"`
	Name   string `json:"client_name,omitempty"`

	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`

	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy.
func (c *Client) Clone() *Client {
	if c == nil {
		return nil
	}
	out := *c
	out.RedirectURIs = slices.Clone(c.RedirectURIs)
	out.GrantTypes = slices.Clone(c.GrantTypes)
	out.ResponseTypes = slices.Clone(c.ResponseTypes)
	return &out
}

// Stats reports record counts per entity class, for tests and monitoring.
type Stats struct {
	Sessions           int `json:"sessions"`
	DeviceFlows        int `json:"device_flows"`
	AuthCodeFlows      int `json:"auth_code_flows"`
	AuthorizationCodes int `json:"authorization_codes"`
	Clients            int `json:"clients"`
	ExternalSessions   int `json:"external_sessions"`
}

// Backend is the persistence contract. Every implementation is safe for
// concurrent use, returns the package sentinel errors, and hands out
// defensive copies.
type Backend interface {
	// Initialize prepares the backend (loads snapshots, runs migrations).
	Initialize(ctx context.Context) error

	// Sessions.
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByAccessToken(ctx context.Context, token string) (*Session, error)
	GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	// Device flows, keyed by flow token.
	StoreDeviceFlow(ctx context.Context, flow *DeviceFlow) error
	GetDeviceFlow(ctx context.Context, flowToken string) (*DeviceFlow, error)
	DeleteDeviceFlow(ctx context.Context, flowToken string) error

	// Authorization-code flows, keyed by internal correlator state.
	StoreAuthCodeFlow(ctx context.Context, flow *AuthCodeFlow) error
	GetAuthCodeFlow(ctx context.Context, state string) (*AuthCodeFlow, error)
	DeleteAuthCodeFlow(ctx context.Context, state string) error

	// Authorization codes.
	StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code string) error

	// Registered clients.
	StoreClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	DeleteClient(ctx context.Context, clientID string) error

	// External session mapping (transport session ID -> session ID).
	AssociateExternalSession(ctx context.Context, externalID, sessionID string) error
	LookupExternalSession(ctx context.Context, externalID string) (string, error)
	RemoveExternalSession(ctx context.Context, externalID string) error

	// Cleanup bulk-deletes expired flows and codes, and sessions created
	// before sessionCutoff. One entity class failing does not stop the rest.
	Cleanup(ctx context.Context, sessionCutoff time.Time) error

	// Stats returns record counts per entity class.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases backend resources. Durable backends flush first.
	Close() error
}
