// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBackends constructs one backend of each type, initialized and wired for
// cleanup. Every contract test runs against all three so the backends cannot
// drift apart behaviorally.
func newBackends(t *testing.T) map[string]Backend {
	t.Helper()

	file, err := NewFileBackend(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	sqlite, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)

	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"sqlite": sqlite,
	}

	for name, b := range backends {
		require.NoError(t, b.Initialize(context.Background()), "initializing %s", name)
		t.Cleanup(func() { _ = b.Close() })
	}

	return backends
}

func newTestSession() *Session {
	now := time.Now()
	return &Session{
		ID:                     uuid.NewString(),
		ClientID:               "client-1",
		UserID:                 "42",
		Username:               "jane",
		Scopes:                 []string{"api"},
		AccessToken:            "at-" + uuid.NewString(),
		RefreshToken:           "rt-" + uuid.NewString(),
		TokenExpiresAt:         now.Add(time.Hour),
		ProviderAccessToken:    "glpat-at",
		ProviderRefreshToken:   "glpat-rt",
		ProviderTokenExpiresAt: now.Add(2 * time.Hour),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

func TestBackend_SessionLifecycle(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			session := newTestSession()
			require.NoError(t, b.CreateSession(ctx, session))

			// Duplicate create is rejected.
			require.ErrorIs(t, b.CreateSession(ctx, session), ErrAlreadyExists)

			got, err := b.GetSession(ctx, session.ID)
			require.NoError(t, err)
			assert.Equal(t, session.UserID, got.UserID)
			assert.Equal(t, session.Scopes, got.Scopes)

			byToken, err := b.GetSessionByAccessToken(ctx, session.AccessToken)
			require.NoError(t, err)
			assert.Equal(t, session.ID, byToken.ID)

			byRefresh, err := b.GetSessionByRefreshToken(ctx, session.RefreshToken)
			require.NoError(t, err)
			assert.Equal(t, session.ID, byRefresh.ID)

			require.NoError(t, b.DeleteSession(ctx, session.ID))
			_, err = b.GetSession(ctx, session.ID)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.GetSessionByAccessToken(ctx, session.AccessToken)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_TokenRotationRepointsIndexes(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			session := newTestSession()
			require.NoError(t, b.CreateSession(ctx, session))

			oldAccess := session.AccessToken
			oldRefresh := session.RefreshToken

			rotated := session.Clone()
			rotated.AccessToken = "at-rotated"
			rotated.RefreshToken = "rt-rotated"
			rotated.UpdatedAt = time.Now()
			require.NoError(t, b.UpdateSession(ctx, rotated))

			// Old tokens no longer resolve.
			_, err := b.GetSessionByAccessToken(ctx, oldAccess)
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = b.GetSessionByRefreshToken(ctx, oldRefresh)
			assert.ErrorIs(t, err, ErrNotFound)

			// New tokens resolve to the same session.
			got, err := b.GetSessionByAccessToken(ctx, "at-rotated")
			require.NoError(t, err)
			assert.Equal(t, session.ID, got.ID)
			got, err = b.GetSessionByRefreshToken(ctx, "rt-rotated")
			require.NoError(t, err)
			assert.Equal(t, session.ID, got.ID)
		})
	}
}

func TestBackend_DeviceFlowLifecycle(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			flow := &DeviceFlow{
				FlowToken:       "flow-1",
				DeviceCode:      "dev-1",
				UserCode:        "ABCD-EFGH",
				VerificationURI: "https://gitlab.example.com/-/user_settings/device",
				ClientID:        "client-1",
				Scopes:          []string{"api"},
				PKCEChallenge:   "challenge",
				PKCEMethod:      "S256",
				Interval:        5,
				ExpiresAt:       time.Now().Add(5 * time.Minute),
				CreatedAt:       time.Now(),
			}
			require.NoError(t, b.StoreDeviceFlow(ctx, flow))

			got, err := b.GetDeviceFlow(ctx, "flow-1")
			require.NoError(t, err)
			assert.Equal(t, "dev-1", got.DeviceCode)
			assert.Equal(t, "ABCD-EFGH", got.UserCode)

			require.NoError(t, b.DeleteDeviceFlow(ctx, "flow-1"))
			_, err = b.GetDeviceFlow(ctx, "flow-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_ExpiredRecordsUnreadable(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			// Expired a millisecond ago is already gone to readers.
			expired := time.Now().Add(-time.Millisecond)

			require.NoError(t, b.StoreDeviceFlow(ctx, &DeviceFlow{
				FlowToken: "flow-old", DeviceCode: "d", UserCode: "u",
				VerificationURI: "https://x", ClientID: "c",
				PKCEChallenge: "ch", PKCEMethod: "S256",
				ExpiresAt: expired, CreatedAt: time.Now().Add(-time.Minute),
			}))
			_, err := b.GetDeviceFlow(ctx, "flow-old")
			assert.ErrorIs(t, err, ErrExpired)

			require.NoError(t, b.StoreAuthCodeFlow(ctx, &AuthCodeFlow{
				State: "state-old", ClientID: "c", PKCEChallenge: "ch", PKCEMethod: "S256",
				ClientRedirectURI: "https://client/cb",
				ExpiresAt:         expired, CreatedAt: time.Now().Add(-time.Minute),
			}))
			_, err = b.GetAuthCodeFlow(ctx, "state-old")
			assert.ErrorIs(t, err, ErrExpired)

			require.NoError(t, b.StoreAuthorizationCode(ctx, &AuthorizationCode{
				Code: "code-old", SessionID: "s", ClientID: "c",
				PKCEChallenge: "ch", PKCEMethod: "S256",
				ExpiresAt: expired, CreatedAt: time.Now().Add(-time.Minute),
			}))
			_, err = b.GetAuthorizationCode(ctx, "code-old")
			assert.ErrorIs(t, err, ErrExpired)
		})
	}
}

func TestBackend_AuthorizationCodeSingleDelete(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			code := &AuthorizationCode{
				Code: "code-1", SessionID: "s", ClientID: "c",
				PKCEChallenge: "ch", PKCEMethod: "S256",
				ExpiresAt: time.Now().Add(10 * time.Minute), CreatedAt: time.Now(),
			}
			require.NoError(t, b.StoreAuthorizationCode(ctx, code))
			require.NoError(t, b.DeleteAuthorizationCode(ctx, "code-1"))

			// A second delete reports absence; there is no second use.
			assert.ErrorIs(t, b.DeleteAuthorizationCode(ctx, "code-1"), ErrNotFound)
		})
	}
}

func TestBackend_ClientsAndExternalSessions(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			client := &Client{
				ID:                      "client-1",
				Name:                    "Example MCP client",
				RedirectURIs:            []string{"https://client.example.com/cb"},
				GrantTypes:              []string{"authorization_code", "refresh_token"},
				ResponseTypes:           []string{"code"},
				TokenEndpointAuthMethod: "none",
				CreatedAt:               time.Now(),
			}
			require.NoError(t, b.StoreClient(ctx, client))

			got, err := b.GetClient(ctx, "client-1")
			require.NoError(t, err)
			assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
			assert.Equal(t, "none", got.TokenEndpointAuthMethod)

			session := newTestSession()
			require.NoError(t, b.CreateSession(ctx, session))
			require.NoError(t, b.AssociateExternalSession(ctx, "mcp-sess-1", session.ID))

			resolved, err := b.LookupExternalSession(ctx, "mcp-sess-1")
			require.NoError(t, err)
			assert.Equal(t, session.ID, resolved)

			require.NoError(t, b.RemoveExternalSession(ctx, "mcp-sess-1"))
			_, err = b.LookupExternalSession(ctx, "mcp-sess-1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_CleanupAgeRules(t *testing.T) {
	t.Parallel()

	for name, b := range newBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			old := newTestSession()
			old.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
			require.NoError(t, b.CreateSession(ctx, old))

			fresh := newTestSession()
			require.NoError(t, b.CreateSession(ctx, fresh))

			require.NoError(t, b.StoreAuthorizationCode(ctx, &AuthorizationCode{
				Code: "stale", SessionID: old.ID, ClientID: "c",
				PKCEChallenge: "ch", PKCEMethod: "S256",
				ExpiresAt: time.Now().Add(-time.Minute), CreatedAt: time.Now().Add(-time.Hour),
			}))

			cutoff := time.Now().Add(-DefaultSessionMaxAge)
			require.NoError(t, b.Cleanup(ctx, cutoff))

			_, err := b.GetSession(ctx, old.ID)
			assert.ErrorIs(t, err, ErrNotFound, "8-day-old session must be swept")

			_, err = b.GetSession(ctx, fresh.ID)
			assert.NoError(t, err, "fresh session must survive the sweep")

			stats, err := b.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, stats.Sessions)
			assert.Equal(t, 0, stats.AuthorizationCodes)
		})
	}
}

func TestMemoryBackend_DefensiveCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	b := NewMemoryBackend()
	session := newTestSession()
	require.NoError(t, b.CreateSession(ctx, session))

	// Mutating the caller's struct after store must not affect the backend.
	session.Username = "mallory"
	session.Scopes[0] = "sudo"

	got, err := b.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", got.Username)
	assert.Equal(t, []string{"api"}, got.Scopes)

	// Mutating a returned struct must not affect subsequent reads.
	got.Username = "eve"
	again, err := b.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", again.Username)
}

func TestNewBackend_Factory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cfg     Config
		want    string
		wantErr bool
	}{
		{Config{Type: BackendTypeMemory}, "*storage.MemoryBackend", false},
		{Config{}, "*storage.MemoryBackend", false},
		{Config{Type: BackendTypeFile, Path: filepath.Join(t.TempDir(), "s.json")}, "*storage.FileBackend", false},
		{Config{Type: BackendTypeSQLite, Path: filepath.Join(t.TempDir(), "s.db")}, "*storage.SQLiteBackend", false},
		{Config{Type: "redis"}, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.cfg.Type), func(t *testing.T) {
			t.Parallel()

			b, err := NewBackend(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fmt.Sprintf("%T", b))
		})
	}
}
