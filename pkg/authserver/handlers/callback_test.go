// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/session"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
)

// storeAuthCodeFlow seeds a pending authorization-code flow keyed by the
// internal correlator.
func storeAuthCodeFlow(t *testing.T, store *session.Store, correlator string) *storage.AuthCodeFlow {
	t.Helper()

	_, challenge := newPKCEPair()
	flow := &storage.AuthCodeFlow{
		State:             correlator,
		ClientID:          testClientID,
		Scopes:            []string{"api"},
		PKCEChallenge:     challenge,
		PKCEMethod:        "S256",
		ClientState:       "client-state-xyz",
		ClientRedirectURI: testRedirectURI,
		ExpiresAt:         time.Now().Add(10 * time.Minute),
		CreatedAt:         time.Now(),
	}
	require.NoError(t, store.StoreAuthCodeFlow(context.Background(), flow))
	return flow
}

func callback(h *Handler, q url.Values) *httptest.ResponseRecorder {
	return serve(h, httptest.NewRequest(http.MethodGet, "/oauth/callback?"+q.Encode(), nil))
}

func TestCallback_MissingOrUnknownState(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeProvider{})

	rec := callback(h, url.Values{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody[oauthErrorResponse](t, rec).Error)

	rec = callback(h, url.Values{"state": {"never-stored"}, "code": {"x"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody[oauthErrorResponse](t, rec).Error)
}

func TestCallback_ProviderErrorRedirectsToClient(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t, &fakeProvider{})
	storeAuthCodeFlow(t, store, "correlator-1")

	rec := callback(h, url.Values{
		"state":             {"correlator-1"},
		"error":             {"access_denied"},
		"error_description": {"user declined"},
	})

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client.example.com", location.Host)
	assert.Equal(t, "access_denied", location.Query().Get("error"))
	assert.Equal(t, "client-state-xyz", location.Query().Get("state"))

	// The flow is consumed; replaying the callback no longer correlates.
	_, err = store.GetAuthCodeFlow(context.Background(), "correlator-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCallback_SuccessRedirectsWithCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := &fakeProvider{exchangeTokens: providerTokens()}
	h, store := newTestHandler(t, provider)
	flow := storeAuthCodeFlow(t, store, "correlator-1")

	rec := callback(h, url.Values{
		"state": {"correlator-1"},
		"code":  {"provider-code-1"},
	})

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	// The exchange used the provider's code and the gateway's callback URL.
	assert.Equal(t, "provider-code-1", provider.capturedCode)
	assert.Equal(t, testIssuer+"/oauth/callback", provider.capturedRedirectURI)

	// The client gets its own state back, never the correlator.
	assert.Equal(t, "client-state-xyz", location.Query().Get("state"))
	gatewayCode := location.Query().Get("code")
	require.NotEmpty(t, gatewayCode)
	assert.NotEqual(t, "provider-code-1", gatewayCode)

	// The minted code carries the flow's PKCE binding and redirect URI.
	code, err := store.GetAuthorizationCode(ctx, gatewayCode)
	require.NoError(t, err)
	assert.Equal(t, flow.PKCEChallenge, code.PKCEChallenge)
	assert.Equal(t, testRedirectURI, code.RedirectURI)

	_, err = store.GetAuthCodeFlow(ctx, "correlator-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCallback_ExchangeFailureRedirectsWithError(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{exchangeErr: errors.New("upstream said no")}
	h, store := newTestHandler(t, provider)
	storeAuthCodeFlow(t, store, "correlator-1")

	rec := callback(h, url.Values{
		"state": {"correlator-1"},
		"code":  {"provider-code-1"},
	})

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "server_error", location.Query().Get("error"))
	assert.Equal(t, "client-state-xyz", location.Query().Get("state"))

	_, err = store.GetAuthCodeFlow(context.Background(), "correlator-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCallback_ExpiredFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h, store := newTestHandler(t, &fakeProvider{})
	require.NoError(t, store.StoreAuthCodeFlow(ctx, &storage.AuthCodeFlow{
		State:             "correlator-old",
		ClientID:          testClientID,
		PKCEChallenge:     "ch",
		PKCEMethod:        "S256",
		ClientRedirectURI: testRedirectURI,
		ExpiresAt:         time.Now().Add(-time.Minute),
		CreatedAt:         time.Now().Add(-time.Hour),
	}))

	rec := callback(h, url.Values{"state": {"correlator-old"}, "code": {"x"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody[oauthErrorResponse](t, rec).Error)

	_, err := store.GetAuthCodeFlow(ctx, "correlator-old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
