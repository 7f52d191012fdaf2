// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postRegister(h *Handler, body, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	return serve(h, req)
}

func TestRegister_PublicClient(t *testing.T) {
	t.Parallel()

	h, store := newTestHandler(t, &fakeProvider{})

	rec := postRegister(h, `{
		"redirect_uris": ["https://client.example.com/callback"],
		"client_name": "Example agent"
	}`, "application/json")

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody[dcrResponse](t, rec)
	assert.NotEmpty(t, body.ClientID)
	assert.Empty(t, body.ClientSecret, "public clients get no secret")
	assert.Equal(t, "none", body.TokenEndpointAuthMethod)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, body.GrantTypes)
	assert.Equal(t, []string{"code"}, body.ResponseTypes)

	stored, err := store.GetClient(context.Background(), body.ClientID)
	require.NoError(t, err)
	assert.Equal(t, "Example agent", stored.Name)
	assert.Empty(t, stored.Secret)
}

func TestRegister_ConfidentialClientGetsSecret(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeProvider{})

	rec := postRegister(h, `{
		"redirect_uris": ["https://client.example.com/callback"],
		"token_endpoint_auth_method": "client_secret_post"
	}`, "application/json")

	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody[dcrResponse](t, rec)
	assert.NotEmpty(t, body.ClientSecret)
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		contentType string
		wantError   string
	}{
		{
			name:        "wrong content type",
			body:        `{}`,
			contentType: "text/plain",
			wantError:   "invalid_client_metadata",
		},
		{
			name:        "broken JSON",
			body:        `{not json`,
			contentType: "application/json",
			wantError:   "invalid_client_metadata",
		},
		{
			name:        "no redirect URIs",
			body:        `{"client_name": "x"}`,
			contentType: "application/json",
			wantError:   "invalid_redirect_uri",
		},
		{
			name:        "invalid redirect URI",
			body:        `{"redirect_uris": ["not a url"]}`,
			contentType: "application/json",
			wantError:   "invalid_redirect_uri",
		},
		{
			name:        "unsupported grant type",
			body:        `{"redirect_uris": ["https://x.example.com/cb"], "grant_types": ["implicit"]}`,
			contentType: "application/json",
			wantError:   "invalid_client_metadata",
		},
		{
			name:        "unsupported response type",
			body:        `{"redirect_uris": ["https://x.example.com/cb"], "response_types": ["token"]}`,
			contentType: "application/json",
			wantError:   "invalid_client_metadata",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h, _ := newTestHandler(t, &fakeProvider{})
			rec := postRegister(h, tt.body, tt.contentType)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantError, decodeBody[oauthErrorResponse](t, rec).Error)
		})
	}
}

func TestDiscovery_AuthorizationServerMetadata(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeProvider{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[authorizationServerMetadata](t, rec)
	assert.Equal(t, testIssuer, body.Issuer)
	assert.Equal(t, testIssuer+"/authorize", body.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/token", body.TokenEndpoint)
	assert.Equal(t, testIssuer+"/register", body.RegistrationEndpoint)
	assert.Equal(t, []string{"code"}, body.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, body.GrantTypesSupported)
	assert.Equal(t, []string{"S256"}, body.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"none"}, body.TokenEndpointAuthMethodsSupported)
}

func TestDiscovery_ProtectedResourceMetadata(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(t, &fakeProvider{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody[protectedResourceMetadata](t, rec)
	assert.Equal(t, testIssuer, body.Resource)
	assert.Equal(t, []string{testIssuer}, body.AuthorizationServers)
	assert.Equal(t, []string{"header"}, body.BearerMethodsSupported)
}
