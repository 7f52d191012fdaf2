// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/session"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/gitlab"
)

const (
	testIssuer      = "https://gateway.example.com"
	testClientID    = "test-client"
	testRedirectURI = "https://client.example.com/callback"
	testProviderURL = "https://gitlab.example.com"
)

var testSigningSecret = bytes.Repeat([]byte("k"), 32)

// fakeProvider implements gitlab.Provider with canned answers and captured
// arguments.
type fakeProvider struct {
	deviceAuth *gitlab.DeviceAuthorization
	deviceErr  error

	pollTokens *gitlab.Tokens
	pollErr    error

	exchangeTokens *gitlab.Tokens
	exchangeErr    error

	refreshedTokens *gitlab.Tokens
	refreshErr      error

	user    *gitlab.User
	userErr error

	capturedState       string
	capturedChallenge   string
	capturedRedirectURI string
	capturedCode        string
	capturedVerifier    string
	capturedRefresh     string
	pollCalls           int
	refreshCalls        int
}

var _ gitlab.Provider = (*fakeProvider)(nil)

func (*fakeProvider) BaseURL() string { return testProviderURL }

func (f *fakeProvider) AuthorizationURL(state, codeChallenge, redirectURI string) string {
	f.capturedState = state
	f.capturedChallenge = codeChallenge
	f.capturedRedirectURI = redirectURI
	return testProviderURL + "/oauth/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeProvider) StartDeviceAuthorization(context.Context) (*gitlab.DeviceAuthorization, error) {
	if f.deviceErr != nil {
		return nil, f.deviceErr
	}
	return f.deviceAuth, nil
}

func (f *fakeProvider) PollDeviceToken(_ context.Context, _ string) (*gitlab.Tokens, error) {
	f.pollCalls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	return f.pollTokens, nil
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code, codeVerifier, redirectURI string) (*gitlab.Tokens, error) {
	f.capturedCode = code
	f.capturedVerifier = codeVerifier
	f.capturedRedirectURI = redirectURI
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.exchangeTokens, nil
}

func (f *fakeProvider) RefreshTokens(_ context.Context, refreshToken string) (*gitlab.Tokens, error) {
	f.refreshCalls++
	f.capturedRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshedTokens, nil
}

func (f *fakeProvider) CurrentUser(context.Context, string) (*gitlab.User, error) {
	if f.userErr != nil {
		return nil, f.userErr
	}
	if f.user != nil {
		return f.user, nil
	}
	return &gitlab.User{ID: 42, Username: "jane"}, nil
}

func defaultDeviceAuth() *gitlab.DeviceAuthorization {
	return &gitlab.DeviceAuthorization{
		DeviceCode:      "device-code-1",
		UserCode:        "ABCD-EFGH",
		VerificationURI: testProviderURL + "/-/user_settings/device",
		ExpiresIn:       300,
		Interval:        5,
	}
}

func providerTokens() *gitlab.Tokens {
	return &gitlab.Tokens{
		AccessToken:  "glpat-access",
		RefreshToken: "glpat-refresh",
		ExpiresAt:    time.Now().Add(2 * time.Hour),
		Scope:        "api",
	}
}

// newTestHandler builds a Handler over a started memory-backed store.
func newTestHandler(t *testing.T, provider gitlab.Provider) (*Handler, *session.Store) {
	t.Helper()

	store := session.NewStore(storage.NewMemoryBackend())
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	cfg := &authserver.Config{
		Issuer:        testIssuer,
		SigningSecret: testSigningSecret,
	}
	require.NoError(t, cfg.Validate())

	return NewHandler(cfg, store, provider), store
}

// serve routes the request through the full router.
func serve(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

// authorizeQuery is a valid device-flow authorize query to tweak per test.
func authorizeQuery(challenge string) url.Values {
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {testClientID},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"api"},
	}
}

// newPKCEPair returns a fresh verifier and its S256 challenge.
func newPKCEPair() (verifier, challenge string) {
	verifier = crypto.GeneratePKCEVerifier()
	return verifier, crypto.ComputePKCEChallenge(verifier)
}

// mintSession stores a ready session directly, bypassing the flows.
func mintSession(t *testing.T, store *session.Store, mutate func(*storage.Session)) *storage.Session {
	t.Helper()

	sess := &storage.Session{
		ClientID:               testClientID,
		UserID:                 "42",
		Username:               "jane",
		Scopes:                 []string{"api"},
		ProviderAccessToken:    "glpat-access",
		ProviderRefreshToken:   "glpat-refresh",
		ProviderTokenExpiresAt: time.Now().Add(2 * time.Hour),
	}
	if mutate != nil {
		mutate(sess)
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))
	return sess
}

// mintCode stores an authorization code bound to the session and challenge.
func mintCode(t *testing.T, store *session.Store, sessionID, challenge, redirectURI string) string {
	t.Helper()

	code := crypto.GenerateOpaqueToken()
	require.NoError(t, store.StoreAuthorizationCode(context.Background(), &storage.AuthorizationCode{
		Code:          code,
		SessionID:     sessionID,
		ClientID:      testClientID,
		PKCEChallenge: challenge,
		PKCEMethod:    crypto.PKCEChallengeMethodS256,
		RedirectURI:   redirectURI,
		ExpiresAt:     time.Now().Add(10 * time.Minute),
		CreatedAt:     time.Now(),
	}))
	return code
}

// postForm posts an application/x-www-form-urlencoded body through the router.
func postForm(h *Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return serve(h, req)
}

// decodeBody unmarshals a recorder's JSON body into T.
func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
