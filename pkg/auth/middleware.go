// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/session"
	"github.com/zereight/gitlab-mcp-sub003/pkg/gitlab"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// wellKnownProtectedResource is where clients receiving a 401 can discover
// the authorization server, per RFC 9728.
const wellKnownProtectedResource = "/.well-known/oauth-protected-resource"

var errUnauthorized = errors.New("invalid or expired token")

// Middleware authenticates gateway bearer tokens and resolves them to the
// upstream GitLab credentials held in the session store. When the upstream
// token is close to expiry it is refreshed transparently before the request
// proceeds.
type Middleware struct {
	config   *authserver.Config
	store    *session.Store
	provider gitlab.Provider
}

// NewMiddleware builds authentication middleware over the given session
// store and upstream provider.
func NewMiddleware(config *authserver.Config, store *session.Store, provider gitlab.Provider) *Middleware {
	return &Middleware{
		config:   config,
		store:    store,
		provider: provider,
	}
}

// RequireAuth rejects requests that do not carry a valid gateway access
// token. On success the request context carries a TokenContext with the
// live upstream credentials.
func (m *Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc, err := m.authenticate(r)
		if err != nil {
			m.unauthorized(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithTokenContext(r.Context(), tc)))
	})
}

// OptionalAuth attaches a TokenContext when the request carries a valid
// token and falls through silently when it does not. Handlers behind it
// must use TokenContextFromContext and handle the absent case.
func (m *Middleware) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tc, err := m.authenticate(r); err == nil {
			r = r.WithContext(WithTokenContext(r.Context(), tc))
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the bearer token and maps it to the session's
// upstream credentials. Every failure collapses to errUnauthorized so the
// response cannot be used to probe which check tripped.
func (m *Middleware) authenticate(r *http.Request) (*TokenContext, error) {
	token, ok := extractBearerToken(r)
	if !ok {
		return nil, errUnauthorized
	}

	claims, err := crypto.VerifyAccessToken(token, m.config.Issuer, m.config.SigningSecret)
	if err != nil {
		return nil, errUnauthorized
	}

	ctx := r.Context()
	sess, err := m.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, errUnauthorized
	}

	// A rotated session keeps only its newest access token. Presenting a
	// superseded one is indistinguishable from presenting a forged one.
	if token != sess.AccessToken {
		return nil, errUnauthorized
	}

	if crypto.IsExpiringSoon(sess.ProviderTokenExpiresAt, crypto.DefaultExpiryBuffer) {
		tokens, err := m.provider.RefreshTokens(ctx, sess.ProviderRefreshToken)
		if err != nil {
			logger.Warnw("upstream token refresh failed", "session_id", sess.ID, "error", err)
			return nil, errUnauthorized
		}
		sess.ProviderAccessToken = tokens.AccessToken
		sess.ProviderRefreshToken = tokens.RefreshToken
		sess.ProviderTokenExpiresAt = tokens.ExpiresAt
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, errUnauthorized
		}
	}

	return &TokenContext{
		Token:     sess.ProviderAccessToken,
		UserID:    sess.UserID,
		Username:  sess.Username,
		SessionID: sess.ID,
	}, nil
}

// extractBearerToken pulls the token out of the Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", false
	}
	return token, true
}

// unauthorized writes a 401 with a WWW-Authenticate challenge pointing at
// the protected resource metadata, per RFC 9728 section 5.1.
func (m *Middleware) unauthorized(w http.ResponseWriter, err error) {
	parts := []string{
		fmt.Sprintf("realm=%q", m.config.Issuer),
		fmt.Sprintf("resource_metadata=%q", m.config.Issuer+wellKnownProtectedResource),
		`error="invalid_token"`,
		fmt.Sprintf("error_description=%q", err.Error()),
	}
	w.Header().Set("WWW-Authenticate", "Bearer "+strings.Join(parts, ", "))
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
