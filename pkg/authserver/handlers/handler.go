// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/session"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/gitlab"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// OAuth error codes used on the wire (RFC 6749 §4.1.2.1, §5.2).
const (
	errInvalidRequest          = "invalid_request"
	errInvalidGrant            = "invalid_grant"
	errUnsupportedResponseType = "unsupported_response_type"
	errUnsupportedGrantType    = "unsupported_grant_type"
	errAccessDenied            = "access_denied"
	errServerError             = "server_error"
)

// Handler provides the HTTP handlers for the authorization endpoints.
type Handler struct {
	config   *authserver.Config
	store    *session.Store
	provider gitlab.Provider
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(config *authserver.Config, store *session.Store, provider gitlab.Provider) *Handler {
	return &Handler{
		config:   config,
		store:    store,
		provider: provider,
	}
}

// Routes returns a router with all authorization endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.WellKnownRoutes(r)
	return r
}

// OAuthRoutes registers the protocol endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Get("/oauth/poll", h.PollHandler)
	r.Get("/oauth/callback", h.CallbackHandler)
	r.Post("/token", h.TokenHandler)
	r.Post("/register", h.RegisterClientHandler)
}

// WellKnownRoutes registers the discovery endpoints on the provided router.
// Both documents are served so clients can start from either RFC 8414 or
// RFC 9728.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.OAuthDiscoveryHandler)
	r.Get("/.well-known/oauth-protected-resource", h.ProtectedResourceHandler)
}

// accessTokenTTL returns the configured access token lifetime.
func (h *Handler) accessTokenTTL() time.Duration {
	if h.config.AccessTokenLifespan > 0 {
		return h.config.AccessTokenLifespan
	}
	return crypto.DefaultAccessTokenTTL
}

// authCodeTTL returns the configured authorization code lifetime.
func (h *Handler) authCodeTTL() time.Duration {
	if h.config.AuthCodeLifespan > 0 {
		return h.config.AuthCodeLifespan
	}
	return storage.DefaultAuthCodeTTL
}

// flowTTL returns the configured pending-flow lifetime.
func (h *Handler) flowTTL() time.Duration {
	if h.config.FlowLifespan > 0 {
		return h.config.FlowLifespan
	}
	return storage.DefaultFlowTTL
}

// oauthErrorResponse is the OAuth error object shape (RFC 6749 §5.2).
type oauthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// writeOAuthError writes an OAuth error object with the given status.
func writeOAuthError(w http.ResponseWriter, statusCode int, code, description string) {
	writeJSON(w, statusCode, oauthErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeJSON writes v as a JSON response with no-store caching.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("failed to encode response", "error", err)
	}
}

// parseScopes normalizes a space-separated scope string: split, deduplicate,
// sort. An empty string yields nil.
func parseScopes(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	slices.Sort(fields)
	return slices.Compact(fields)
}
