// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// CallbackHandler handles GET /oauth/callback, the redirect target GitLab
// sends the user agent back to. The state parameter is the gateway's internal
// correlator; the client's own state is restored from the flow record and is
// the only state the client ever sees again.
func (h *Handler) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	q := req.URL.Query()

	correlator := q.Get("state")
	if correlator == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "state is required")
		return
	}

	flow, err := h.store.GetAuthCodeFlow(ctx, correlator)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrExpired):
		_ = h.store.DeleteAuthCodeFlow(ctx, correlator)
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest,
			"authorization request expired")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest,
			"unknown authorization request")
		return
	default:
		logger.Errorw("failed to load authorization flow", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to load authorization state")
		return
	}

	// From here on the flow is correlated, so failures travel back to the
	// client's redirect URI instead of dead-ending in the user's browser.
	if provErr := q.Get("error"); provErr != "" {
		_ = h.store.DeleteAuthCodeFlow(ctx, correlator)
		logger.Infow("provider denied authorization",
			"client_id", flow.ClientID,
			"reason", provErr,
		)
		h.redirectWithError(w, req, flow, provErr, q.Get("error_description"))
		return
	}

	code := q.Get("code")
	if code == "" {
		_ = h.store.DeleteAuthCodeFlow(ctx, correlator)
		h.redirectWithError(w, req, flow, errInvalidRequest, "missing authorization code")
		return
	}

	tokens, err := h.provider.ExchangeCode(ctx, code, "", h.config.CallbackURL())
	if err != nil {
		_ = h.store.DeleteAuthCodeFlow(ctx, correlator)
		logger.Errorw("provider code exchange failed", "error", err)
		h.redirectWithError(w, req, flow, errServerError, "token exchange with provider failed")
		return
	}

	gatewayCode, err := h.completeAuthorization(ctx, &authorizationResult{
		ClientID:      flow.ClientID,
		Scopes:        flow.Scopes,
		PKCEChallenge: flow.PKCEChallenge,
		PKCEMethod:    flow.PKCEMethod,
		RedirectURI:   flow.ClientRedirectURI,
		Tokens:        tokens,
	})
	if err != nil {
		_ = h.store.DeleteAuthCodeFlow(ctx, correlator)
		logger.Errorw("failed to complete authorization", "error", err)
		h.redirectWithError(w, req, flow, errServerError, "failed to complete authorization")
		return
	}

	_ = h.store.DeleteAuthCodeFlow(ctx, correlator)

	logger.Infow("authorization-code flow complete", "client_id", flow.ClientID)

	redirect, err := url.Parse(flow.ClientRedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"stored redirect URI is invalid")
		return
	}
	params := redirect.Query()
	params.Set("code", gatewayCode)
	if flow.ClientState != "" {
		params.Set("state", flow.ClientState)
	}
	redirect.RawQuery = params.Encode()

	http.Redirect(w, req, redirect.String(), http.StatusFound)
}

// redirectWithError sends the user agent back to the client's redirect URI
// with an OAuth error, carrying the client's original state.
func (h *Handler) redirectWithError(w http.ResponseWriter, req *http.Request, flow *storage.AuthCodeFlow, code, description string) {
	redirect, err := url.Parse(flow.ClientRedirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, code, description)
		return
	}

	params := redirect.Query()
	params.Set("error", code)
	if description != "" {
		params.Set("error_description", description)
	}
	if flow.ClientState != "" {
		params.Set("state", flow.ClientState)
	}
	redirect.RawQuery = params.Encode()

	http.Redirect(w, req, redirect.String(), http.StatusFound)
}
