// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// tokenResponse is the standard OAuth token response (RFC 6749 §5.1).
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// TokenHandler handles POST /token.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest, "malformed request body")
		return
	}

	switch req.PostForm.Get("grant_type") {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, req)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, req)
	default:
		writeOAuthError(w, http.StatusBadRequest, errUnsupportedGrantType,
			"supported grant types: authorization_code, refresh_token")
	}
}

// handleAuthorizationCodeGrant redeems a gateway authorization code. Codes
// are strictly single-use: the delete is the claim, and whoever deletes first
// wins; a second redemption sees invalid_grant.
func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	codeValue := req.PostForm.Get("code")
	verifier := req.PostForm.Get("code_verifier")
	if codeValue == "" || verifier == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest,
			"code and code_verifier are required")
		return
	}

	code, err := h.store.GetAuthorizationCode(ctx, codeValue)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrExpired):
		_ = h.store.DeleteAuthorizationCode(ctx, codeValue)
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
			"invalid or expired authorization code")
		return
	case errors.Is(err, storage.ErrNotFound):
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
			"invalid or expired authorization code")
		return
	default:
		logger.Errorw("failed to load authorization code", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to load authorization code")
		return
	}

	if err := crypto.VerifyPKCEChallenge(verifier, code.PKCEChallenge, code.PKCEMethod); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
			"PKCE verification failed")
		return
	}

	if code.RedirectURI != "" && req.PostForm.Get("redirect_uri") != code.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
			"redirect_uri does not match the authorization request")
		return
	}

	// Claim the code before minting; a concurrent redemption loses here.
	if err := h.store.DeleteAuthorizationCode(ctx, codeValue); err != nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
			"invalid or expired authorization code")
		return
	}

	sess, err := h.store.GetSession(ctx, code.SessionID)
	if err != nil {
		// The code referenced a session that no longer exists; this is
		// store corruption, not a client mistake.
		logger.Errorw("authorization code references missing session",
			"session_id", code.SessionID,
			"error", err,
		)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"authorization state lost")
		return
	}

	h.issueTokens(ctx, w, sess)
}

// handleRefreshTokenGrant rotates a gateway token pair, refreshing the
// provider tokens first when they are close to expiry. Rotation makes the
// presented refresh token worthless from here on.
func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	refreshToken := req.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, errInvalidRequest,
			"refresh_token is required")
		return
	}

	sess, err := h.store.GetSessionByRefreshToken(ctx, refreshToken)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
			"Invalid refresh token")
		return
	}

	if crypto.IsExpiringSoon(sess.ProviderTokenExpiresAt, crypto.DefaultExpiryBuffer) {
		tokens, err := h.provider.RefreshTokens(ctx, sess.ProviderRefreshToken)
		if err != nil {
			// The provider-side grant is dead; no gateway token may outlive it.
			logger.Infow("provider token refresh failed",
				"session_id", sess.ID,
				"error", err,
			)
			writeOAuthError(w, http.StatusBadRequest, errInvalidGrant,
				"upstream authorization expired; re-authentication required")
			return
		}
		sess.ProviderAccessToken = tokens.AccessToken
		sess.ProviderRefreshToken = tokens.RefreshToken
		sess.ProviderTokenExpiresAt = tokens.ExpiresAt
	}

	h.issueTokens(ctx, w, sess)
}

// issueTokens mints a fresh gateway access/refresh pair, persists it on the
// session, and writes the token response. Used by both grant paths.
func (h *Handler) issueTokens(ctx context.Context, w http.ResponseWriter, sess *storage.Session) {
	ttl := h.accessTokenTTL()

	accessToken, expiresAt, err := crypto.IssueAccessToken(crypto.TokenClaims{
		Subject:   sess.UserID,
		Audience:  sess.ClientID,
		SessionID: sess.ID,
		Scope:     strings.Join(sess.Scopes, " "),
		Username:  sess.Username,
	}, h.config.Issuer, h.config.SigningSecret, ttl)
	if err != nil {
		logger.Errorw("failed to sign access token", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to issue tokens")
		return
	}

	sess.AccessToken = accessToken
	sess.RefreshToken = crypto.GenerateOpaqueToken()
	sess.TokenExpiresAt = expiresAt

	if err := h.store.UpdateSession(ctx, sess); err != nil {
		logger.Errorw("failed to persist rotated tokens", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to issue tokens")
		return
	}

	logger.Debugw("issued gateway tokens",
		"session_id", sess.ID,
		"client_id", sess.ClientID,
	)

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(time.Until(expiresAt).Seconds()),
		RefreshToken: sess.RefreshToken,
		Scope:        strings.Join(sess.Scopes, " "),
	})
}
