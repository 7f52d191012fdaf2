// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/gitlab"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// Poll statuses. pending is the only non-terminal status.
const (
	pollStatusPending  = "pending"
	pollStatusComplete = "complete"
	pollStatusFailed   = "failed"
	pollStatusExpired  = "expired"
)

// pollResponse is the body of GET /oauth/poll.
type pollResponse struct {
	Status      string `json:"status"`
	Code        string `json:"code,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
	State       string `json:"state,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PollHandler handles GET /oauth/poll?flow_state=... It performs at most one
// provider round trip per call and never blocks waiting for the user.
//
// State machine: pending → {complete, failed, expired}, all terminal. An
// unknown or expired flow token reads as expired; transport errors while
// polling the provider read as pending so the client simply polls again.
func (h *Handler) PollHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	flowToken := req.URL.Query().Get("flow_state")
	if flowToken == "" {
		writeJSON(w, http.StatusOK, pollResponse{Status: pollStatusExpired})
		return
	}

	flow, err := h.store.GetDeviceFlow(ctx, flowToken)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrExpired):
		_ = h.store.DeleteDeviceFlow(ctx, flowToken)
		writeJSON(w, http.StatusOK, pollResponse{Status: pollStatusExpired})
		return
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusOK, pollResponse{Status: pollStatusExpired})
		return
	default:
		logger.Errorw("failed to load device flow", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to load authorization state")
		return
	}

	tokens, err := h.provider.PollDeviceToken(ctx, flow.DeviceCode)
	if err != nil {
		h.handlePollError(ctx, w, flowToken, err)
		return
	}

	code, err := h.completeAuthorization(ctx, &authorizationResult{
		ClientID:      flow.ClientID,
		Scopes:        flow.Scopes,
		PKCEChallenge: flow.PKCEChallenge,
		PKCEMethod:    flow.PKCEMethod,
		RedirectURI:   flow.ClientRedirectURI,
		Tokens:        tokens,
	})
	if err != nil {
		// The provider already consumed the device code; if identity lookup
		// hiccuped the next poll surfaces the terminal provider answer.
		logger.Errorw("failed to complete device authorization", "error", err)
		writeJSON(w, http.StatusOK, pollResponse{Status: pollStatusPending})
		return
	}

	_ = h.store.DeleteDeviceFlow(ctx, flowToken)

	logger.Infow("device flow complete", "client_id", flow.ClientID)
	writeJSON(w, http.StatusOK, pollResponse{
		Status:      pollStatusComplete,
		Code:        code,
		RedirectURI: flow.ClientRedirectURI,
		State:       flow.ClientState,
	})
}

// handlePollError maps a provider poll failure onto the poll state machine.
func (h *Handler) handlePollError(ctx context.Context, w http.ResponseWriter, flowToken string, err error) {
	// Still waiting for the user, or polling too fast: both retryable.
	if errors.Is(err, gitlab.ErrAuthorizationPending) || errors.Is(err, gitlab.ErrSlowDown) {
		writeJSON(w, http.StatusOK, pollResponse{Status: pollStatusPending})
		return
	}

	// Any structured OAuth answer that is not "keep waiting" is the
	// provider's final word: the code expired, the user declined, or the
	// grant is otherwise dead.
	var oauthErr *gitlab.OAuthError
	if errors.As(err, &oauthErr) {
		_ = h.store.DeleteDeviceFlow(ctx, flowToken)
		logger.Infow("device flow failed", "reason", oauthErr.Code)
		writeJSON(w, http.StatusOK, pollResponse{
			Status: pollStatusFailed,
			Error:  oauthErr.Code,
		})
		return
	}

	// Transport trouble is the client's cue to just poll again.
	logger.Debugw("transient error polling provider", "error", err)
	writeJSON(w, http.StatusOK, pollResponse{Status: pollStatusPending})
}

// authorizationResult carries everything needed to turn approved provider
// tokens into a session and a gateway authorization code.
type authorizationResult struct {
	ClientID      string
	Scopes        []string
	PKCEChallenge string
	PKCEMethod    string
	RedirectURI   string
	Tokens        *gitlab.Tokens
}

// completeAuthorization resolves the provider identity, creates the session
// (gateway tokens still empty), and mints the single-use authorization code
// bound to the flow's original PKCE challenge. Shared by the poll and
// callback completion paths.
func (h *Handler) completeAuthorization(ctx context.Context, res *authorizationResult) (string, error) {
	user, err := h.provider.CurrentUser(ctx, res.Tokens.AccessToken)
	if err != nil {
		return "", err
	}

	now := time.Now()
	sess := &storage.Session{
		ClientID:               res.ClientID,
		UserID:                 strconv.FormatInt(user.ID, 10),
		Username:               user.Username,
		Scopes:                 res.Scopes,
		ProviderAccessToken:    res.Tokens.AccessToken,
		ProviderRefreshToken:   res.Tokens.RefreshToken,
		ProviderTokenExpiresAt: res.Tokens.ExpiresAt,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := h.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}

	code := crypto.GenerateOpaqueToken()
	err = h.store.StoreAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:          code,
		SessionID:     sess.ID,
		ClientID:      res.ClientID,
		PKCEChallenge: res.PKCEChallenge,
		PKCEMethod:    res.PKCEMethod,
		RedirectURI:   res.RedirectURI,
		ExpiresAt:     now.Add(h.authCodeTTL()),
		CreatedAt:     now,
	})
	if err != nil {
		_ = h.store.DeleteSession(ctx, sess.ID)
		return "", err
	}

	logger.Debugw("authorization complete",
		"client_id", res.ClientID,
		"username", user.Username,
	)
	return code, nil
}
