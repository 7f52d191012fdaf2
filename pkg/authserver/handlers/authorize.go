// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"html/template"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// authorizeRequest holds the validated query parameters of an authorize call.
type authorizeRequest struct {
	ClientID      string
	CodeChallenge string
	RedirectURI   string
	State         string
	Scopes        []string
}

// parseAuthorizeRequest validates the authorize query parameters. A violation
// is terminal: no flow state is created. Returns the OAuth error code and a
// description when invalid.
func parseAuthorizeRequest(req *http.Request) (*authorizeRequest, string, string) {
	q := req.URL.Query()

	switch q.Get("response_type") {
	case "code":
	case "":
		return nil, errInvalidRequest, "response_type is required"
	default:
		return nil, errUnsupportedResponseType, "only response_type=code is supported"
	}

	clientID := q.Get("client_id")
	if clientID == "" {
		return nil, errInvalidRequest, "client_id is required"
	}

	challenge := q.Get("code_challenge")
	if challenge == "" {
		return nil, errInvalidRequest, "code_challenge is required"
	}
	if q.Get("code_challenge_method") != crypto.PKCEChallengeMethodS256 {
		return nil, errInvalidRequest, "code_challenge_method must be " + crypto.PKCEChallengeMethodS256
	}

	return &authorizeRequest{
		ClientID:      clientID,
		CodeChallenge: challenge,
		RedirectURI:   q.Get("redirect_uri"),
		State:         q.Get("state"),
		Scopes:        parseScopes(q.Get("scope")),
	}, "", ""
}

// AuthorizeHandler handles GET /authorize. The presence of redirect_uri
// selects the flow: without one the client is a browserless agent and gets
// the device grant; with one the user agent is redirected to GitLab.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	ar, errCode, errDesc := parseAuthorizeRequest(req)
	if errCode != "" {
		writeOAuthError(w, http.StatusBadRequest, errCode, errDesc)
		return
	}

	// A registered client's redirect URIs are binding; unregistered public
	// clients may still use the device flow.
	if ar.RedirectURI != "" {
		client, err := h.store.GetClient(ctx, ar.ClientID)
		if err == nil && len(client.RedirectURIs) > 0 &&
			!slices.Contains(client.RedirectURIs, ar.RedirectURI) {
			writeOAuthError(w, http.StatusBadRequest, errInvalidRequest,
				"redirect_uri is not registered for this client")
			return
		}
	}

	if ar.RedirectURI == "" {
		h.startDeviceFlow(w, req, ar)
		return
	}
	h.startAuthCodeFlow(w, req, ar)
}

// startDeviceFlow requests a device authorization from GitLab and renders the
// verification page the user completes on another device.
func (h *Handler) startDeviceFlow(w http.ResponseWriter, req *http.Request, ar *authorizeRequest) {
	ctx := req.Context()

	auth, err := h.provider.StartDeviceAuthorization(ctx)
	if err != nil {
		logger.Errorw("device authorization request failed", "error", err)
		writeOAuthError(w, http.StatusBadGateway, errServerError,
			"failed to start device authorization")
		return
	}

	expiresAt := time.Now().Add(h.flowTTL())
	if auth.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	}

	flowToken := crypto.GenerateOpaqueToken()
	flow := &storage.DeviceFlow{
		FlowToken:               flowToken,
		DeviceCode:              auth.DeviceCode,
		UserCode:                auth.UserCode,
		VerificationURI:         auth.VerificationURI,
		VerificationURIComplete: auth.VerificationURIComplete,
		ClientID:                ar.ClientID,
		Scopes:                  ar.Scopes,
		PKCEChallenge:           ar.CodeChallenge,
		PKCEMethod:              crypto.PKCEChallengeMethodS256,
		ClientState:             ar.State,
		Interval:                auth.Interval,
		ExpiresAt:               expiresAt,
		CreatedAt:               time.Now(),
	}

	if err := h.store.StoreDeviceFlow(ctx, flow); err != nil {
		logger.Errorw("failed to store device flow", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to store authorization request")
		return
	}

	logger.Infow("device flow started",
		"client_id", ar.ClientID,
		"user_code", auth.UserCode,
	)

	// Browserless clients negotiate JSON and read the flow token directly;
	// everyone else gets the human-facing page.
	if strings.Contains(req.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, deviceFlowResponse{
			FlowState:               flow.FlowToken,
			UserCode:                flow.UserCode,
			VerificationURI:         flow.VerificationURI,
			VerificationURIComplete: flow.VerificationURIComplete,
			Interval:                flow.Interval,
			ExpiresIn:               int(time.Until(flow.ExpiresAt).Seconds()),
		})
		return
	}

	h.renderDevicePage(w, flow)
}

// deviceFlowResponse is the JSON variant of the device verification page.
type deviceFlowResponse struct {
	FlowState               string `json:"flow_state"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	Interval                int    `json:"interval"`
	ExpiresIn               int    `json:"expires_in"`
}

// startAuthCodeFlow stores the flow under a fresh internal correlator and
// sends the user agent to GitLab. The correlator is what GitLab echoes back
// as the callback state; the client's own state never leaves the flow record.
func (h *Handler) startAuthCodeFlow(w http.ResponseWriter, req *http.Request, ar *authorizeRequest) {
	ctx := req.Context()

	correlator := crypto.GenerateOpaqueToken()
	flow := &storage.AuthCodeFlow{
		State:             correlator,
		ClientID:          ar.ClientID,
		Scopes:            ar.Scopes,
		PKCEChallenge:     ar.CodeChallenge,
		PKCEMethod:        crypto.PKCEChallengeMethodS256,
		ClientState:       ar.State,
		ClientRedirectURI: ar.RedirectURI,
		ExpiresAt:         time.Now().Add(h.flowTTL()),
		CreatedAt:         time.Now(),
	}

	if err := h.store.StoreAuthCodeFlow(ctx, flow); err != nil {
		logger.Errorw("failed to store authorization flow", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to store authorization request")
		return
	}

	upstreamURL := h.provider.AuthorizationURL(correlator, "", h.config.CallbackURL())

	logger.Infow("authorization-code flow started", "client_id", ar.ClientID)
	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// devicePageTemplate is the page shown to the human completing a device
// authorization. The embedded flow token lets the initiating client poll.
var devicePageTemplate = template.Must(template.New("device").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Authorize access</title>
  <style>
    body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #1f2328; }
    .code { font-size: 2.5rem; font-weight: 700; letter-spacing: 0.3rem; font-family: monospace; padding: 1rem; background: #f6f8fa; border-radius: 8px; display: inline-block; }
    a.button { display: inline-block; margin-top: 1rem; padding: 0.6rem 1.2rem; background: #1f6feb; color: #fff; border-radius: 6px; text-decoration: none; }
    p.hint { color: #656d76; }
  </style>
</head>
<body>
  <h1>Authorize access to GitLab</h1>
  <p>Enter this code on the verification page:</p>
  <p><span class="code">{{.UserCode}}</span></p>
  <p><a class="button" href="{{.VerificationLink}}" target="_blank" rel="noopener">Open verification page</a></p>
  <p class="hint">Waiting for authorization. You can close this page once you have approved the request; the requesting application keeps polling with flow token <code>{{.FlowToken}}</code>.</p>
</body>
</html>
`))

type devicePageData struct {
	UserCode         string
	VerificationLink string
	FlowToken        string
}

func (h *Handler) renderDevicePage(w http.ResponseWriter, flow *storage.DeviceFlow) {
	link := flow.VerificationURIComplete
	if link == "" {
		link = flow.VerificationURI
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	err := devicePageTemplate.Execute(w, devicePageData{
		UserCode:         flow.UserCode,
		VerificationLink: link,
		FlowToken:        flow.FlowToken,
	})
	if err != nil {
		logger.Debugw("failed to render device page", "error", err)
	}
}
