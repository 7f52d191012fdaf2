// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
	"github.com/zereight/gitlab-mcp-sub003/pkg/networking"
)

// maxDCRBodySize caps DCR request bodies (64KB). Generous for legitimate
// requests with many redirect URIs.
const maxDCRBodySize = 64 * 1024

// DCR error codes (RFC 7591 §3.2.2).
const (
	dcrErrInvalidClientMetadata = "invalid_client_metadata"
	dcrErrInvalidRedirectURI    = "invalid_redirect_uri"
)

// dcrRequest is the client metadata of an RFC 7591 registration request.
type dcrRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// dcrResponse is the registration response (RFC 7591 §3.2.1).
type dcrResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegisterClientHandler handles POST /register, RFC 7591 dynamic client
// registration. Public clients (auth method "none") get no secret;
// confidential clients get a generated one.
func (h *Handler) RegisterClientHandler(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	req.Body = http.MaxBytesReader(w, req.Body, maxDCRBodySize)

	if !strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		writeOAuthError(w, http.StatusBadRequest, dcrErrInvalidClientMetadata,
			"Content-Type must be application/json")
		return
	}

	var dcrReq dcrRequest
	if err := json.NewDecoder(req.Body).Decode(&dcrReq); err != nil {
		writeOAuthError(w, http.StatusBadRequest, dcrErrInvalidClientMetadata,
			"invalid JSON request body")
		return
	}

	validated, errCode, errDesc := validateDCRRequest(&dcrReq)
	if errCode != "" {
		writeOAuthError(w, http.StatusBadRequest, errCode, errDesc)
		return
	}

	client := &storage.Client{
		ID:                      uuid.NewString(),
		Name:                    validated.ClientName,
		RedirectURIs:            validated.RedirectURIs,
		GrantTypes:              validated.GrantTypes,
		ResponseTypes:           validated.ResponseTypes,
		TokenEndpointAuthMethod: validated.TokenEndpointAuthMethod,
		CreatedAt:               time.Now(),
	}
	if validated.TokenEndpointAuthMethod != "none" {
		client.Secret = crypto.GenerateOpaqueToken()
	}

	if err := h.store.StoreClient(ctx, client); err != nil {
		logger.Errorw("failed to register client", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, errServerError,
			"failed to register client")
		return
	}

	logger.Infow("registered client",
		"client_id", client.ID,
		"client_name", client.Name,
	)

	writeJSON(w, http.StatusCreated, dcrResponse{
		ClientID:                client.ID,
		ClientSecret:            client.Secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.Name,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
	})
}

// validateDCRRequest applies the registration policy: redirect URIs must be
// valid HTTP(S) or loopback URLs, grant and response types must be ones the
// server issues, and the auth method defaults to "none" (public client).
func validateDCRRequest(req *dcrRequest) (*dcrRequest, string, string) {
	if len(req.RedirectURIs) == 0 {
		return nil, dcrErrInvalidRedirectURI, "at least one redirect_uri is required"
	}
	for _, uri := range req.RedirectURIs {
		if !networking.IsURL(uri) {
			return nil, dcrErrInvalidRedirectURI, "invalid redirect_uri: " + uri
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if gt != "authorization_code" && gt != "refresh_token" {
			return nil, dcrErrInvalidClientMetadata, "unsupported grant type: " + gt
		}
	}

	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	if !slices.Equal(responseTypes, []string{"code"}) {
		return nil, dcrErrInvalidClientMetadata, "only response_type=code is supported"
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	switch authMethod {
	case "none", "client_secret_basic", "client_secret_post":
	default:
		return nil, dcrErrInvalidClientMetadata,
			"unsupported token_endpoint_auth_method: " + authMethod
	}

	return &dcrRequest{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
	}, "", ""
}
