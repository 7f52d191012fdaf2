// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/crypto"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery
// endpoints (1 hour).
const DefaultDiscoveryCacheMaxAge = 3600

// authorizationServerMetadata is the OAuth 2.0 Authorization Server Metadata
// document (RFC 8414 §2).
type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// protectedResourceMetadata is the OAuth Protected Resource metadata document
// (RFC 9728 §2).
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// OAuthDiscoveryHandler handles GET /.well-known/oauth-authorization-server
// (RFC 8414).
func (h *Handler) OAuthDiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	issuer := h.config.Issuer

	writeDiscovery(w, authorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/authorize",
		TokenEndpoint:                     issuer + "/token",
		RegistrationEndpoint:              issuer + "/register",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{crypto.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none"},
		ScopesSupported:                   []string{"api", "read_api", "read_user"},
	})
}

// ProtectedResourceHandler handles GET /.well-known/oauth-protected-resource
// (RFC 9728). The gateway is both the protected resource and its own
// authorization server.
func (h *Handler) ProtectedResourceHandler(w http.ResponseWriter, _ *http.Request) {
	writeDiscovery(w, protectedResourceMetadata{
		Resource:               h.config.Issuer,
		AuthorizationServers:   []string{h.config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ScopesSupported:        []string{"api", "read_api", "read_user"},
	})
}

func writeDiscovery(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Errorw("failed to encode discovery document", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
}
