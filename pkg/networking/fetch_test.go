// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenPayload struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

func TestFetchJSON_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, ContentTypeJSON, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", ContentTypeJSON)
		fmt.Fprint(w, `{"access_token":"tok","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	got, err := FetchJSON[tokenPayload](context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)
	assert.Equal(t, "Bearer", got.TokenType)
}

func TestFetchJSON_HTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := FetchJSON[tokenPayload](context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.True(t, IsHTTPError(err, http.StatusForbidden))
	assert.False(t, IsHTTPError(err, http.StatusNotFound))
	assert.True(t, IsHTTPError(err, 0))
}

func TestFetchJSON_CustomErrorHandler(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentTypeJSON)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"authorization_pending"}`)
	}))
	defer srv.Close()

	sentinel := fmt.Errorf("still pending")
	_, err := FetchJSON[tokenPayload](context.Background(), srv.Client(), srv.URL,
		WithErrorHandler(func(resp *http.Response, body []byte) error {
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), "authorization_pending")
			return sentinel
		}))
	require.ErrorIs(t, err, sentinel)
}

func TestFetchJSON_RejectsNonJSONContentType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	_, err := FetchJSON[tokenPayload](context.Background(), srv.Client(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected content type")
}

func TestFetchJSONWithForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, ContentTypeFormURLEncoded, r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		w.Header().Set("Content-Type", ContentTypeJSON)
		fmt.Fprint(w, `{"access_token":"exchanged","token_type":"Bearer"}`)
	}))
	defer srv.Close()

	got, err := FetchJSONWithForm[tokenPayload](context.Background(), srv.Client(), srv.URL,
		url.Values{"grant_type": {"authorization_code"}})
	require.NoError(t, err)
	assert.Equal(t, "exchanged", got.AccessToken)
}

func TestFetchJSON_ResponseSizeLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", ContentTypeJSON)
		fmt.Fprintf(w, `{"access_token":%q}`, strings.Repeat("x", 4096))
	}))
	defer srv.Close()

	// A truncated body is not valid JSON, so the size limit surfaces as a parse error.
	_, err := FetchJSON[tokenPayload](context.Background(), srv.Client(), srv.URL, WithMaxResponseSize(64))
	require.Error(t, err)
}

func TestHttpClientBuilder_Build(t *testing.T) {
	t.Parallel()

	client, err := NewHttpClientBuilder().WithPrivateIPs(true).Build()
	require.NoError(t, err)
	assert.Equal(t, HttpTimeout, client.Timeout)
}

func TestHttpClientBuilder_BadCABundle(t *testing.T) {
	t.Parallel()

	_, err := NewHttpClientBuilder().WithCABundle("/does/not/exist.pem").Build()
	require.Error(t, err)
}

func TestAddressReferencesPrivateIp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address string
		wantErr bool
	}{
		{"8.8.8.8:443", false},
		{"127.0.0.1:443", true},
		{"10.0.0.5:443", true},
		{"192.168.1.1:443", true},
		{"169.254.0.1:443", true},
		{"0.0.0.0:443", true},
		{"not-an-ip:443", true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			t.Parallel()
			err := AddressReferencesPrivateIp(tt.address)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
