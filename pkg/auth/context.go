// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth guards gateway endpoints with bearer-token authentication
// and carries the resolved upstream credentials through the request context.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
)

// TokenContext is the per-request authentication state produced by the
// middleware: the upstream access token to use against GitLab plus the
// identity it belongs to.
type TokenContext struct {
	// Token is the upstream GitLab access token. Never log this.
	Token string

	// UserID is the GitLab user ID the session was authorized for.
	UserID string

	// Username is the GitLab username, kept for log enrichment.
	Username string

	// SessionID identifies the gateway session the token came from.
	SessionID string
}

// String returns a log-safe representation. The token is deliberately
// omitted.
func (t *TokenContext) String() string {
	return fmt.Sprintf("TokenContext{UserID:%q, SessionID:%q}", t.UserID, t.SessionID)
}

// MarshalJSON redacts the token so a TokenContext can never leak the
// credential through serialization.
func (t *TokenContext) MarshalJSON() ([]byte, error) {
	type safeTokenContext struct {
		Token     string `json:"token"`
		UserID    string `json:"user_id"`
		Username  string `json:"username"`
		SessionID string `json:"session_id"`
	}
	return json.Marshal(safeTokenContext{
		Token:     "REDACTED",
		UserID:    t.UserID,
		Username:  t.Username,
		SessionID: t.SessionID,
	})
}

// tokenContextKey is the context key for the request's TokenContext.
type tokenContextKey struct{}

// WithTokenContext returns a copy of ctx carrying tc. Passing a nil
// TokenContext returns ctx unchanged.
func WithTokenContext(ctx context.Context, tc *TokenContext) context.Context {
	if tc == nil {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, tc)
}

// TokenContextFromContext retrieves the TokenContext stored by the
// middleware, if any.
func TokenContextFromContext(ctx context.Context) (*TokenContext, bool) {
	tc, ok := ctx.Value(tokenContextKey{}).(*TokenContext)
	return tc, ok
}

// MustTokenContext retrieves the TokenContext or panics. Only call this
// from handlers that are guaranteed to sit behind the authentication
// middleware.
func MustTokenContext(ctx context.Context) *TokenContext {
	tc, ok := TokenContextFromContext(ctx)
	if !ok {
		panic("auth: no token context in request scope")
	}
	return tc
}
