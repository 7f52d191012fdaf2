// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultAccessTokenTTL is the lifetime of a gateway access token.
	DefaultAccessTokenTTL = time.Hour

	// DefaultExpiryBuffer is how far before actual expiry a token is treated
	// as expiring. Refreshing inside this window keeps in-flight requests
	// from racing the real expiry.
	DefaultExpiryBuffer = 5 * time.Minute

	// opaqueTokenBytes is the entropy of opaque identifiers (codes, refresh
	// tokens, flow tokens, states). 32 bytes, base64url encoded.
	opaqueTokenBytes = 32
)

// ErrInvalidToken covers every verification failure: bad signature, malformed
// structure, expiry, and missing claims. Callers must not distinguish them.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenClaims is the fixed claim set of a gateway access token. Every claim
// is required; a token missing any of them does not verify.
type TokenClaims struct {
	// Subject is the provider user ID the session is bound to.
	Subject string

	// Audience is the OAuth client the token was issued to.
	Audience string

	// SessionID links the token to its server-side session record.
	SessionID string

	// Scope is the space-joined granted scope set.
	Scope string

	// Username is the provider username, carried for logging and tooling.
	Username string
}

type gatewayClaims struct {
	SessionID string `json:"sid"`
	Scope     string `json:"scope"`
	Username  string `json:"username"`
	jwt.RegisteredClaims
}

// IssueAccessToken mints a signed gateway access token.
func IssueAccessToken(claims TokenClaims, issuer string, secret []byte, ttl time.Duration) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, errors.New("signing secret is required")
	}
	if claims.Subject == "" || claims.Audience == "" || claims.SessionID == "" {
		return "", time.Time{}, errors.New("subject, audience, and session ID are required")
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}

	now := time.Now()
	expiresAt := now.Add(ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, gatewayClaims{
		SessionID: claims.SessionID,
		Scope:     claims.Scope,
		Username:  claims.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   claims.Subject,
			Audience:  jwt.ClaimStrings{claims.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// VerifyAccessToken verifies signature, structure, and expiry of a gateway
// access token and returns its claims. All failures collapse into
// ErrInvalidToken so callers cannot leak why verification failed.
func VerifyAccessToken(tokenString, issuer string, secret []byte) (*TokenClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &gatewayClaims{},
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*gatewayClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	// Every claim in the fixed set is mandatory.
	if claims.Subject == "" || len(claims.Audience) == 0 || claims.SessionID == "" ||
		claims.IssuedAt == nil || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		Subject:   claims.Subject,
		Audience:  claims.Audience[0],
		SessionID: claims.SessionID,
		Scope:     claims.Scope,
		Username:  claims.Username,
	}, nil
}

// IsExpiringSoon reports whether expiry falls within the buffer from now.
// A zero expiry means the credential does not expire.
func IsExpiringSoon(expiry time.Time, buffer time.Duration) bool {
	if expiry.IsZero() {
		return false
	}
	if buffer <= 0 {
		buffer = DefaultExpiryBuffer
	}
	return !expiry.After(time.Now().Add(buffer))
}

// GenerateOpaqueToken returns a high-entropy base64url identifier for use as
// an authorization code, refresh token, flow token, or correlation state.
// Panics on crypto/rand failure, matching GeneratePKCEVerifier.
func GenerateOpaqueToken() string {
	buf := make([]byte, opaqueTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
