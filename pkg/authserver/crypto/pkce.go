// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the credential primitives of the gateway: PKCE
// helpers, the signed gateway token codec, and opaque identifier generation.
package crypto

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCEChallengeMethodS256 is the PKCE challenge method using SHA-256 (RFC 7636).
const PKCEChallengeMethodS256 = "S256"

// ErrPKCEMismatch is returned when a code_verifier does not match the
// challenge the authorization code was bound to.
var ErrPKCEMismatch = errors.New("PKCE verification failed")

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1.
// The verifier is 43 characters (32 bytes base64url encoded without padding),
// using characters from the base64url alphabet: [A-Z], [a-z], [0-9], "-", "_".
//
// This function delegates to oauth2.GenerateVerifier() from golang.org/x/oauth2.
// It will panic on crypto/rand read failure (which is appropriate for this case).
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2.
// code_challenge = BASE64URL(SHA256(code_verifier))
//
// This function delegates to oauth2.S256ChallengeFromVerifier() from golang.org/x/oauth2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCEChallenge checks a code_verifier against a stored challenge.
// Only the S256 method is accepted; "plain" and anything unknown fail closed.
func VerifyPKCEChallenge(verifier, challenge, method string) error {
	if method != PKCEChallengeMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method %q: %w", method, ErrPKCEMismatch)
	}
	if verifier == "" || challenge == "" {
		return ErrPKCEMismatch
	}

	computed := ComputePKCEChallenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrPKCEMismatch
	}
	return nil
}
