// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver hosts the OAuth authorization core: flow state,
// credential minting, and the endpoints that drive authorization against the
// upstream GitLab instance.
package authserver

import (
	"fmt"
	"time"

	"github.com/zereight/gitlab-mcp-sub003/pkg/networking"
)

// MinSecretLength is the minimum required length for the signing secret in
// bytes. 32 bytes (256 bits) per OWASP/NIST guidelines.
const MinSecretLength = 32

// Config is the pure configuration for the authorization core. All values
// must be fully resolved (no file paths, no env vars).
type Config struct {
	// Issuer is the issuer identifier for this authorization server, also
	// the base URL its endpoints are mounted under. Included in the "iss"
	// claim of issued tokens.
	Issuer string

	// SigningSecret is the symmetric secret access tokens are signed with.
	// Must be at least MinSecretLength bytes and cryptographically random,
	// and consistent across replicas in multi-instance deployments.
	SigningSecret []byte

	// AccessTokenLifespan is the duration access tokens are valid.
	// If zero, defaults to 1 hour.
	AccessTokenLifespan time.Duration

	// AuthCodeLifespan is the duration authorization codes are valid.
	// If zero, defaults to 10 minutes.
	AuthCodeLifespan time.Duration

	// FlowLifespan bounds how long a pending device or authorization-code
	// flow may stay open. If zero, defaults to 10 minutes.
	FlowLifespan time.Duration

	// CallbackPath is the path of the upstream redirect endpoint, relative
	// to the issuer. If empty, defaults to "/oauth/callback".
	CallbackPath string
}

// Validate checks that the Config is usable.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if !networking.IsURL(c.Issuer) {
		return fmt.Errorf("issuer must be a valid HTTP(S) URL: %s", c.Issuer)
	}
	if len(c.SigningSecret) < MinSecretLength {
		return fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}
	return nil
}

// CallbackURL returns the absolute URL of the upstream redirect endpoint.
func (c *Config) CallbackURL() string {
	path := c.CallbackPath
	if path == "" {
		path = "/oauth/callback"
	}
	return c.Issuer + path
}
