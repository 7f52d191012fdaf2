// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers implements the HTTP endpoints of the authorization core:
// authorize, device-flow poll, upstream callback, token, dynamic client
// registration, and the well-known discovery documents. The handlers drive
// two state machines over stored flow records: the device grant (authorize →
// poll → code) and the authorization-code grant (authorize → callback →
// code), both converging on the token endpoint.
package handlers
