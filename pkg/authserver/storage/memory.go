// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// MemoryBackend implements Backend with in-memory maps. It is the volatile
// backend and also the cache layer inside FileBackend.
//
// Sessions are indexed by ID and by their current access and refresh tokens.
// The token indexes are repointed in the same critical section as the primary
// map mutation, so the three views never disagree.
type MemoryBackend struct {
	mu sync.RWMutex

	sessions map[string]*Session

	// accessTokenIndex maps current gateway access token -> session ID.
	accessTokenIndex map[string]string

	// refreshTokenIndex maps current gateway refresh token -> session ID.
	refreshTokenIndex map[string]string

	deviceFlows   map[string]*DeviceFlow
	authCodeFlows map[string]*AuthCodeFlow
	authCodes     map[string]*AuthorizationCode
	clients       map[string]*Client

	// externalSessions maps transport session ID -> session ID.
	externalSessions map[string]string
}

// NewMemoryBackend creates a MemoryBackend with initialized maps.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions:          make(map[string]*Session),
		accessTokenIndex:  make(map[string]string),
		refreshTokenIndex: make(map[string]string),
		deviceFlows:       make(map[string]*DeviceFlow),
		authCodeFlows:     make(map[string]*AuthCodeFlow),
		authCodes:         make(map[string]*AuthorizationCode),
		clients:           make(map[string]*Client),
		externalSessions:  make(map[string]string),
	}
}

// Initialize is a no-op for the volatile backend.
func (*MemoryBackend) Initialize(_ context.Context) error {
	return nil
}

// Close is a no-op for the volatile backend.
func (*MemoryBackend) Close() error {
	return nil
}

// -----------------------
// Sessions
// -----------------------

// CreateSession stores a new session and indexes its tokens.
func (b *MemoryBackend) CreateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session and session ID are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sessions[session.ID]; exists {
		return fmt.Errorf("%w: session %s", ErrAlreadyExists, session.ID)
	}

	stored := session.Clone()
	b.sessions[session.ID] = stored
	b.indexSessionLocked(stored)
	return nil
}

// GetSession retrieves a session by ID.
func (b *MemoryBackend) GetSession(_ context.Context, id string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	session, ok := b.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: session", ErrNotFound)
	}
	return session.Clone(), nil
}

// GetSessionByAccessToken retrieves the session whose current access token
// is the given one. Superseded tokens do not resolve.
func (b *MemoryBackend) GetSessionByAccessToken(_ context.Context, token string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.accessTokenIndex[token]
	if !ok {
		return nil, fmt.Errorf("%w: session for access token", ErrNotFound)
	}
	return b.sessions[id].Clone(), nil
}

// GetSessionByRefreshToken retrieves the session whose current refresh token
// is the given one.
func (b *MemoryBackend) GetSessionByRefreshToken(_ context.Context, token string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.refreshTokenIndex[token]
	if !ok {
		return nil, fmt.Errorf("%w: session for refresh token", ErrNotFound)
	}
	return b.sessions[id].Clone(), nil
}

// UpdateSession replaces a session and repoints the token indexes in the
// same critical section.
func (b *MemoryBackend) UpdateSession(_ context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("session and session ID are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.sessions[session.ID]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, session.ID)
	}

	b.unindexSessionLocked(existing)
	stored := session.Clone()
	b.sessions[session.ID] = stored
	b.indexSessionLocked(stored)
	return nil
}

// DeleteSession removes a session and its index entries.
func (b *MemoryBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.sessions[id]
	if !ok {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}

	b.unindexSessionLocked(existing)
	delete(b.sessions, id)
	return nil
}

// ListSessions returns copies of every stored session.
func (b *MemoryBackend) ListSessions(_ context.Context) ([]*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (b *MemoryBackend) indexSessionLocked(s *Session) {
	if s.AccessToken != "" {
		b.accessTokenIndex[s.AccessToken] = s.ID
	}
	if s.RefreshToken != "" {
		b.refreshTokenIndex[s.RefreshToken] = s.ID
	}
}

func (b *MemoryBackend) unindexSessionLocked(s *Session) {
	if s.AccessToken != "" {
		delete(b.accessTokenIndex, s.AccessToken)
	}
	if s.RefreshToken != "" {
		delete(b.refreshTokenIndex, s.RefreshToken)
	}
}

// -----------------------
// Device flows
// -----------------------

// StoreDeviceFlow stores the state of a device-grant attempt.
func (b *MemoryBackend) StoreDeviceFlow(_ context.Context, flow *DeviceFlow) error {
	if flow == nil || flow.FlowToken == "" {
		return fmt.Errorf("flow and flow token are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.deviceFlows[flow.FlowToken] = flow.Clone()
	return nil
}

// GetDeviceFlow retrieves a device flow by flow token. Expired flows are
// reported as ErrExpired; they remain stored until deleted or swept.
func (b *MemoryBackend) GetDeviceFlow(_ context.Context, flowToken string) (*DeviceFlow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	flow, ok := b.deviceFlows[flowToken]
	if !ok {
		return nil, fmt.Errorf("%w: device flow", ErrNotFound)
	}
	if time.Now().After(flow.ExpiresAt) {
		return nil, fmt.Errorf("%w: device flow", ErrExpired)
	}
	return flow.Clone(), nil
}

// DeleteDeviceFlow removes a device flow.
func (b *MemoryBackend) DeleteDeviceFlow(_ context.Context, flowToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.deviceFlows[flowToken]; !ok {
		return fmt.Errorf("%w: device flow", ErrNotFound)
	}
	delete(b.deviceFlows, flowToken)
	return nil
}

// -----------------------
// Authorization-code flows
// -----------------------

// StoreAuthCodeFlow stores the state of an authorization-code-grant attempt.
func (b *MemoryBackend) StoreAuthCodeFlow(_ context.Context, flow *AuthCodeFlow) error {
	if flow == nil || flow.State == "" {
		return fmt.Errorf("flow and correlator state are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.authCodeFlows[flow.State] = flow.Clone()
	return nil
}

// GetAuthCodeFlow retrieves a flow by its internal correlator state.
func (b *MemoryBackend) GetAuthCodeFlow(_ context.Context, state string) (*AuthCodeFlow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	flow, ok := b.authCodeFlows[state]
	if !ok {
		return nil, fmt.Errorf("%w: authorization flow", ErrNotFound)
	}
	if time.Now().After(flow.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization flow", ErrExpired)
	}
	return flow.Clone(), nil
}

// DeleteAuthCodeFlow removes a flow.
func (b *MemoryBackend) DeleteAuthCodeFlow(_ context.Context, state string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.authCodeFlows[state]; !ok {
		return fmt.Errorf("%w: authorization flow", ErrNotFound)
	}
	delete(b.authCodeFlows, state)
	return nil
}

// -----------------------
// Authorization codes
// -----------------------

// StoreAuthorizationCode stores a freshly minted code.
func (b *MemoryBackend) StoreAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.authCodes[code.Code]; exists {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	b.authCodes[code.Code] = code.Clone()
	return nil
}

// GetAuthorizationCode retrieves a code. Expired codes return ErrExpired.
func (b *MemoryBackend) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stored, ok := b.authCodes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	if time.Now().After(stored.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", ErrExpired)
	}
	return stored.Clone(), nil
}

// DeleteAuthorizationCode removes a code. Single-use redemption relies on
// the delete happening in the same request that accepted the code.
func (b *MemoryBackend) DeleteAuthorizationCode(_ context.Context, code string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.authCodes[code]; !ok {
		return fmt.Errorf("%w: authorization code", ErrNotFound)
	}
	delete(b.authCodes, code)
	return nil
}

// -----------------------
// Clients
// -----------------------

// StoreClient adds or replaces a registered client.
func (b *MemoryBackend) StoreClient(_ context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("client and client ID are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.clients[client.ID] = client.Clone()
	return nil
}

// GetClient retrieves a registered client by ID.
func (b *MemoryBackend) GetClient(_ context.Context, clientID string) (*Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	client, ok := b.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client", ErrNotFound)
	}
	return client.Clone(), nil
}

// DeleteClient removes a registered client.
func (b *MemoryBackend) DeleteClient(_ context.Context, clientID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.clients[clientID]; !ok {
		return fmt.Errorf("%w: client", ErrNotFound)
	}
	delete(b.clients, clientID)
	return nil
}

// -----------------------
// External session mapping
// -----------------------

// AssociateExternalSession maps a transport session ID to a session ID.
func (b *MemoryBackend) AssociateExternalSession(_ context.Context, externalID, sessionID string) error {
	if externalID == "" || sessionID == "" {
		return fmt.Errorf("external ID and session ID are required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.externalSessions[externalID] = sessionID
	return nil
}

// LookupExternalSession resolves a transport session ID to a session ID.
func (b *MemoryBackend) LookupExternalSession(_ context.Context, externalID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sessionID, ok := b.externalSessions[externalID]
	if !ok {
		return "", fmt.Errorf("%w: external session", ErrNotFound)
	}
	return sessionID, nil
}

// RemoveExternalSession removes a transport session mapping.
func (b *MemoryBackend) RemoveExternalSession(_ context.Context, externalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.externalSessions[externalID]; !ok {
		return fmt.Errorf("%w: external session", ErrNotFound)
	}
	delete(b.externalSessions, externalID)
	return nil
}

// -----------------------
// Cleanup and stats
// -----------------------

// Cleanup removes expired flows and codes, sessions created before
// sessionCutoff, and external mappings whose session is gone.
// Uses collect-then-delete: expired keys are collected under read lock,
// then deleted under write lock, minimizing write lock hold time.
func (b *MemoryBackend) Cleanup(_ context.Context, sessionCutoff time.Time) error {
	now := time.Now()

	b.mu.RLock()

	var expiredSessions []string
	for id, s := range b.sessions {
		if s.CreatedAt.Before(sessionCutoff) {
			expiredSessions = append(expiredSessions, id)
		}
	}

	var expiredDeviceFlows []string
	for k, f := range b.deviceFlows {
		if now.After(f.ExpiresAt) {
			expiredDeviceFlows = append(expiredDeviceFlows, k)
		}
	}

	var expiredAuthCodeFlows []string
	for k, f := range b.authCodeFlows {
		if now.After(f.ExpiresAt) {
			expiredAuthCodeFlows = append(expiredAuthCodeFlows, k)
		}
	}

	var expiredCodes []string
	for k, c := range b.authCodes {
		if now.After(c.ExpiresAt) {
			expiredCodes = append(expiredCodes, k)
		}
	}

	b.mu.RUnlock()

	if len(expiredSessions) == 0 &&
		len(expiredDeviceFlows) == 0 &&
		len(expiredAuthCodeFlows) == 0 &&
		len(expiredCodes) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range expiredSessions {
		if s, ok := b.sessions[id]; ok {
			b.unindexSessionLocked(s)
			delete(b.sessions, id)
		}
	}
	for _, k := range expiredDeviceFlows {
		delete(b.deviceFlows, k)
	}
	for _, k := range expiredAuthCodeFlows {
		delete(b.authCodeFlows, k)
	}
	for _, k := range expiredCodes {
		delete(b.authCodes, k)
	}

	// Drop mappings pointing at sessions that no longer exist.
	for ext, id := range b.externalSessions {
		if _, ok := b.sessions[id]; !ok {
			delete(b.externalSessions, ext)
		}
	}

	logger.Debugw("storage cleanup completed",
		"sessions", len(expiredSessions),
		"device_flows", len(expiredDeviceFlows),
		"auth_code_flows", len(expiredAuthCodeFlows),
		"codes", len(expiredCodes),
	)

	return nil
}

// Stats returns current record counts.
func (b *MemoryBackend) Stats(_ context.Context) (*Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return &Stats{
		Sessions:           len(b.sessions),
		DeviceFlows:        len(b.deviceFlows),
		AuthCodeFlows:      len(b.authCodeFlows),
		AuthorizationCodes: len(b.authCodes),
		Clients:            len(b.clients),
		ExternalSessions:   len(b.externalSessions),
	}, nil
}

// snapshot captures the full backend state for the file backend's writer.
// Expired records are skipped so snapshots never resurrect them.
func (b *MemoryBackend) snapshot() *fileDocument {
	now := time.Now()

	b.mu.RLock()
	defer b.mu.RUnlock()

	doc := &fileDocument{
		Version:          fileDocumentVersion,
		ExternalSessions: make(map[string]string, len(b.externalSessions)),
	}
	for _, s := range b.sessions {
		doc.Sessions = append(doc.Sessions, s.Clone())
	}
	for _, f := range b.deviceFlows {
		if now.After(f.ExpiresAt) {
			continue
		}
		doc.DeviceFlows = append(doc.DeviceFlows, f.Clone())
	}
	for _, f := range b.authCodeFlows {
		if now.After(f.ExpiresAt) {
			continue
		}
		doc.AuthCodeFlows = append(doc.AuthCodeFlows, f.Clone())
	}
	for _, c := range b.authCodes {
		if now.After(c.ExpiresAt) {
			continue
		}
		doc.AuthorizationCodes = append(doc.AuthorizationCodes, c.Clone())
	}
	for _, c := range b.clients {
		doc.Clients = append(doc.Clients, c.Clone())
	}
	for k, v := range b.externalSessions {
		doc.ExternalSessions[k] = v
	}

	return doc
}

// restore replaces the backend state from a loaded document, discarding
// records that expired while the file was at rest.
func (b *MemoryBackend) restore(doc *fileDocument) {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	clear(b.sessions)
	clear(b.accessTokenIndex)
	clear(b.refreshTokenIndex)
	clear(b.deviceFlows)
	clear(b.authCodeFlows)
	clear(b.authCodes)
	clear(b.clients)
	clear(b.externalSessions)

	for _, s := range doc.Sessions {
		stored := s.Clone()
		b.sessions[stored.ID] = stored
		b.indexSessionLocked(stored)
	}
	for _, f := range doc.DeviceFlows {
		if now.After(f.ExpiresAt) {
			continue
		}
		b.deviceFlows[f.FlowToken] = f.Clone()
	}
	for _, f := range doc.AuthCodeFlows {
		if now.After(f.ExpiresAt) {
			continue
		}
		b.authCodeFlows[f.State] = f.Clone()
	}
	for _, c := range doc.AuthorizationCodes {
		if now.After(c.ExpiresAt) {
			continue
		}
		b.authCodes[c.Code] = c.Clone()
	}
	for _, c := range doc.Clients {
		b.clients[c.ID] = c.Clone()
	}
	for k, v := range doc.ExternalSessions {
		if _, ok := b.sessions[v]; ok {
			b.externalSessions[k] = v
		}
	}
}

// Compile-time interface compliance check.
var _ Backend = (*MemoryBackend)(nil)
