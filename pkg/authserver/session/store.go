// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session fronts the storage backend with an authoritative in-process
// cache for sessions. Reads never touch the backend after warm-up; session
// mutations apply to the cache synchronously and replicate to the backend
// through a single ordered worker, so a slow disk or database never sits in
// the request path. Flow state, authorization codes, and client registrations
// are lower volume and pass through to the backend directly.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zereight/gitlab-mcp-sub003/pkg/authserver/storage"
	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

const (
	// DefaultSweepInterval is how often expired records are swept.
	DefaultSweepInterval = storage.DefaultCleanupInterval

	// DefaultReplicationQueueSize bounds the backlog of backend writes.
	DefaultReplicationQueueSize = 256

	// replicationTimeout bounds a single backend write.
	replicationTimeout = 10 * time.Second
)

// replicateOp is one pending backend write. Ops are executed in enqueue order
// by a single worker, which preserves per-session write ordering.
type replicateOp struct {
	label string
	fn    func(ctx context.Context) error
}

// Store is the authoritative session cache. It must be started with Start
// before use and stopped with Stop to drain pending backend writes.
type Store struct {
	backend storage.Backend

	mu             sync.RWMutex
	sessions       map[string]*storage.Session
	byAccessToken  map[string]string
	byRefreshToken map[string]string

	maxSessionAge time.Duration
	sweepInterval time.Duration

	opsMu  sync.Mutex
	ops    chan replicateOp
	closed bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithSweepInterval overrides the sweep interval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithMaxSessionAge overrides the absolute session lifetime.
func WithMaxSessionAge(d time.Duration) Option {
	return func(s *Store) {
		s.maxSessionAge = d
	}
}

// WithReplicationQueueSize overrides the backend write queue capacity.
func WithReplicationQueueSize(n int) Option {
	return func(s *Store) {
		s.ops = make(chan replicateOp, n)
	}
}

// NewStore creates a Store over the given backend.
func NewStore(backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		backend:        backend,
		sessions:       make(map[string]*storage.Session),
		byAccessToken:  make(map[string]string),
		byRefreshToken: make(map[string]string),
		maxSessionAge:  storage.DefaultSessionMaxAge,
		sweepInterval:  DefaultSweepInterval,
		ops:            make(chan replicateOp, DefaultReplicationQueueSize),
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initializes the backend, warms the cache from it, and launches the
// replication worker and the sweep. A backend that cannot be read at startup
// is a fatal condition: serving with an empty cache would silently invalidate
// every outstanding credential.
func (s *Store) Start(ctx context.Context) error {
	if err := s.backend.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}

	sessions, err := s.backend.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to warm session cache: %w", err)
	}

	cutoff := time.Now().Add(-s.maxSessionAge)
	s.mu.Lock()
	for _, session := range sessions {
		if session.CreatedAt.Before(cutoff) {
			continue
		}
		s.sessions[session.ID] = session
		s.indexLocked(session)
	}
	warmed := len(s.sessions)
	s.mu.Unlock()

	logger.Infow("session cache warmed", "sessions", warmed)

	s.wg.Add(2)
	go s.replicationWorker()
	go s.sweepLoop()
	return nil
}

// Stop drains the replication queue, stops the sweep, and closes the backend.
func (s *Store) Stop() error {
	s.opsMu.Lock()
	if s.closed {
		s.opsMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.opsMu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	return s.backend.Close()
}

// enqueue submits a backend write for ordered asynchronous execution.
// Replication failures are logged by the worker and never surfaced to the
// caller; the cache remains the source of truth.
func (s *Store) enqueue(label string, fn func(ctx context.Context) error) {
	s.opsMu.Lock()
	defer s.opsMu.Unlock()
	if s.closed {
		logger.Warnw("dropping backend write after shutdown", "op", label)
		return
	}
	s.ops <- replicateOp{label: label, fn: fn}
}

func (s *Store) replicationWorker() {
	defer s.wg.Done()

	for op := range s.ops {
		ctx, cancel := context.WithTimeout(context.Background(), replicationTimeout)
		if err := op.fn(ctx); err != nil {
			logger.Errorw("backend replication failed", "op", op.label, "error", err)
		}
		cancel()
	}
}

func (s *Store) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

// sweep prunes aged-out sessions from the cache and asks the backend to
// delete everything past its lifetime. The backend cleanup rides the
// replication queue so there is a single backend writer.
func (s *Store) sweep() {
	cutoff := time.Now().Add(-s.maxSessionAge)

	s.mu.Lock()
	var removed []string
	for id, session := range s.sessions {
		if session.CreatedAt.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	for _, id := range removed {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		logger.Infow("swept aged-out sessions", "count", len(removed))
	}

	s.enqueue("cleanup", func(ctx context.Context) error {
		return s.backend.Cleanup(ctx, cutoff)
	})
}

// indexLocked records the session's token indexes. Caller holds mu.
func (s *Store) indexLocked(session *storage.Session) {
	if session.AccessToken != "" {
		s.byAccessToken[session.AccessToken] = session.ID
	}
	if session.RefreshToken != "" {
		s.byRefreshToken[session.RefreshToken] = session.ID
	}
}

// unindexLocked drops the session's token indexes. Caller holds mu.
func (s *Store) unindexLocked(session *storage.Session) {
	if session.AccessToken != "" {
		delete(s.byAccessToken, session.AccessToken)
	}
	if session.RefreshToken != "" {
		delete(s.byRefreshToken, session.RefreshToken)
	}
}

// removeLocked deletes a session and its indexes. Caller holds mu.
func (s *Store) removeLocked(id string) {
	if session, ok := s.sessions[id]; ok {
		s.unindexLocked(session)
		delete(s.sessions, id)
	}
}

// aged reports whether the session is past its absolute lifetime. Aged but
// unswept sessions read as absent.
func (s *Store) aged(session *storage.Session) bool {
	return time.Since(session.CreatedAt) > s.maxSessionAge
}

// CreateSession stores a new session. A missing ID is assigned; timestamps
// are set if unset. The returned session is the caller's copy.
func (s *Store) CreateSession(_ context.Context, session *storage.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}

	stored := session.Clone()

	s.mu.Lock()
	if _, exists := s.sessions[stored.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", storage.ErrAlreadyExists, stored.ID)
	}
	s.sessions[stored.ID] = stored
	s.indexLocked(stored)
	s.mu.Unlock()

	replica := stored.Clone()
	s.enqueue("create session", func(ctx context.Context) error {
		return s.backend.CreateSession(ctx, replica)
	})
	return nil
}

// GetSession returns the session with the given ID.
func (s *Store) GetSession(_ context.Context, id string) (*storage.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || s.aged(session) {
		return nil, fmt.Errorf("%w: session %s", storage.ErrNotFound, id)
	}
	return session.Clone(), nil
}

// GetSessionByAccessToken returns the session whose current access token
// matches. A token that is not its session's current one does not resolve.
func (s *Store) GetSessionByAccessToken(_ context.Context, token string) (*storage.Session, error) {
	return s.getByIndex(s.byAccessToken, token)
}

// GetSessionByRefreshToken returns the session whose current refresh token
// matches.
func (s *Store) GetSessionByRefreshToken(_ context.Context, token string) (*storage.Session, error) {
	return s.getByIndex(s.byRefreshToken, token)
}

func (s *Store) getByIndex(index map[string]string, token string) (*storage.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: session for token", storage.ErrNotFound)
	}

	s.mu.RLock()
	var session *storage.Session
	if id, ok := index[token]; ok {
		session = s.sessions[id]
	}
	s.mu.RUnlock()

	if session == nil || s.aged(session) {
		return nil, fmt.Errorf("%w: session for token", storage.ErrNotFound)
	}
	return session.Clone(), nil
}

// UpdateSession replaces a session. The token indexes repoint in the same
// critical section, so a rotated token never resolves through a stale index.
func (s *Store) UpdateSession(_ context.Context, session *storage.Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session and session ID are required")
	}

	stored := session.Clone()
	stored.UpdatedAt = time.Now()

	s.mu.Lock()
	previous, ok := s.sessions[stored.ID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, stored.ID)
	}
	s.unindexLocked(previous)
	s.sessions[stored.ID] = stored
	s.indexLocked(stored)
	s.mu.Unlock()

	replica := stored.Clone()
	s.enqueue("update session", func(ctx context.Context) error {
		return s.backend.UpdateSession(ctx, replica)
	})
	return nil
}

// DeleteSession removes a session and its token indexes.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	if ok {
		s.removeLocked(id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: session %s", storage.ErrNotFound, id)
	}

	s.enqueue("delete session", func(ctx context.Context) error {
		return s.backend.DeleteSession(ctx, id)
	})
	return nil
}

// Flow state, authorization codes, clients and external session mappings are
// pass-through: they are touched a handful of times per authorization, not
// once per request, so they read and write the backend directly.

// StoreDeviceFlow records a pending device-grant flow.
func (s *Store) StoreDeviceFlow(ctx context.Context, flow *storage.DeviceFlow) error {
	return s.backend.StoreDeviceFlow(ctx, flow)
}

// GetDeviceFlow returns a pending device-grant flow by flow token.
func (s *Store) GetDeviceFlow(ctx context.Context, flowToken string) (*storage.DeviceFlow, error) {
	return s.backend.GetDeviceFlow(ctx, flowToken)
}

// DeleteDeviceFlow consumes a device-grant flow.
func (s *Store) DeleteDeviceFlow(ctx context.Context, flowToken string) error {
	return s.backend.DeleteDeviceFlow(ctx, flowToken)
}

// StoreAuthCodeFlow records a pending authorization-code flow.
func (s *Store) StoreAuthCodeFlow(ctx context.Context, flow *storage.AuthCodeFlow) error {
	return s.backend.StoreAuthCodeFlow(ctx, flow)
}

// GetAuthCodeFlow returns a pending authorization-code flow by correlator.
func (s *Store) GetAuthCodeFlow(ctx context.Context, state string) (*storage.AuthCodeFlow, error) {
	return s.backend.GetAuthCodeFlow(ctx, state)
}

// DeleteAuthCodeFlow consumes an authorization-code flow.
func (s *Store) DeleteAuthCodeFlow(ctx context.Context, state string) error {
	return s.backend.DeleteAuthCodeFlow(ctx, state)
}

// StoreAuthorizationCode records a single-use authorization code.
func (s *Store) StoreAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	return s.backend.StoreAuthorizationCode(ctx, code)
}

// GetAuthorizationCode returns an authorization code.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return s.backend.GetAuthorizationCode(ctx, code)
}

// DeleteAuthorizationCode consumes an authorization code. The first delete
// wins; losers get ErrNotFound.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.backend.DeleteAuthorizationCode(ctx, code)
}

// StoreClient records a dynamically registered client.
func (s *Store) StoreClient(ctx context.Context, client *storage.Client) error {
	return s.backend.StoreClient(ctx, client)
}

// GetClient returns a registered client.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.backend.GetClient(ctx, clientID)
}

// AssociateExternalSession maps a transport session ID to a session.
func (s *Store) AssociateExternalSession(ctx context.Context, externalID, sessionID string) error {
	return s.backend.AssociateExternalSession(ctx, externalID, sessionID)
}

// LookupExternalSession resolves a transport session ID to a session ID.
func (s *Store) LookupExternalSession(ctx context.Context, externalID string) (string, error) {
	return s.backend.LookupExternalSession(ctx, externalID)
}

// RemoveExternalSession drops a transport session mapping.
func (s *Store) RemoveExternalSession(ctx context.Context, externalID string) error {
	return s.backend.RemoveExternalSession(ctx, externalID)
}
