// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

// SQLiteBackend is the relational backend. Several gateway instances may
// share one database file; row-level consistency comes from SQLite itself
// and from the partial unique indexes on the session token columns.
type SQLiteBackend struct {
	db  *sql.DB
	dsn string
}

// NewSQLiteBackend creates a backend for the database at dsn. The dsn is a
// modernc.org/sqlite connection string, e.g. a plain file path or a
// file: URI. Call Initialize to open the database and run migrations.
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	if dsn == "" {
		return nil, errors.New("database DSN is required")
	}
	return &SQLiteBackend{dsn: dsn}, nil
}

// Initialize opens the database and applies pending migrations.
func (b *SQLiteBackend) Initialize(ctx context.Context) error {
	db, err := sql.Open("sqlite", b.dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// modernc sqlite serializes writes anyway; one connection avoids
	// SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	b.db = db
	return nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

// timeToNano encodes a time for storage. Zero time encodes as 0.
func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// nanoToTime decodes a stored time. 0 decodes as the zero time.
func nanoToTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// encodeStrings marshals a string slice for a TEXT column.
func encodeStrings(values []string) (string, error) {
	if values == nil {
		return "[]", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeStrings unmarshals a TEXT column into a string slice.
func decodeStrings(data string) ([]string, error) {
	if data == "" || data == "[]" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// -----------------------
// Sessions
// -----------------------

const sessionColumns = `id, client_id, user_id, username, scopes,
	access_token, refresh_token, token_expires_at,
	provider_access_token, provider_refresh_token, provider_token_expires_at,
	created_at, updated_at`

func scanSession(row scanner) (*Session, error) {
	var s Session
	var scopes string
	var tokenExp, providerExp, created, updated int64

	err := row.Scan(
		&s.ID, &s.ClientID, &s.UserID, &s.Username, &scopes,
		&s.AccessToken, &s.RefreshToken, &tokenExp,
		&s.ProviderAccessToken, &s.ProviderRefreshToken, &providerExp,
		&created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	s.Scopes, err = decodeStrings(scopes)
	if err != nil {
		return nil, err
	}
	s.TokenExpiresAt = nanoToTime(tokenExp)
	s.ProviderTokenExpiresAt = nanoToTime(providerExp)
	s.CreatedAt = nanoToTime(created)
	s.UpdatedAt = nanoToTime(updated)

	return &s, nil
}

// CreateSession inserts a new session row.
func (b *SQLiteBackend) CreateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session and session ID are required")
	}

	scopes, err := encodeStrings(session.Scopes)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.ClientID, session.UserID, session.Username, scopes,
		session.AccessToken, session.RefreshToken, timeToNano(session.TokenExpiresAt),
		session.ProviderAccessToken, session.ProviderRefreshToken, timeToNano(session.ProviderTokenExpiresAt),
		timeToNano(session.CreatedAt), timeToNano(session.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session %s", ErrAlreadyExists, session.ID)
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (b *SQLiteBackend) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

// GetSessionByAccessToken retrieves the session whose current access token matches.
func (b *SQLiteBackend) GetSessionByAccessToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: session for access token", ErrNotFound)
	}
	return scanSession(b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE access_token = ?`, token))
}

// GetSessionByRefreshToken retrieves the session whose current refresh token matches.
func (b *SQLiteBackend) GetSessionByRefreshToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: session for refresh token", ErrNotFound)
	}
	return scanSession(b.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token = ?`, token))
}

// UpdateSession replaces a session row.
func (b *SQLiteBackend) UpdateSession(ctx context.Context, session *Session) error {
	if session == nil || session.ID == "" {
		return errors.New("session and session ID are required")
	}

	scopes, err := encodeStrings(session.Scopes)
	if err != nil {
		return err
	}

	res, err := b.db.ExecContext(ctx, `
		UPDATE sessions SET
			client_id = ?, user_id = ?, username = ?, scopes = ?,
			access_token = ?, refresh_token = ?, token_expires_at = ?,
			provider_access_token = ?, provider_refresh_token = ?, provider_token_expires_at = ?,
			updated_at = ?
		WHERE id = ?`,
		session.ClientID, session.UserID, session.Username, scopes,
		session.AccessToken, session.RefreshToken, timeToNano(session.TokenExpiresAt),
		session.ProviderAccessToken, session.ProviderRefreshToken, timeToNano(session.ProviderTokenExpiresAt),
		timeToNano(session.UpdatedAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, session.ID)
	}
	return nil
}

// DeleteSession removes a session row.
func (b *SQLiteBackend) DeleteSession(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

// ListSessions returns every stored session.
func (b *SQLiteBackend) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		s, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}

	return sessions, nil
}

// -----------------------
// Device flows
// -----------------------

// StoreDeviceFlow upserts a device flow row.
func (b *SQLiteBackend) StoreDeviceFlow(ctx context.Context, flow *DeviceFlow) error {
	if flow == nil || flow.FlowToken == "" {
		return errors.New("flow and flow token are required")
	}

	scopes, err := encodeStrings(flow.Scopes)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO device_flows (
			flow_token, device_code, user_code, verification_uri, verification_uri_complete,
			client_id, scopes, pkce_challenge, pkce_method, client_state, client_redirect_uri,
			poll_interval, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_token) DO UPDATE SET
			device_code = excluded.device_code,
			expires_at = excluded.expires_at`,
		flow.FlowToken, flow.DeviceCode, flow.UserCode, flow.VerificationURI, flow.VerificationURIComplete,
		flow.ClientID, scopes, flow.PKCEChallenge, flow.PKCEMethod, flow.ClientState, flow.ClientRedirectURI,
		flow.Interval, timeToNano(flow.ExpiresAt), timeToNano(flow.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing device flow: %w", err)
	}
	return nil
}

// GetDeviceFlow retrieves a device flow by flow token.
func (b *SQLiteBackend) GetDeviceFlow(ctx context.Context, flowToken string) (*DeviceFlow, error) {
	var f DeviceFlow
	var scopes string
	var expires, created int64

	err := b.db.QueryRowContext(ctx, `
		SELECT flow_token, device_code, user_code, verification_uri, verification_uri_complete,
			client_id, scopes, pkce_challenge, pkce_method, client_state, client_redirect_uri,
			poll_interval, expires_at, created_at
		FROM device_flows WHERE flow_token = ?`, flowToken,
	).Scan(
		&f.FlowToken, &f.DeviceCode, &f.UserCode, &f.VerificationURI, &f.VerificationURIComplete,
		&f.ClientID, &scopes, &f.PKCEChallenge, &f.PKCEMethod, &f.ClientState, &f.ClientRedirectURI,
		&f.Interval, &expires, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: device flow", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning device flow: %w", err)
	}

	f.Scopes, err = decodeStrings(scopes)
	if err != nil {
		return nil, err
	}
	f.ExpiresAt = nanoToTime(expires)
	f.CreatedAt = nanoToTime(created)

	if time.Now().After(f.ExpiresAt) {
		return nil, fmt.Errorf("%w: device flow", ErrExpired)
	}
	return &f, nil
}

// DeleteDeviceFlow removes a device flow row.
func (b *SQLiteBackend) DeleteDeviceFlow(ctx context.Context, flowToken string) error {
	return b.deleteByKey(ctx, "device_flows", "flow_token", flowToken, "device flow")
}

// -----------------------
// Authorization-code flows
// -----------------------

// StoreAuthCodeFlow upserts a flow row keyed by correlator state.
func (b *SQLiteBackend) StoreAuthCodeFlow(ctx context.Context, flow *AuthCodeFlow) error {
	if flow == nil || flow.State == "" {
		return errors.New("flow and correlator state are required")
	}

	scopes, err := encodeStrings(flow.Scopes)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO auth_code_flows (
			state, client_id, scopes, pkce_challenge, pkce_method,
			client_state, client_redirect_uri, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(state) DO UPDATE SET expires_at = excluded.expires_at`,
		flow.State, flow.ClientID, scopes, flow.PKCEChallenge, flow.PKCEMethod,
		flow.ClientState, flow.ClientRedirectURI, timeToNano(flow.ExpiresAt), timeToNano(flow.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing authorization flow: %w", err)
	}
	return nil
}

// GetAuthCodeFlow retrieves a flow by correlator state.
func (b *SQLiteBackend) GetAuthCodeFlow(ctx context.Context, state string) (*AuthCodeFlow, error) {
	var f AuthCodeFlow
	var scopes string
	var expires, created int64

	err := b.db.QueryRowContext(ctx, `
		SELECT state, client_id, scopes, pkce_challenge, pkce_method,
			client_state, client_redirect_uri, expires_at, created_at
		FROM auth_code_flows WHERE state = ?`, state,
	).Scan(
		&f.State, &f.ClientID, &scopes, &f.PKCEChallenge, &f.PKCEMethod,
		&f.ClientState, &f.ClientRedirectURI, &expires, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: authorization flow", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning authorization flow: %w", err)
	}

	f.Scopes, err = decodeStrings(scopes)
	if err != nil {
		return nil, err
	}
	f.ExpiresAt = nanoToTime(expires)
	f.CreatedAt = nanoToTime(created)

	if time.Now().After(f.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization flow", ErrExpired)
	}
	return &f, nil
}

// DeleteAuthCodeFlow removes a flow row.
func (b *SQLiteBackend) DeleteAuthCodeFlow(ctx context.Context, state string) error {
	return b.deleteByKey(ctx, "auth_code_flows", "state", state, "authorization flow")
}

// -----------------------
// Authorization codes
// -----------------------

// StoreAuthorizationCode inserts a code row.
func (b *SQLiteBackend) StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code is required")
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (
			code, session_id, client_id, pkce_challenge, pkce_method,
			redirect_uri, expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.SessionID, code.ClientID, code.PKCEChallenge, code.PKCEMethod,
		code.RedirectURI, timeToNano(code.ExpiresAt), timeToNano(code.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
		}
		return fmt.Errorf("inserting authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode retrieves a code row.
func (b *SQLiteBackend) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var c AuthorizationCode
	var expires, created int64

	err := b.db.QueryRowContext(ctx, `
		SELECT code, session_id, client_id, pkce_challenge, pkce_method,
			redirect_uri, expires_at, created_at
		FROM authorization_codes WHERE code = ?`, code,
	).Scan(
		&c.Code, &c.SessionID, &c.ClientID, &c.PKCEChallenge, &c.PKCEMethod,
		&c.RedirectURI, &expires, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: authorization code", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning authorization code: %w", err)
	}

	c.ExpiresAt = nanoToTime(expires)
	c.CreatedAt = nanoToTime(created)

	if time.Now().After(c.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code", ErrExpired)
	}
	return &c, nil
}

// DeleteAuthorizationCode removes a code row. The single-use guarantee holds
// because redemption deletes before responding and a second redemption finds
// no row.
func (b *SQLiteBackend) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return b.deleteByKey(ctx, "authorization_codes", "code", code, "authorization code")
}

// -----------------------
// Clients
// -----------------------

// StoreClient upserts a registered client row.
func (b *SQLiteBackend) StoreClient(ctx context.Context, client *Client) error {
	if client == nil || client.ID == "" {
		return errors.New("client and client ID are required")
	}

	redirectURIs, err := encodeStrings(client.RedirectURIs)
	if err != nil {
		return err
	}
	grantTypes, err := encodeStrings(client.GrantTypes)
	if err != nil {
		return err
	}
	responseTypes, err := encodeStrings(client.ResponseTypes)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO clients (
			id, secret, name, redirect_uris, grant_types, response_types,
			token_endpoint_auth_method, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret = excluded.secret,
			name = excluded.name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method`,
		client.ID, client.Secret, client.Name, redirectURIs, grantTypes, responseTypes,
		client.TokenEndpointAuthMethod, timeToNano(client.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing client: %w", err)
	}
	return nil
}

// GetClient retrieves a registered client row.
func (b *SQLiteBackend) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var c Client
	var redirectURIs, grantTypes, responseTypes string
	var created int64

	err := b.db.QueryRowContext(ctx, `
		SELECT id, secret, name, redirect_uris, grant_types, response_types,
			token_endpoint_auth_method, created_at
		FROM clients WHERE id = ?`, clientID,
	).Scan(
		&c.ID, &c.Secret, &c.Name, &redirectURIs, &grantTypes, &responseTypes,
		&c.TokenEndpointAuthMethod, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: client", ErrNotFound)
		}
		return nil, fmt.Errorf("scanning client: %w", err)
	}

	if c.RedirectURIs, err = decodeStrings(redirectURIs); err != nil {
		return nil, err
	}
	if c.GrantTypes, err = decodeStrings(grantTypes); err != nil {
		return nil, err
	}
	if c.ResponseTypes, err = decodeStrings(responseTypes); err != nil {
		return nil, err
	}
	c.CreatedAt = nanoToTime(created)

	return &c, nil
}

// DeleteClient removes a registered client row.
func (b *SQLiteBackend) DeleteClient(ctx context.Context, clientID string) error {
	return b.deleteByKey(ctx, "clients", "id", clientID, "client")
}

// -----------------------
// External session mapping
// -----------------------

// AssociateExternalSession upserts a transport-session mapping.
func (b *SQLiteBackend) AssociateExternalSession(ctx context.Context, externalID, sessionID string) error {
	if externalID == "" || sessionID == "" {
		return errors.New("external ID and session ID are required")
	}

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO external_sessions (external_id, session_id) VALUES (?, ?)
		ON CONFLICT(external_id) DO UPDATE SET session_id = excluded.session_id`,
		externalID, sessionID,
	)
	if err != nil {
		return fmt.Errorf("storing external session mapping: %w", err)
	}
	return nil
}

// LookupExternalSession resolves a transport session ID.
func (b *SQLiteBackend) LookupExternalSession(ctx context.Context, externalID string) (string, error) {
	var sessionID string
	err := b.db.QueryRowContext(ctx,
		`SELECT session_id FROM external_sessions WHERE external_id = ?`, externalID,
	).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: external session", ErrNotFound)
		}
		return "", fmt.Errorf("scanning external session: %w", err)
	}
	return sessionID, nil
}

// RemoveExternalSession removes a transport-session mapping.
func (b *SQLiteBackend) RemoveExternalSession(ctx context.Context, externalID string) error {
	return b.deleteByKey(ctx, "external_sessions", "external_id", externalID, "external session")
}

// -----------------------
// Cleanup and stats
// -----------------------

// Cleanup removes all expired records in a single transaction, so a snapshot
// of the database never shows a partially swept state.
func (b *SQLiteBackend) Cleanup(ctx context.Context, sessionCutoff time.Time) error {
	now := time.Now().UnixNano()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning cleanup transaction: %w", err)
	}
	defer rollback(tx)

	deletes := []struct {
		label string
		query string
		arg   int64
	}{
		{"sessions", `DELETE FROM sessions WHERE created_at < ?`, sessionCutoff.UnixNano()},
		{"device flows", `DELETE FROM device_flows WHERE expires_at < ?`, now},
		{"authorization flows", `DELETE FROM auth_code_flows WHERE expires_at < ?`, now},
		{"authorization codes", `DELETE FROM authorization_codes WHERE expires_at < ?`, now},
		{"external sessions", `DELETE FROM external_sessions WHERE session_id NOT IN (SELECT id FROM sessions)`, 0},
	}

	for _, d := range deletes {
		var args []any
		if d.arg != 0 {
			args = append(args, d.arg)
		}
		if _, err := tx.ExecContext(ctx, d.query, args...); err != nil {
			return fmt.Errorf("cleaning up %s: %w", d.label, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cleanup: %w", err)
	}

	logger.Debugw("storage cleanup committed", "backend", "sqlite")
	return nil
}

// Stats returns row counts per table.
func (b *SQLiteBackend) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	counts := []struct {
		table string
		dest  *int
	}{
		{"sessions", &stats.Sessions},
		{"device_flows", &stats.DeviceFlows},
		{"auth_code_flows", &stats.AuthCodeFlows},
		{"authorization_codes", &stats.AuthorizationCodes},
		{"clients", &stats.Clients},
		{"external_sessions", &stats.ExternalSessions},
	}

	for _, c := range counts {
		if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+c.table).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", c.table, err)
		}
	}

	return stats, nil
}

// deleteByKey deletes one row by primary key, mapping zero rows to ErrNotFound.
func (b *SQLiteBackend) deleteByKey(ctx context.Context, table, column, key, label string) error {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE `+column+` = ?`, key) // #nosec G202 -- table and column are compile-time constants
	if err != nil {
		return fmt.Errorf("deleting %s: %w", label, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, label)
	}
	return nil
}

// Compile-time interface compliance check.
var _ Backend = (*SQLiteBackend)(nil)
