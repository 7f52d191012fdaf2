// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"github.com/zereight/gitlab-mcp-sub003/pkg/logger"
)

const (
	// fileDocumentVersion is the current snapshot document version.
	fileDocumentVersion = "2"

	// DefaultDebounceInterval batches bursts of writes into one snapshot.
	DefaultDebounceInterval = time.Second

	// DefaultPeriodicFlushInterval is the safety-net snapshot interval.
	DefaultPeriodicFlushInterval = 30 * time.Second

	// lockRetryInterval is how often a file lock acquisition is retried.
	lockRetryInterval = 100 * time.Millisecond

	// lockTimeout bounds how long a snapshot waits for the file lock.
	lockTimeout = 5 * time.Second
)

// fileDocument is the single JSON document a FileBackend persists.
type fileDocument struct {
	Version            string               `json:"version"`
	ExportedAt         time.Time            `json:"exported_at,omitzero"`
	Sessions           []*Session           `json:"sessions,omitempty"`
	DeviceFlows        []*DeviceFlow        `json:"device_flows,omitempty"`
	AuthCodeFlows      []*AuthCodeFlow      `json:"auth_code_flows,omitempty"`
	AuthorizationCodes []*AuthorizationCode `json:"authorization_codes,omitempty"`
	Clients            []*Client            `json:"clients,omitempty"`
	ExternalSessions   map[string]string    `json:"external_sessions,omitempty"`
}

// FileBackend is the snapshot-file backend: an in-memory backend whose state
// is persisted as one JSON document. Mutations mark the state dirty; a
// background writer snapshots after a short debounce and again on a periodic
// safety interval. Snapshots are written to a temp file in the target
// directory and renamed into place, so a crash mid-write never corrupts the
// previous snapshot. A separate .lock file guards against concurrent writers.
type FileBackend struct {
	*MemoryBackend

	path     string
	debounce time.Duration
	periodic time.Duration

	dirty    chan struct{}
	dirtyBit atomic.Bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// FileBackendOption configures a FileBackend.
type FileBackendOption func(*FileBackend)

// WithDebounceInterval overrides the write debounce interval.
func WithDebounceInterval(d time.Duration) FileBackendOption {
	return func(b *FileBackend) {
		b.debounce = d
	}
}

// WithPeriodicFlushInterval overrides the safety-net flush interval.
func WithPeriodicFlushInterval(d time.Duration) FileBackendOption {
	return func(b *FileBackend) {
		b.periodic = d
	}
}

// NewFileBackend creates a file backend persisting to path. Call Initialize
// to load the existing snapshot and start the background writer.
func NewFileBackend(path string, opts ...FileBackendOption) (*FileBackend, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}

	b := &FileBackend{
		MemoryBackend: NewMemoryBackend(),
		path:          path,
		debounce:      DefaultDebounceInterval,
		periodic:      DefaultPeriodicFlushInterval,
		dirty:         make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Initialize loads the snapshot (if any) and starts the background writer.
// A missing file starts empty; a corrupt file is logged and left in place
// untouched until the next successful snapshot replaces it.
func (b *FileBackend) Initialize(_ context.Context) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	if err := b.load(); err != nil {
		logger.Warnw("failed to load state snapshot, starting empty",
			"path", b.path, "error", err)
	}

	go b.writeLoop()
	return nil
}

// Close stops the background writer and flushes a final snapshot.
func (b *FileBackend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// Flush writes a snapshot immediately if there are unpersisted changes.
func (b *FileBackend) Flush() error {
	if !b.dirtyBit.Swap(false) {
		return nil
	}
	return b.writeSnapshot()
}

func (b *FileBackend) markDirty() {
	b.dirtyBit.Store(true)
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// writeLoop batches mutations into debounced snapshots, with a periodic
// safety flush in case the debounce channel signal is ever lost.
func (b *FileBackend) writeLoop() {
	defer close(b.doneCh)

	ticker := time.NewTicker(b.periodic)
	defer ticker.Stop()

	var debounceC <-chan time.Time

	flush := func() {
		debounceC = nil
		if !b.dirtyBit.Swap(false) {
			return
		}
		if err := b.writeSnapshot(); err != nil {
			// Keep the dirty bit so the periodic flush retries.
			b.dirtyBit.Store(true)
			logger.Errorw("failed to write state snapshot", "path", b.path, "error", err)
		}
	}

	for {
		select {
		case <-b.stopCh:
			return
		case <-b.dirty:
			if debounceC == nil {
				debounceC = time.After(b.debounce)
			}
		case <-debounceC:
			flush()
		case <-ticker.C:
			if debounceC == nil {
				flush()
			}
		}
	}
}

// writeSnapshot serializes the current state and atomically replaces the
// snapshot file via temp file + rename, under the cross-process file lock.
func (b *FileBackend) writeSnapshot() error {
	doc := b.MemoryBackend.snapshot()
	doc.ExportedAt = time.Now().UTC()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	release, err := b.acquireFileLock()
	if err != nil {
		return err
	}
	defer release()

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set temp file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, b.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	return nil
}

// load reads the snapshot file into the in-memory state, discarding records
// that expired while the file was at rest.
func (b *FileBackend) load() error {
	release, err := b.acquireFileLock()
	if err != nil {
		return err
	}
	defer release()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read snapshot: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	switch doc.Version {
	case fileDocumentVersion:
	case "1":
		// Version 1 predates client registrations and external session
		// mappings; absent sections simply restore empty.
	default:
		return fmt.Errorf("unsupported snapshot version %q", doc.Version)
	}

	b.MemoryBackend.restore(&doc)
	return nil
}

// acquireFileLock takes the cross-process lock guarding the snapshot file.
// The lock lives in a separate .lock file so the snapshot itself can be
// atomically renamed while locked.
func (b *FileBackend) acquireFileLock() (func(), error) {
	fileLock := flock.New(b.path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire file lock: %w", err)
	}
	if !locked {
		return nil, errors.New("timed out waiting for file lock")
	}

	return func() {
		if err := fileLock.Unlock(); err != nil {
			logger.Warnw("failed to release file lock", "path", b.path, "error", err)
		}
	}, nil
}

// Mutating operations delegate to the in-memory state and mark it dirty.

// CreateSession stores a new session and schedules a snapshot.
func (b *FileBackend) CreateSession(ctx context.Context, session *Session) error {
	if err := b.MemoryBackend.CreateSession(ctx, session); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// UpdateSession replaces a session and schedules a snapshot.
func (b *FileBackend) UpdateSession(ctx context.Context, session *Session) error {
	if err := b.MemoryBackend.UpdateSession(ctx, session); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// DeleteSession removes a session and schedules a snapshot.
func (b *FileBackend) DeleteSession(ctx context.Context, id string) error {
	if err := b.MemoryBackend.DeleteSession(ctx, id); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// StoreDeviceFlow stores a device flow and schedules a snapshot.
func (b *FileBackend) StoreDeviceFlow(ctx context.Context, flow *DeviceFlow) error {
	if err := b.MemoryBackend.StoreDeviceFlow(ctx, flow); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// DeleteDeviceFlow removes a device flow and schedules a snapshot.
func (b *FileBackend) DeleteDeviceFlow(ctx context.Context, flowToken string) error {
	if err := b.MemoryBackend.DeleteDeviceFlow(ctx, flowToken); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// StoreAuthCodeFlow stores a flow and schedules a snapshot.
func (b *FileBackend) StoreAuthCodeFlow(ctx context.Context, flow *AuthCodeFlow) error {
	if err := b.MemoryBackend.StoreAuthCodeFlow(ctx, flow); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// DeleteAuthCodeFlow removes a flow and schedules a snapshot.
func (b *FileBackend) DeleteAuthCodeFlow(ctx context.Context, state string) error {
	if err := b.MemoryBackend.DeleteAuthCodeFlow(ctx, state); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// StoreAuthorizationCode stores a code and schedules a snapshot.
func (b *FileBackend) StoreAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if err := b.MemoryBackend.StoreAuthorizationCode(ctx, code); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// DeleteAuthorizationCode removes a code and schedules a snapshot.
func (b *FileBackend) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := b.MemoryBackend.DeleteAuthorizationCode(ctx, code); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// StoreClient stores a client and schedules a snapshot.
func (b *FileBackend) StoreClient(ctx context.Context, client *Client) error {
	if err := b.MemoryBackend.StoreClient(ctx, client); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// DeleteClient removes a client and schedules a snapshot.
func (b *FileBackend) DeleteClient(ctx context.Context, clientID string) error {
	if err := b.MemoryBackend.DeleteClient(ctx, clientID); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// AssociateExternalSession stores a mapping and schedules a snapshot.
func (b *FileBackend) AssociateExternalSession(ctx context.Context, externalID, sessionID string) error {
	if err := b.MemoryBackend.AssociateExternalSession(ctx, externalID, sessionID); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// RemoveExternalSession removes a mapping and schedules a snapshot.
func (b *FileBackend) RemoveExternalSession(ctx context.Context, externalID string) error {
	if err := b.MemoryBackend.RemoveExternalSession(ctx, externalID); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// Cleanup sweeps expired records and schedules a snapshot.
func (b *FileBackend) Cleanup(ctx context.Context, sessionCutoff time.Time) error {
	if err := b.MemoryBackend.Cleanup(ctx, sessionCutoff); err != nil {
		return err
	}
	b.markDirty()
	return nil
}

// Compile-time interface compliance check.
var _ Backend = (*FileBackend)(nil)
